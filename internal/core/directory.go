package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avelar/sfu-signaling/internal/domain"
)

// Directory is the threadsafe connection-id ↔ user mapping of one session.
// It attributes flow events and disconnect notifications to a user.
// Reverse lookup scans in insertion order; directory size equals the
// room's concurrent connection count, so a linear scan is fine.
type Directory struct {
	mu     sync.RWMutex
	byConn map[ConnectionID]*domain.User
	order  []ConnectionID
}

func NewDirectory() *Directory {
	return &Directory{byConn: make(map[ConnectionID]*domain.User)}
}

// Add binds user to conn. A new join reusing a stale connection-id is
// tolerated, last write wins.
func (d *Directory) Add(conn ConnectionID, user *domain.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byConn[conn]; ok {
		log.Warn().Str("module", "core.directory").Str("connection", string(conn)).Msg("updating user for existing connection")
	} else {
		d.order = append(d.order, conn)
	}
	d.byConn[conn] = user
	log.Debug().Str("module", "core.directory").Str("connection", string(conn)).Str("user", string(user.ID)).Msg("user added")
}

func (d *Directory) Remove(conn ConnectionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byConn[conn]; !ok {
		log.Error().Str("module", "core.directory").Str("connection", string(conn)).Msg("missing connection on remove")
		return
	}
	delete(d.byConn, conn)
	for i, c := range d.order {
		if c == conn {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

func (d *Directory) Get(conn ConnectionID) (*domain.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byConn[conn]
	if !ok {
		log.Error().Str("module", "core.directory").Str("connection", string(conn)).Msg("missing connection on get")
	}
	return u, ok
}

// ConnectionByUser returns the first connection bound to userID in
// insertion order. A miss is reported, not fatal.
func (d *Directory) ConnectionByUser(userID domain.UserID) (ConnectionID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, conn := range d.order {
		if u := d.byConn[conn]; u != nil && u.ID == userID {
			return conn, true
		}
	}
	log.Error().Str("module", "core.directory").Str("user", string(userID)).Msg("missing connection for user")
	return "", false
}

// Connections returns a snapshot of all known connection ids.
func (d *Directory) Connections() []ConnectionID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ConnectionID, len(d.order))
	copy(out, d.order)
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byConn)
}
