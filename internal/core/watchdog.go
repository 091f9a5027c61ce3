package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FlowWatchdog holds one deadline timer per connection. A timer is
// armed when a leg subscribes, disarmed the moment flow is confirmed,
// and fires exactly once otherwise, forcing teardown of the connection.
type FlowWatchdog struct {
	mu       sync.Mutex
	deadline time.Duration
	timers   map[ConnectionID]*time.Timer
}

func NewFlowWatchdog(deadline time.Duration) *FlowWatchdog {
	return &FlowWatchdog{
		deadline: deadline,
		timers:   make(map[ConnectionID]*time.Timer),
	}
}

// Arm starts the failure-detection window for conn unless one is
// already running; re-arming is a no-op, not a reset.
func (w *FlowWatchdog) Arm(conn ConnectionID, onExpire func(ConnectionID)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.timers[conn]; ok {
		return
	}
	log.Debug().Str("module", "core.watchdog").Str("connection", string(conn)).Dur("deadline", w.deadline).Msg("flow watchdog armed")
	w.timers[conn] = time.AfterFunc(w.deadline, func() {
		w.mu.Lock()
		_, live := w.timers[conn]
		delete(w.timers, conn)
		w.mu.Unlock()
		// Disarm may have raced the timer goroutine.
		if live {
			onExpire(conn)
		}
	})
}

// Disarm cancels conn's window; called on the flow-confirmed event.
// After the timer already fired this is a no-op.
func (w *FlowWatchdog) Disarm(conn ConnectionID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[conn]; ok {
		t.Stop()
		delete(w.timers, conn)
		log.Debug().Str("module", "core.watchdog").Str("connection", string(conn)).Msg("flow watchdog disarmed")
	}
}

// Armed reports whether a window is currently open for conn.
func (w *FlowWatchdog) Armed(conn ConnectionID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.timers[conn]
	return ok
}

// StopAll cancels every outstanding window; used on session teardown so
// no timer survives its session.
func (w *FlowWatchdog) StopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for conn, t := range w.timers {
		t.Stop()
		delete(w.timers, conn)
	}
}
