package core

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// CandidateSink receives one flushed candidate, normally the leg's
// addIceCandidate call.
type CandidateSink func(webrtc.ICECandidateInit) error

// CandidateQueue buffers ICE candidates that arrive before the
// destination leg exists, per connection, in network arrival order.
type CandidateQueue struct {
	mu     sync.Mutex
	limit  int
	queues map[ConnectionID][]webrtc.ICECandidateInit
}

// NewCandidateQueue creates a queue holding at most limit candidates per
// connection; 0 means unbounded.
func NewCandidateQueue(limit int) *CandidateQueue {
	return &CandidateQueue{
		limit:  limit,
		queues: make(map[ConnectionID][]webrtc.ICECandidateInit),
	}
}

// Enqueue appends candidate to conn's queue, creating it if absent.
// When the queue is full the oldest candidate is dropped.
func (q *CandidateQueue) Enqueue(conn ConnectionID, candidate webrtc.ICECandidateInit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[conn]
	if q.limit > 0 && len(queue) >= q.limit {
		queue = queue[1:]
		log.Warn().Str("module", "core.icequeue").Str("connection", string(conn)).Int("limit", q.limit).Msg("candidate queue full, dropping oldest")
	}
	q.queues[conn] = append(queue, candidate)
}

// Flush pops conn's candidates in FIFO order and forwards each to sink.
// A forwarding failure is logged and flushing continues, one bad
// candidate must not block the rest. No queue is a benign no-op.
func (q *CandidateQueue) Flush(conn ConnectionID, sink CandidateSink) {
	q.mu.Lock()
	queue, ok := q.queues[conn]
	delete(q.queues, conn)
	q.mu.Unlock()
	if !ok {
		return
	}
	for _, candidate := range queue {
		if err := sink(candidate); err != nil {
			log.Error().Err(err).Str("module", "core.icequeue").Str("connection", string(conn)).Msg("candidate could not be added to the engine")
		}
	}
}

// Discard drops conn's queue without forwarding; used on teardown.
func (q *CandidateQueue) Discard(conn ConnectionID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, conn)
}

// DiscardAll drops every queue; used on full-session teardown.
func (q *CandidateQueue) DiscardAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues = make(map[ConnectionID][]webrtc.ICECandidateInit)
}

// Pending reports the number of buffered candidates for conn.
func (q *CandidateQueue) Pending(conn ConnectionID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[conn])
}
