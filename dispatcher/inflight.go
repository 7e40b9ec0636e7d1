package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/eventbus/model"
)

// State is the lifecycle state of an in-flight message. Valid paths are
// Received -> Dispatched -> Acked, Received -> Dispatched -> Requeued, and
// either pre-terminal state -> TimedOut. Transitions are compare-and-swap,
// so exactly one terminal state wins and a message can never be acked twice.
type State int32

const (
	StateReceived State = iota
	StateDispatched
	StateAcked
	StateRequeued
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDispatched:
		return "dispatched"
	case StateAcked:
		return "acked"
	case StateRequeued:
		return "requeued"
	case StateTimedOut:
		return "timedout"
	default:
		return "unknown"
	}
}

// inFlight tracks one received message until it reaches a terminal state.
type inFlight struct {
	id         model.MessageID
	attempts   uint16
	receivedAt time.Time
	deadline   time.Time
	state      int32
}

func (m *inFlight) transition(from, to State) bool {
	return atomic.CompareAndSwapInt32(&m.state, int32(from), int32(to))
}

func (m *inFlight) currentState() State {
	return State(atomic.LoadInt32(&m.state))
}

// tracker holds the in-flight messages of one subscription. It enforces the
// invariant that at most one in-flight entry exists per message ID, and its
// sweeper drops entries whose deadline passed so local memory stays bounded
// (the broker redelivers those).
type tracker struct {
	mx       sync.Mutex
	messages map[model.MessageID]*inFlight
}

func newTracker() *tracker {
	return &tracker{
		messages: make(map[model.MessageID]*inFlight),
	}
}

// track registers a received message. It returns false when the ID is
// already in flight, in which case the new delivery must be ignored to avoid
// duplicate concurrent handling.
func (tr *tracker) track(d *model.Delivery, deadline time.Time) (*inFlight, bool) {
	tr.mx.Lock()
	defer tr.mx.Unlock()

	if _, exists := tr.messages[d.ID]; exists {
		return nil, false
	}
	m := &inFlight{
		id:         d.ID,
		attempts:   d.Attempts,
		receivedAt: time.Now(),
		deadline:   deadline,
		state:      int32(StateReceived),
	}
	tr.messages[d.ID] = m
	return m, true
}

func (tr *tracker) untrack(id model.MessageID) {
	tr.mx.Lock()
	defer tr.mx.Unlock()
	delete(tr.messages, id)
}

func (tr *tracker) size() int {
	tr.mx.Lock()
	defer tr.mx.Unlock()
	return len(tr.messages)
}

// sweep times out entries whose deadline has passed and stops tracking them.
func (tr *tracker) sweep(now time.Time) []*inFlight {
	tr.mx.Lock()
	defer tr.mx.Unlock()

	var expired []*inFlight
	for id, m := range tr.messages {
		if now.Before(m.deadline) {
			continue
		}
		if m.transition(StateReceived, StateTimedOut) || m.transition(StateDispatched, StateTimedOut) {
			delete(tr.messages, id)
			expired = append(expired, m)
		}
	}
	return expired
}
