package replica

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"bft2f/message"
)

// Event is one input to the engine's single ordering point. The set is
// closed: the engine's dispatch switches over every kind.
type Event interface {
	event()
}

// MsgEvent is a raw inbound datagram. The engine hands it to the
// verification pool; the decoded result re-enters the queue as a
// verifiedEvent.
type MsgEvent struct {
	Data []byte
}

// TimerEvent is a timer fire. Tokens of cancelled timers are unknown
// to the engine and their late fires are ignored.
type TimerEvent struct {
	Token uuid.UUID
}

// verifiedEvent is a decoded, authenticated envelope coming back from
// the verification pool. It carries no view of its own; the handlers
// compare the message's view with the engine's current one.
type verifiedEvent struct {
	env *message.Envelope
}

// rejectedEvent reports a datagram the pool dropped, so the malformed
// counter is maintained at the single ordering point.
type rejectedEvent struct{}

func (MsgEvent) event()      {}
func (TimerEvent) event()    {}
func (verifiedEvent) event() {}
func (rejectedEvent) event() {}

// Timer is the scheduling contract the engine consumes. Fires are
// delivered as TimerEvents into the engine's input queue; Cancel
// invalidates a token so a late fire is ignored.
type Timer interface {
	Schedule(d time.Duration, token uuid.UUID)
	Cancel(token uuid.UUID)
}

// wallTimer implements Timer on the runtime clock.
type wallTimer struct {
	inject func(Event)

	mu      sync.Mutex
	pending map[uuid.UUID]*time.Timer
}

func newWallTimer(inject func(Event)) *wallTimer {
	return &wallTimer{inject: inject, pending: make(map[uuid.UUID]*time.Timer)}
}

func (t *wallTimer) Schedule(d time.Duration, token uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.pending[token]; ok {
		old.Stop()
	}
	t.pending[token] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.pending, token)
		t.mu.Unlock()
		t.inject(TimerEvent{Token: token})
	})
}

func (t *wallTimer) Cancel(token uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.pending[token]; ok {
		timer.Stop()
		delete(t.pending, token)
	}
}
