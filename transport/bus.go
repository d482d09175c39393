package transport

import (
	"sync"

	"github.com/pkg/errors"
)

// FilterFunc decides whether a datagram from one node to another is
// delivered. Returning false drops it silently.
type FilterFunc func(from, to uint64, data []byte) bool

// Bus is an in-process message bus connecting any number of endpoints.
// It exists so whole clusters can run inside one test binary, and it
// can inject the faults the transport contract permits: drops via
// filters and duplicate delivery.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[uint64]*Endpoint
	filter    FilterFunc
	duplicate bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{endpoints: make(map[uint64]*Endpoint)}
}

// SetFilter installs a delivery filter. A nil filter delivers
// everything.
func (b *Bus) SetFilter(f FilterFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter = f
}

// SetDuplicate makes the bus deliver every datagram twice, exercising
// receiver idempotency.
func (b *Bus) SetDuplicate(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.duplicate = on
}

// Endpoint attaches a node to the bus. group is the set of node ids a
// Broadcast from this endpoint reaches.
func (b *Bus) Endpoint(self uint64, group []uint64) *Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep := &Endpoint{
		bus:   b,
		self:  self,
		group: append([]uint64(nil), group...),
		inC:   make(chan Inbound, 4096),
	}
	b.endpoints[self] = ep
	return ep
}

func (b *Bus) deliver(from, to uint64, data []byte) {
	b.mu.RLock()
	ep, ok := b.endpoints[to]
	filter := b.filter
	dup := b.duplicate
	b.mu.RUnlock()
	if !ok {
		return
	}
	if filter != nil && !filter(from, to, data) {
		return
	}
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if !ep.started || ep.stopped {
		return
	}
	copies := 1
	if dup {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		select {
		case ep.inC <- Inbound{Data: data}:
		default:
			// Full queue: best-effort transport drops.
		}
	}
}

// Endpoint is one node's attachment to a Bus. It implements Transport.
type Endpoint struct {
	bus   *Bus
	self  uint64
	group []uint64

	mu      sync.RWMutex
	started bool
	stopped bool
	inC     chan Inbound
}

// Start implements Transport.
func (e *Endpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return errors.New("endpoint already stopped")
	}
	e.started = true
	return nil
}

// Stop implements Transport.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}
	e.stopped = true
	close(e.inC)
	return nil
}

// Send implements Transport.
func (e *Endpoint) Send(dest uint64, data []byte) {
	e.bus.deliver(e.self, dest, data)
}

// Broadcast implements Transport.
func (e *Endpoint) Broadcast(data []byte) {
	for _, id := range e.group {
		if id == e.self {
			continue
		}
		e.bus.deliver(e.self, id, data)
	}
}

// Receive implements Transport.
func (e *Endpoint) Receive() <-chan Inbound {
	return e.inC
}
