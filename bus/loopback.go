package bus

import (
	"context"
	"sync"

	"github.com/guoh27/j1939/j1939"
)

// Loopback is an in-memory CAN bus for tests and simulations. Every
// endpoint opened from the same Loopback can exchange frames with every
// other one, as a real shared CAN segment would.
type Loopback struct {
	mu        sync.RWMutex
	closed    bool
	endpoints map[*loopEndpoint]struct{}
}

// NewLoopback creates a new loopback bus.
func NewLoopback() *Loopback {
	return &Loopback{endpoints: make(map[*loopEndpoint]struct{})}
}

// Open creates a new endpoint attached to the bus.
func (b *Loopback) Open() Bus {
	ep := &loopEndpoint{
		bus:    b,
		ch:     make(chan j1939.Frame, 64),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ep.closed)
		return ep
	}
	b.endpoints[ep] = struct{}{}
	b.mu.Unlock()
	return ep
}

// Close closes the bus and detaches all endpoints.
func (b *Loopback) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.closeNoLock()
	}
	b.endpoints = nil
	b.mu.Unlock()
	return nil
}

type loopEndpoint struct {
	bus    *Loopback
	ch     chan j1939.Frame
	mu     sync.Mutex
	dead   bool
	closed chan struct{}
}

// Send broadcasts frame to every other endpoint on the same bus, matching
// a real CAN segment's shared-medium semantics.
func (e *loopEndpoint) Send(ctx context.Context, frame j1939.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()

	e.bus.mu.RLock()
	if e.bus.closed {
		e.bus.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*loopEndpoint, 0, len(e.bus.endpoints))
	for ep := range e.bus.endpoints {
		if ep != e {
			targets = append(targets, ep)
		}
	}
	e.bus.mu.RUnlock()

	for _, t := range targets {
		select {
		case t.ch <- frame:
		case <-t.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Receive waits for the next frame addressed to this endpoint.
func (e *loopEndpoint) Receive(ctx context.Context) (j1939.Frame, error) {
	select {
	case f, ok := <-e.ch:
		if !ok {
			return j1939.Frame{}, ErrClosed
		}
		return f, nil
	case <-e.closed:
		return j1939.Frame{}, ErrClosed
	case <-ctx.Done():
		return j1939.Frame{}, ctx.Err()
	}
}

// Close detaches the endpoint from its bus and closes its channel.
func (e *loopEndpoint) Close() error {
	e.bus.mu.Lock()
	e.closeNoLock()
	e.bus.mu.Unlock()
	return nil
}

func (e *loopEndpoint) closeNoLock() {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return
	}
	e.dead = true
	close(e.closed)
	if e.bus.endpoints != nil {
		delete(e.bus.endpoints, e)
	}
	e.mu.Unlock()
}
