// Package events carries pool lifecycle events (worker spawn/crash, promote,
// evict, job completion) to an optional subscriber.
package events

import (
	"sync"
	"time"
)

// Event represents a pool lifecycle event.
// Minimal and stable: name, the device and model it concerns, and optional fields.
type Event struct {
	Name     string
	DeviceID string
	ModelID  string
	Time     time.Time
	Fields   map[string]any
}

// Publisher receives events. Implementations should be lightweight and
// non-blocking; Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// Noop drops events. It is the default.
type Noop struct{}

func (Noop) Publish(Event) {}

// OrNoop returns p, or Noop when p is nil.
func OrNoop(p Publisher) Publisher {
	if p == nil {
		return Noop{}
	}
	return p
}

// MemoryPublisher stores events in memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the recorded event names in order.
func (p *MemoryPublisher) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Name
	}
	return out
}

// Has reports whether an event with name was recorded for deviceID ("" matches any).
func (p *MemoryPublisher) Has(name, deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e.Name == name && (deviceID == "" || e.DeviceID == deviceID) {
			return true
		}
	}
	return false
}

// Ring keeps the last N events and fans each one out to a downstream publisher.
// The HTTP layer serves the ring on /events.
type Ring struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
	down Publisher
}

// NewRing returns a Ring holding up to size events.
func NewRing(size int, downstream Publisher) *Ring {
	if size <= 0 {
		size = 256
	}
	return &Ring{buf: make([]Event, size), down: OrNoop(downstream)}
}

func (r *Ring) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
	r.down.Publish(e)
}

// Recent returns buffered events oldest first.
func (r *Ring) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Event(nil), r.buf[:r.next]...)
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
