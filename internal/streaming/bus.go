package streaming

import (
	"sync"
	"time"
)

// Bus is the single progress bus referenced by spec §4.6: every Emit
// fans the event out to each attached Sink. Mirrors the teacher's
// EventDispatcher non-blocking-send-plus-sentinel-close shape, lifted
// from a single callback to an arbitrary set of sinks.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Attach registers a sink to receive every subsequent Emit.
func (b *Bus) Attach(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit stamps the event's timestamp if unset and forwards it to every
// attached sink.
func (b *Bus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sinks {
		s.Put(e)
	}
}

// Close closes every attached sink.
func (b *Bus) Close() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sinks {
		s.Close()
	}
}
