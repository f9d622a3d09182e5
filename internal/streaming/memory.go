package streaming

import "sync"

// MemorySink accumulates events per root task id for SSE fetchers (spec
// §4.6, §6.3): a protected map flushed via an internal queue and a
// single consumer loop, same shape as the teacher's EventDispatcher.
type MemorySink struct {
	mu     sync.RWMutex
	events map[string][]Event

	queue chan Event
	wg    sync.WaitGroup
	once  sync.Once
}

// NewMemorySink starts the consumer loop and returns a ready sink.
func NewMemorySink() *MemorySink {
	m := &MemorySink{
		events: make(map[string][]Event),
		queue:  make(chan Event, 256),
	}
	m.wg.Add(1)
	go m.consumeLoop()
	return m
}

func (m *MemorySink) consumeLoop() {
	defer m.wg.Done()
	for e := range m.queue {
		m.mu.Lock()
		m.events[e.RootTaskID] = append(m.events[e.RootTaskID], e)
		m.mu.Unlock()
	}
}

// Put enqueues e for append; non-blocking, mirroring the dispatcher's
// drop-on-full discipline so a stalled consumer never stalls execution.
func (m *MemorySink) Put(e Event) {
	select {
	case m.queue <- e:
	default:
	}
}

// Close stops accepting new events and waits for the queue to drain.
func (m *MemorySink) Close() {
	m.once.Do(func() {
		close(m.queue)
	})
	m.wg.Wait()
}

// Events returns an ordered snapshot of every event recorded for
// rootTaskID (spec §6.3: "the core only guarantees ordered append and
// terminal final event per task").
func (m *MemorySink) Events(rootTaskID string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events[rootTaskID]))
	copy(out, m.events[rootTaskID])
	return out
}
