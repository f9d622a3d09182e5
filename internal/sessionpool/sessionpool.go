// Package sessionpool bounds the number of concurrent database sessions
// a task tree execution may hold open (spec component C3), generalizing
// the teacher's OS-process pool (ai/agents/runner.CCSessionManager) to a
// store.Driver-scoped session: same idle-sweep-before-create discipline,
// same scoped-acquisition-guarantees-release contract, same shape of
// configuration knobs (max_sessions, session_timeout).
package sessionpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/aipartnerupflow/taskengine/internal/task"
)

// DefaultMaxSessions and DefaultSessionTimeout mirror spec §4.3 and the
// MAX_SESSIONS / SESSION_TIMEOUT environment knobs of §6.4.
const (
	DefaultMaxSessions    = 50
	DefaultSessionTimeout = 1800 * time.Second
)

// Session is a leased handle into the pool. Close releases it back to
// the pool; calling Close more than once is a no-op.
type Session struct {
	ID        string
	CreatedAt time.Time

	pool   *Pool
	closed bool
	mu     sync.Mutex
}

// Close releases the session back to the pool. Safe to call multiple
// times and safe to defer unconditionally.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.pool.release(s.ID)
}

// Observer receives pool occupancy events. Declared here rather than
// accepting a concrete metrics type so internal/sessionpool never needs
// to import internal/metrics (same decoupling as streaming.WebhookSink's
// onRetry callback).
type Observer interface {
	// SetActive reports the current number of leased sessions.
	SetActive(n int)
	// Waited records an Acquire call that found the pool full.
	Waited()
}

// Pool bounds concurrently active sessions and evicts stale ones.
// Mirrors CCSessionManager's map-of-active-entries-plus-sweep-loop shape.
type Pool struct {
	mu      sync.Mutex
	active  map[string]time.Time
	max     int
	timeout time.Duration
	counter int

	observer Observer

	done chan struct{}
	once sync.Once
}

// WithObserver attaches an occupancy observer, returning the pool for
// chaining at construction time.
func (p *Pool) WithObserver(o Observer) *Pool {
	p.observer = o
	return p
}

// New constructs a Pool. A maxSessions or timeout of zero falls back to
// the spec defaults.
func New(maxSessions int, timeout time.Duration) *Pool {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	p := &Pool{
		active:  make(map[string]time.Time),
		max:     maxSessions,
		timeout: timeout,
		done:    make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Acquire creates a fresh session if active < max, else fails with
// task.ErrSessionLimitExceeded. Before counting active sessions the pool
// sweeps entries older than session_timeout (spec §4.3).
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepLocked()

	if len(p.active) >= p.max {
		if p.observer != nil {
			p.observer.Waited()
		}
		return nil, errors.Wrapf(task.ErrSessionLimitExceeded, "active=%d max=%d", len(p.active), p.max)
	}

	p.counter++
	id := sessionID(p.counter)
	now := time.Now()
	p.active[id] = now
	if p.observer != nil {
		p.observer.SetActive(len(p.active))
	}

	return &Session{ID: id, CreatedAt: now, pool: p}, nil
}

// WithSession acquires a session, runs fn, and releases the session on
// every exit path — normal return, error, or panic — implementing the
// scoped-acquisition wrapper spec §4.3 and §9 call for.
func (p *Pool) WithSession(ctx context.Context, fn func(*Session) error) error {
	sess, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	return fn(sess)
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, id)
	if p.observer != nil {
		p.observer.SetActive(len(p.active))
	}
}

// sweepLocked force-closes entries older than session_timeout. Caller
// must hold p.mu.
func (p *Pool) sweepLocked() {
	if p.timeout <= 0 {
		return
	}
	now := time.Now()
	for id, createdAt := range p.active {
		if now.Sub(createdAt) > p.timeout {
			delete(p.active, id)
		}
	}
}

// sweepLoop periodically sweeps stale sessions in the background so a
// long idle period doesn't wait for the next Acquire to reclaim slots.
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			p.sweepLocked()
			p.mu.Unlock()
		case <-p.done:
			return
		}
	}
}

// Active reports the number of currently leased sessions.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Shutdown stops the background sweep loop. Safe to call multiple times.
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		close(p.done)
	})
}

func sessionID(n int) string {
	return fmt.Sprintf("sess-%d", n)
}
