package sessionpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipartnerupflow/taskengine/internal/task"
)

func TestAcquireRespectsMax(t *testing.T) {
	p := New(2, time.Hour)
	defer p.Shutdown()

	s1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, task.ErrSessionLimitExceeded)

	s1.Close()
	s3, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, p.Active())

	s2.Close()
	s3.Close()
	assert.Equal(t, 0, p.Active())
}

func TestAcquireSweepsStaleSessionsBeforeCreate(t *testing.T) {
	p := New(1, 10*time.Millisecond)
	defer p.Shutdown()

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// The one active session is now stale; Acquire should sweep it and
	// succeed instead of reporting SessionLimitExceeded.
	_, err = p.Acquire(context.Background())
	assert.NoError(t, err)
}

func TestWithSessionReleasesOnError(t *testing.T) {
	p := New(1, time.Hour)
	defer p.Shutdown()

	boom := assert.AnError
	err := p.WithSession(context.Background(), func(s *Session) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Active())
}

func TestWithSessionReleasesOnPanic(t *testing.T) {
	p := New(1, time.Hour)
	defer p.Shutdown()

	func() {
		defer func() { _ = recover() }()
		_ = p.WithSession(context.Background(), func(s *Session) error {
			panic("boom")
		})
	}()

	assert.Equal(t, 0, p.Active())
}

type recordingObserver struct {
	mu     sync.Mutex
	active []int
	waited int
}

func (o *recordingObserver) SetActive(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = append(o.active, n)
}

func (o *recordingObserver) Waited() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.waited++
}

// TestObserverReceivesOccupancyEvents confirms WithObserver wires an
// Acquire/release sequence through to SetActive, and a rejected Acquire
// through to Waited, without sessionpool importing a metrics type.
func TestObserverReceivesOccupancyEvents(t *testing.T) {
	obs := &recordingObserver{}
	p := New(1, time.Hour).WithObserver(obs)
	defer p.Shutdown()

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, task.ErrSessionLimitExceeded)

	s.Close()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []int{1, 0}, obs.active)
	assert.Equal(t, 1, obs.waited)
}

func TestCloseIsIdempotent(t *testing.T) {
	p := New(1, time.Hour)
	defer p.Shutdown()

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, p.Active())
}
