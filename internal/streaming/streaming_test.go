package streaming

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySinkOrderedAppend(t *testing.T) {
	sink := NewMemorySink()

	sink.Put(Event{RootTaskID: "r1", TaskID: "r1", Kind: KindTaskStart})
	sink.Put(Event{RootTaskID: "r1", TaskID: "c1", Kind: KindTaskCompleted})
	sink.Put(Event{RootTaskID: "r2", TaskID: "r2", Kind: KindTaskStart})
	sink.Close()

	events := sink.Events("r1")
	require.Len(t, events, 2)
	assert.Equal(t, KindTaskStart, events[0].Kind)
	assert.Equal(t, KindTaskCompleted, events[1].Kind)

	assert.Len(t, sink.Events("r2"), 1)
	assert.Empty(t, sink.Events("unknown"))
}

func TestBusFansOutToAllSinks(t *testing.T) {
	bus := NewBus()
	a := NewMemorySink()
	b := NewMemorySink()
	bus.Attach(a)
	bus.Attach(b)

	bus.Emit(Event{RootTaskID: "r1", TaskID: "r1", Kind: KindTaskStart})
	bus.Close()

	assert.Len(t, a.Events("r1"), 1)
	assert.Len(t, b.Events("r1"), 1)
}

func TestWebhookSinkRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var p payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "taskengine", p.Protocol)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink("taskengine", WebhookConfig{URL: srv.URL, MaxRetries: 3}, nil)
	// The sink's built-in backoff starts at 1s and is not shortened here;
	// two attempts still finish well under a normal test timeout since
	// the first backoff is the only one hit.
	sink.Put(Event{RootTaskID: "r1", TaskID: "t1", Kind: KindTaskCompleted, Final: true})
	sink.Close()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestWebhookSinkDoesNotRetryOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := NewWebhookSink("taskengine", WebhookConfig{URL: srv.URL, MaxRetries: 3}, nil)
	sink.Put(Event{RootTaskID: "r1", TaskID: "t1", Kind: KindTaskFailed})
	sink.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// TestWebhookSinkReportsRetryObserver confirms WithRetryObserver is
// actually invoked once per retry attempt, independent of whether the
// delivery ultimately succeeds.
func TestWebhookSinkReportsRetryObserver(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var retried int32
	sink := NewWebhookSink("taskengine", WebhookConfig{URL: srv.URL, MaxRetries: 3}, nil).
		WithRetryObserver(func(url string) {
			atomic.AddInt32(&retried, 1)
			assert.Equal(t, srv.URL, url)
		})
	sink.Put(Event{RootTaskID: "r1", TaskID: "t1", Kind: KindTaskCompleted, Final: true})
	sink.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&retried))
}

func TestEmitStampsTimestampWhenZero(t *testing.T) {
	bus := NewBus()
	sink := NewMemorySink()
	bus.Attach(sink)

	bus.Emit(Event{RootTaskID: "r1", TaskID: "r1", Kind: KindProgress})
	sink.Close()

	events := sink.Events("r1")
	require.Len(t, events, 1)
	assert.WithinDuration(t, time.Now(), events[0].Timestamp, 5*time.Second)
}
