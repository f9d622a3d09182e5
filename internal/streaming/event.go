// Package streaming implements the Streaming Fan-out (spec component
// C8): a progress bus plus pluggable sinks. Grounded on the teacher's
// event_dispatcher.go (buffered channel, non-blocking send, sentinel-
// terminated consumer loop) generalized from per-session dispatch to a
// per-root-task-id bus.
package streaming

import "time"

// Kind enumerates the event kinds emitted onto the bus (spec §4.6).
type Kind string

const (
	KindTaskStart     Kind = "task_start"
	KindProgress      Kind = "progress"
	KindTaskCompleted Kind = "task_completed"
	KindTaskFailed    Kind = "task_failed"
	KindTaskCancelled Kind = "task_cancelled"
	KindFinal         Kind = "final"
)

// Event is one progress notification, keyed to a root task for fan-out
// to sinks subscribed by root id (spec §4.6).
type Event struct {
	RootTaskID string         `json:"root_task_id"`
	TaskID     string         `json:"task_id"`
	Kind       Kind           `json:"kind"`
	Progress   float64        `json:"progress"`
	Timestamp  time.Time      `json:"timestamp"`
	Status     string         `json:"status,omitempty"`
	Message    string         `json:"message,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Final      bool           `json:"final,omitempty"`
}

// Sink is the delivery interface shared by every sink implementation
// (spec §4.6: "Two sinks share an interface put(event)/close()").
type Sink interface {
	Put(e Event)
	Close()
}
