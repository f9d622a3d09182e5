// Package aggregate implements the built-in dependency-result aggregator
// (spec §9's example executor), grounded on the Python original's
// aggregate_results_executor.AggregateResultsExecutor: every key the
// Task Manager merged into inputs is a dependency result, and the
// executor folds all of them into one structured result with no
// filtering beyond the pre-hook bookkeeping markers.
//
// This is pure bookkeeping over already-resolved maps with no I/O, so
// it is built on the standard library only; there is no third-party
// aggregation/merge library in the retrieval pack that would add
// anything here.
package aggregate

import (
	"context"
	"time"

	"github.com/aipartnerupflow/taskengine/internal/registry"
)

// ID is the executor_id this package registers under.
const ID = "aggregate_results_executor"

// preHookMarkers are the bookkeeping keys a pre-hook may have stamped
// onto inputs; they are never dependency results and must be excluded.
var preHookMarkers = map[string]bool{
	"_pre_hook_executed":  true,
	"_pre_hook_timestamp": true,
}

// Executor aggregates every resolved dependency result in its inputs
// into a single summary result.
type Executor struct{}

// New returns a fresh aggregate Executor. Stateless; safe to share a
// single factory across registrations.
func New() registry.Executor { return &Executor{} }

func (e *Executor) ID() string   { return ID }
func (e *Executor) Type() string { return "core" }

func (e *Executor) Execute(_ context.Context, opts registry.ExecutionOptions) (map[string]any, error) {
	results := make(map[string]any, len(opts.Inputs))
	for k, v := range opts.Inputs {
		if preHookMarkers[k] {
			continue
		}
		results[k] = v
	}

	return map[string]any{
		"summary":      "Task Results Aggregation",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"results":      results,
		"result_count": len(results),
	}, nil
}
