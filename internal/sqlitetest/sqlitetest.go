// Package sqlitetest provides an in-memory store.Driver for package
// tests across the engine, avoiding per-package duplication of sqlite
// setup boilerplate.
package sqlitetest

import (
	"testing"

	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/store/sqlite"
)

// NewDriver opens a fresh in-memory sqlite database and registers
// cleanup to close it when the test finishes.
func NewDriver(t *testing.T) store.Driver {
	t.Helper()
	drv, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = drv.Close()
	})
	return drv
}
