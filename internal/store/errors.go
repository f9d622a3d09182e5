package store

import "fmt"

// errorf is a small fmt.Errorf wrapper kept local to this package so the
// policy methods above read as plain Go without importing fmt at every
// call site.
func errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
