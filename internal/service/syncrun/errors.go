package syncrun

import "errors"

// Sentinel errors for the sync run tracker.
var (
	ErrNotFound = errors.New("sync run not found")
	// ErrNotActive is returned when a conditional progress write affects
	// zero rows: the run was cancelled (or otherwise finalized) out from
	// under the writer, which must stop scheduling further work.
	ErrNotActive = errors.New("sync run is no longer active")
	// ErrActiveRunExists is returned when creating a run for a source
	// that already has one running or continuing.
	ErrActiveRunExists = errors.New("an active sync run already exists for this source")
)
