package backup

import "errors"

var (
	// ErrArchive is returned when the archive cannot be produced.
	ErrArchive = errors.New("archive failed")

	// ErrFlush is returned when the pre-archive flush fails or times out.
	ErrFlush = errors.New("flush failed")

	// ErrRunInProgress is returned when a run is requested while another is active.
	ErrRunInProgress = errors.New("snapshot run already in progress")

	// ErrPrune marks a failed retention pass. It is logged, never returned.
	ErrPrune = errors.New("prune failed")

	// ErrLocalCleanup marks a local archive that could not be deleted. It is
	// logged, never returned.
	ErrLocalCleanup = errors.New("local cleanup failed")
)
