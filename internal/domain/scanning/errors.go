package scanning

import "errors"

// Sentinel errors surfaced by the scan lifecycle. The storage layer maps
// database constraint violations onto these so callers never see driver
// errors.
var (
	// ErrScanNotFound indicates no scan exists for the given identity.
	ErrScanNotFound = errors.New("scan not found")

	// ErrDuplicateScan indicates a (name, version) pair was already queued.
	ErrDuplicateScan = errors.New("scan already exists for package version")

	// ErrWrongState indicates the operation is not allowed in the scan's
	// current status.
	ErrWrongState = errors.New("operation not allowed in current scan state")

	// ErrNotOwned indicates a submit or fail by a worker whose lease was
	// reclaimed; the outcome belongs to the current leaseholder.
	ErrNotOwned = errors.New("scan is leased by another worker")

	// ErrAlreadyReported indicates the scan was already forwarded to the
	// reporter service.
	ErrAlreadyReported = errors.New("scan already reported")

	// ErrUnknownRule indicates a submit referenced a rule name that is not in
	// the current ruleset; the worker is out of sync and the scan stays
	// PENDING.
	ErrUnknownRule = errors.New("unknown rule name")
)
