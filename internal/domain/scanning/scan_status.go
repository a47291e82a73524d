package scanning

import (
	"fmt"
)

// ScanStatus represents the current state of a package scan. It tracks the
// lifecycle from intake through dispatch to a terminal outcome.
type ScanStatus string

const (
	// ScanStatusQueued indicates a scan has been accepted but not yet handed
	// to a worker.
	ScanStatusQueued ScanStatus = "QUEUED"

	// ScanStatusPending indicates a worker holds the lease on this scan.
	ScanStatusPending ScanStatus = "PENDING"

	// ScanStatusFinished indicates a worker submitted results successfully.
	ScanStatusFinished ScanStatus = "FINISHED"

	// ScanStatusFailed indicates a worker reported it could not scan the
	// package.
	ScanStatusFailed ScanStatus = "FAILED"
)

func (s ScanStatus) String() string { return string(s) }

// ParseScanStatus converts a string to a ScanStatus.
func ParseScanStatus(s string) ScanStatus {
	switch s {
	case "QUEUED":
		return ScanStatusQueued
	case "PENDING":
		return ScanStatusPending
	case "FINISHED":
		return ScanStatusFinished
	case "FAILED":
		return ScanStatusFailed
	default:
		return "" // represents unspecified
	}
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not.
func (s ScanStatus) ValidateTransition(target ScanStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid scan status transition from %s to %s: %w", s, target, ErrWrongState)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target
// status. It enforces the scan lifecycle rules to prevent invalid state
// changes.
func (s ScanStatus) isValidTransition(target ScanStatus) bool {
	switch s {
	case ScanStatusQueued:
		// From Queued, a scan can only be dispatched.
		return target == ScanStatusPending
	case ScanStatusPending:
		// From Pending, a worker reports an outcome, or the lease expires
		// and the scan is reclaimed back into the queue.
		return target == ScanStatusFinished || target == ScanStatusFailed || target == ScanStatusQueued
	case ScanStatusFinished, ScanStatusFailed:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}

// InFlight reports whether the status participates in dispatch. The store
// keeps a partial index over exactly these states.
func (s ScanStatus) InFlight() bool {
	return s == ScanStatusQueued || s == ScanStatusPending
}
