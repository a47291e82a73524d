// Package scanning contains the scan lifecycle domain model. A Scan tracks a
// single (package name, version) inspection from intake through dispatch to a
// terminal outcome, and optionally through reporting.
package scanning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimeProvider is an interface that provides a Now method to get the current
// time. It exists so lease arithmetic can be tested deterministically.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider returns the system clock provider.
func RealTimeProvider() TimeProvider { return &realTimeProvider{} }

type realTimeProvider struct{}

func (r *realTimeProvider) Now() time.Time { return time.Now().UTC() }

var normalizeRe = regexp.MustCompile(`[-_.]+`)

// NormalizePackageName canonicalizes a package name per the package index's
// rules: lowercase, with runs of `-`, `_` and `.` collapsed to a single `-`.
func NormalizePackageName(name string) string {
	return normalizeRe.ReplaceAllString(strings.ToLower(name), "-")
}

// Scan is the aggregate tracking one inspection of a (name, version) pair.
// Fields are stamped as the scan moves through its lifecycle; the zero value
// of a stamp is "not set".
type Scan struct {
	id      uuid.UUID
	name    string
	version string
	status  ScanStatus

	score        *int
	inspectorURL *string
	commitHash   *string
	failReason   *string

	queuedAt   time.Time
	pendingAt  *time.Time
	finishedAt *time.Time
	reportedAt *time.Time

	queuedBy   string
	pendingBy  *string
	finishedBy *string
	reportedBy *string

	downloadURLs []string
	ruleNames    []string
	files        json.RawMessage

	timeProvider TimeProvider
}

// NewScan creates a scan in QUEUED with its intake stamps set.
func NewScan(name, version string, downloadURLs []string, queuedBy string, tp TimeProvider) (*Scan, error) {
	if name == "" {
		return nil, fmt.Errorf("scan requires a package name")
	}
	if version == "" {
		return nil, fmt.Errorf("scan requires a package version")
	}
	if len(downloadURLs) == 0 {
		return nil, fmt.Errorf("scan requires at least one download url")
	}
	if tp == nil {
		tp = RealTimeProvider()
	}

	return &Scan{
		id:           uuid.New(),
		name:         NormalizePackageName(name),
		version:      version,
		status:       ScanStatusQueued,
		queuedAt:     tp.Now(),
		queuedBy:     queuedBy,
		downloadURLs: downloadURLs,
		timeProvider: tp,
	}, nil
}

// ReconstructScan rebuilds a scan aggregate from persisted state. It performs
// no validation; the store is trusted to hand back rows that satisfied the
// schema invariants when they were written.
func ReconstructScan(
	id uuid.UUID,
	name, version string,
	status ScanStatus,
	score *int,
	inspectorURL *string,
	commitHash *string,
	failReason *string,
	queuedAt time.Time,
	pendingAt, finishedAt, reportedAt *time.Time,
	queuedBy string,
	pendingBy, finishedBy, reportedBy *string,
	downloadURLs []string,
	ruleNames []string,
	files json.RawMessage,
) *Scan {
	return &Scan{
		id:           id,
		name:         name,
		version:      version,
		status:       status,
		score:        score,
		inspectorURL: inspectorURL,
		commitHash:   commitHash,
		failReason:   failReason,
		queuedAt:     queuedAt,
		pendingAt:    pendingAt,
		finishedAt:   finishedAt,
		reportedAt:   reportedAt,
		queuedBy:     queuedBy,
		pendingBy:    pendingBy,
		finishedBy:   finishedBy,
		reportedBy:   reportedBy,
		downloadURLs: downloadURLs,
		ruleNames:    ruleNames,
		files:        files,
		timeProvider: RealTimeProvider(),
	}
}

// ID returns the scan identifier.
func (s *Scan) ID() uuid.UUID { return s.id }

// Name returns the normalized package name.
func (s *Scan) Name() string { return s.name }

// Version returns the package version.
func (s *Scan) Version() string { return s.version }

// Status returns the current lifecycle status.
func (s *Scan) Status() ScanStatus { return s.status }

// Score returns the worker-reported score, nil until FINISHED.
func (s *Scan) Score() *int { return s.score }

// InspectorURL returns the worker-reported inspector URL, nil until FINISHED.
func (s *Scan) InspectorURL() *string { return s.inspectorURL }

// CommitHash returns the rules-repo commit stamped at dispatch.
func (s *Scan) CommitHash() *string { return s.commitHash }

// FailReason returns the worker's failure reason, nil unless FAILED.
func (s *Scan) FailReason() *string { return s.failReason }

// QueuedAt returns the intake timestamp.
func (s *Scan) QueuedAt() time.Time { return s.queuedAt }

// PendingAt returns the dispatch timestamp. The lease starts here.
func (s *Scan) PendingAt() *time.Time { return s.pendingAt }

// FinishedAt returns the terminal-outcome timestamp.
func (s *Scan) FinishedAt() *time.Time { return s.finishedAt }

// ReportedAt returns the reporting timestamp.
func (s *Scan) ReportedAt() *time.Time { return s.reportedAt }

// QueuedBy returns the actor that queued the scan.
func (s *Scan) QueuedBy() string { return s.queuedBy }

// PendingBy returns the current leaseholder.
func (s *Scan) PendingBy() *string { return s.pendingBy }

// FinishedBy returns the actor that wrote the outcome.
func (s *Scan) FinishedBy() *string { return s.finishedBy }

// ReportedBy returns the actor that reported the scan.
func (s *Scan) ReportedBy() *string { return s.reportedBy }

// DownloadURLs returns the artifact URLs a worker must fetch.
func (s *Scan) DownloadURLs() []string { return s.downloadURLs }

// RuleNames returns the names of the rules that matched, set on submit.
func (s *Scan) RuleNames() []string { return s.ruleNames }

// Files returns the opaque per-file detail blob reported by the worker.
func (s *Scan) Files() json.RawMessage { return s.files }

// LeaseExpired reports whether the scan is PENDING and its lease has been
// held longer than timeout at the given instant.
func (s *Scan) LeaseExpired(now time.Time, timeout time.Duration) bool {
	if s.status != ScanStatusPending || s.pendingAt == nil {
		return false
	}
	return s.pendingAt.Add(timeout).Before(now)
}

// MarkPending transitions QUEUED (or PENDING, on reclaim) to PENDING,
// stamping the lease and the ruleset commit active at dispatch. It does not
// check whether a PENDING scan's lease has expired.
func (s *Scan) MarkPending(actor, commitHash string) error {
	if s.status == ScanStatusPending {
		// Reclaim path: the previous lease is overwritten.
		if err := s.status.ValidateTransition(ScanStatusQueued); err != nil {
			return err
		}
	} else if err := s.status.ValidateTransition(ScanStatusPending); err != nil {
		return err
	}

	now := s.timeProvider.Now()
	s.status = ScanStatusPending
	s.pendingAt = &now
	s.pendingBy = &actor
	s.commitHash = &commitHash
	return nil
}

// MarkFinished transitions PENDING to FINISHED with the worker's results.
func (s *Scan) MarkFinished(actor string, score int, inspectorURL string, ruleNames []string, files json.RawMessage) error {
	if err := s.status.ValidateTransition(ScanStatusFinished); err != nil {
		return err
	}
	if s.pendingBy == nil || *s.pendingBy != actor {
		return fmt.Errorf("scan %s@%s is leased by another worker: %w", s.name, s.version, ErrNotOwned)
	}
	if score < 0 {
		return fmt.Errorf("score must be non-negative, got %d", score)
	}

	now := s.timeProvider.Now()
	s.status = ScanStatusFinished
	s.finishedAt = &now
	s.finishedBy = &actor
	s.score = &score
	s.inspectorURL = &inspectorURL
	s.ruleNames = ruleNames
	s.files = files
	s.failReason = nil
	return nil
}

// MarkFailed transitions PENDING to FAILED with the worker's reason.
func (s *Scan) MarkFailed(actor, reason string) error {
	if err := s.status.ValidateTransition(ScanStatusFailed); err != nil {
		return err
	}
	if s.pendingBy == nil || *s.pendingBy != actor {
		return fmt.Errorf("scan %s@%s is leased by another worker: %w", s.name, s.version, ErrNotOwned)
	}

	now := s.timeProvider.Now()
	s.status = ScanStatusFailed
	s.finishedAt = &now
	s.finishedBy = &actor
	s.failReason = &reason
	return nil
}

// MarkReported stamps the report metadata on a FINISHED scan. Reporting is
// not a status transition; it is a one-shot flag.
func (s *Scan) MarkReported(actor string) error {
	if s.status != ScanStatusFinished {
		return fmt.Errorf("scan %s@%s is not FINISHED: %w", s.name, s.version, ErrWrongState)
	}
	if s.reportedAt != nil {
		return fmt.Errorf("scan %s@%s: %w", s.name, s.version, ErrAlreadyReported)
	}

	now := s.timeProvider.Now()
	s.reportedAt = &now
	s.reportedBy = &actor
	return nil
}
