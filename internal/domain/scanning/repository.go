package scanning

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SubmitResults carries everything a worker reports on a successful scan.
type SubmitResults struct {
	Actor        string
	Score        int
	InspectorURL string
	RuleNames    []string
	Files        json.RawMessage
}

// ListFilter narrows a scan listing. Nil fields are ignored.
type ListFilter struct {
	Status  *ScanStatus
	Name    *string
	Version *string
	// Since and Until bound finished_at: Since is inclusive, Until exclusive.
	Since *time.Time
	Until *time.Time

	// Cursor is an opaque keyset cursor returned by a previous page.
	Cursor string
	Limit  int
}

// Stats summarizes recent activity over a trailing window.
type Stats struct {
	Ingested        int
	Failed          int
	AvgScanDuration time.Duration
}

// ScanRepository defines the persistence contract for scan lifecycle state.
// Every method runs its mutations in a single database transaction.
type ScanRepository interface {
	// Create persists a new QUEUED scan with its download URLs. Returns
	// ErrDuplicateScan when the (name, version) pair already exists.
	Create(ctx context.Context, scan *Scan) error

	// ClaimNext atomically leases one scan to actor: it selects the oldest
	// QUEUED scan, or failing that the oldest PENDING scan whose pending_at
	// is before cutoff (lease reclaim), skipping rows locked by concurrent
	// claimers. The winner is stamped PENDING/pending_at=now/pending_by/
	// commit_hash and returned with its download URLs. Returns (nil, nil)
	// when no candidate exists.
	ClaimNext(ctx context.Context, actor string, now, cutoff time.Time, commitHash string) (*Scan, error)

	// Submit applies PENDING -> FINISHED for the scan identified by
	// (name, version), provided actor still holds the lease, and returns the
	// finished scan. Rule names are resolved against the rules table in the
	// same transaction; an unknown name aborts with ErrUnknownRule and the
	// scan stays PENDING.
	Submit(ctx context.Context, name, version string, now time.Time, results SubmitResults) (*Scan, error)

	// Fail applies PENDING -> FAILED under the same ownership rules.
	Fail(ctx context.Context, name, version, actor, reason string, now time.Time) error

	// MarkReported sets reported_at/reported_by if and only if the scan is
	// FINISHED and reported_at is NULL. Returns ErrAlreadyReported when the
	// compare-and-set loses, ErrWrongState when the scan is not FINISHED.
	MarkReported(ctx context.Context, id uuid.UUID, actor string, now time.Time) error

	// ClearReported undoes MarkReported after a reporter delivery failure so
	// the scan becomes reportable again.
	ClearReported(ctx context.Context, id uuid.UUID) error

	// List returns scans matching filter along with the cursor for the next
	// page ("" when exhausted). Finished listings order by finished_at DESC;
	// queue introspection (filter.Status QUEUED/PENDING) orders by
	// queued_at ASC.
	List(ctx context.Context, filter ListFilter) ([]*Scan, string, error)

	// GetByName returns every version of a package, rules loaded, for report
	// validation.
	GetByName(ctx context.Context, name string) ([]*Scan, error)

	// Stats aggregates intake/failure counts and the mean pending->finished
	// duration for scans queued after since.
	Stats(ctx context.Context, since time.Time) (Stats, error)
}
