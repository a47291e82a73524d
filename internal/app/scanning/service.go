// Package scanning provides the application services for the scan lifecycle:
// intake, dispatch, submit/fail, and operator reads.
package scanning

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	rulesDomain "github.com/vipyrsec/dragonfly-mainframe/internal/domain/rules"
	"github.com/vipyrsec/dragonfly-mainframe/internal/domain/scanning"
	"github.com/vipyrsec/dragonfly-mainframe/internal/infra/pypi"
	"github.com/vipyrsec/dragonfly-mainframe/internal/metrics"
	"github.com/vipyrsec/dragonfly-mainframe/pkg/common/logger"
)

// DefaultJobTimeout is how long a worker may hold a PENDING scan before a
// dispatcher may hand it to someone else.
const DefaultJobTimeout = 120 * time.Second

// SnapshotProvider exposes the current ruleset snapshot to dispatch. Reads
// must be safe without locking.
type SnapshotProvider interface {
	Current() *rulesDomain.Ruleset
}

// PackageCatalog resolves release metadata from the package index.
type PackageCatalog interface {
	GetRelease(ctx context.Context, name, version string) (*pypi.Release, error)
}

// Job is what a worker receives from dispatch: the package to fetch and the
// ruleset snapshot to evaluate.
type Job struct {
	Name          string
	Version       string
	Distributions []string
	CommitHash    string
	Rules         []string
}

// RecentScans is the finished-since listing with the malicious subset broken
// out.
type RecentScans struct {
	All       []*scanning.Scan
	Malicious []*scanning.Scan
}

// Service coordinates the scan lifecycle over the repository and the ruleset
// snapshot.
type Service struct {
	log      *logger.Logger
	tracer   trace.Tracer
	repo     scanning.ScanRepository
	rulesets SnapshotProvider
	catalog  PackageCatalog
	metrics  *metrics.Metrics

	jobTimeout     time.Duration
	scoreThreshold int
	timeProvider   scanning.TimeProvider
}

// Config holds the Service dependencies.
type Config struct {
	Log      *logger.Logger
	Tracer   trace.Tracer
	Repo     scanning.ScanRepository
	Rulesets SnapshotProvider
	Catalog  PackageCatalog
	Metrics  *metrics.Metrics

	// JobTimeout overrides DefaultJobTimeout when positive.
	JobTimeout time.Duration
	// ScoreThreshold is the score at or above which a finished scan counts
	// as malicious in the recent-scans listing.
	ScoreThreshold int
	// TimeProvider overrides the system clock, for tests.
	TimeProvider scanning.TimeProvider
}

// NewService creates the scan lifecycle service.
func NewService(cfg Config) *Service {
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}
	tp := cfg.TimeProvider
	if tp == nil {
		tp = scanning.RealTimeProvider()
	}

	return &Service{
		log:            cfg.Log,
		tracer:         cfg.Tracer,
		repo:           cfg.Repo,
		rulesets:       cfg.Rulesets,
		catalog:        cfg.Catalog,
		metrics:        cfg.Metrics,
		jobTimeout:     jobTimeout,
		scoreThreshold: cfg.ScoreThreshold,
		timeProvider:   tp,
	}
}

// Enqueue queues a (name, version) pair for scanning. When the caller did not
// supply distribution URLs they are resolved from the package index. Intake
// never modifies an existing scan; duplicates surface ErrDuplicateScan.
func (s *Service) Enqueue(ctx context.Context, actor, name, version string, distributions []string) (uuid.UUID, error) {
	ctx, span := s.tracer.Start(ctx, "scanning.enqueue", trace.WithAttributes(
		attribute.String("package_name", name),
		attribute.String("package_version", version),
	))
	defer span.End()

	if len(distributions) == 0 {
		release, err := s.catalog.GetRelease(ctx, name, version)
		if err != nil {
			return uuid.Nil, fmt.Errorf("resolving release %s@%s: %w", name, version, err)
		}
		distributions = release.Distributions
	}

	scan, err := scanning.NewScan(name, version, distributions, actor, s.timeProvider)
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.repo.Create(ctx, scan); err != nil {
		return uuid.Nil, err
	}

	s.metrics.PackageIngested()

	s.log.Info(ctx, "package queued for scanning",
		"name", scan.Name(), "version", scan.Version(),
		"scan_id", scan.ID(), "queued_by", actor,
		"download_urls", len(scan.DownloadURLs()))

	return scan.ID(), nil
}

// RequestJob leases one scan to the calling worker and hands back the current
// ruleset snapshot. Returns (nil, nil) when there is nothing to do; the
// caller translates that into a 204.
func (s *Service) RequestJob(ctx context.Context, actor string) (*Job, error) {
	ctx, span := s.tracer.Start(ctx, "scanning.request_job", trace.WithAttributes(
		attribute.String("actor", actor),
	))
	defer span.End()

	snapshot := s.rulesets.Current()
	now := s.timeProvider.Now()
	cutoff := now.Add(-s.jobTimeout)

	scan, err := s.repo.ClaimNext(ctx, actor, now, cutoff, snapshot.CommitHash)
	if err != nil {
		return nil, err
	}
	if scan == nil {
		return nil, nil
	}

	s.log.Info(ctx, "scan dispatched",
		"name", scan.Name(), "version", scan.Version(),
		"pending_by", actor, "commit", snapshot.CommitHash)

	return &Job{
		Name:          scan.Name(),
		Version:       scan.Version(),
		Distributions: scan.DownloadURLs(),
		CommitHash:    snapshot.CommitHash,
		Rules:         snapshot.Names(),
	}, nil
}

// Submit applies a worker's successful result. The worker must still hold the
// lease, and every matched rule name must resolve against the current rules
// table; otherwise nothing changes.
func (s *Service) Submit(ctx context.Context, name, version string, results scanning.SubmitResults) error {
	ctx, span := s.tracer.Start(ctx, "scanning.submit", trace.WithAttributes(
		attribute.String("package_name", name),
		attribute.String("package_version", version),
		attribute.String("actor", results.Actor),
	))
	defer span.End()

	if results.Score < 0 {
		return fmt.Errorf("score must be non-negative, got %d", results.Score)
	}

	name = scanning.NormalizePackageName(name)
	now := s.timeProvider.Now()

	scan, err := s.repo.Submit(ctx, name, version, now, results)
	if err != nil {
		return err
	}

	duration := time.Duration(0)
	if scan != nil && scan.PendingAt() != nil {
		duration = now.Sub(*scan.PendingAt())
	}
	s.metrics.PackageSucceeded(duration)

	s.log.Info(ctx, "scan results submitted",
		"name", name, "version", version,
		"score", results.Score, "rules_matched", results.RuleNames,
		"finished_by", results.Actor)

	return nil
}

// Fail records a worker's failure report under the same ownership rules as
// Submit.
func (s *Service) Fail(ctx context.Context, name, version, actor, reason string) error {
	ctx, span := s.tracer.Start(ctx, "scanning.fail", trace.WithAttributes(
		attribute.String("package_name", name),
		attribute.String("package_version", version),
		attribute.String("actor", actor),
	))
	defer span.End()

	name = scanning.NormalizePackageName(name)

	if err := s.repo.Fail(ctx, name, version, actor, reason, s.timeProvider.Now()); err != nil {
		return err
	}

	s.metrics.PackageFailed()

	s.log.Warn(ctx, "scan failed", "name", name, "version", version, "reason", reason)

	return nil
}

// List returns scans matching the filter and the next-page cursor.
func (s *Service) List(ctx context.Context, filter scanning.ListFilter) ([]*scanning.Scan, string, error) {
	ctx, span := s.tracer.Start(ctx, "scanning.list")
	defer span.End()

	return s.repo.List(ctx, filter)
}

// RecentScans returns every scan finished since the given instant and the
// subset whose score reached the malicious threshold.
func (s *Service) RecentScans(ctx context.Context, since time.Time) (RecentScans, error) {
	ctx, span := s.tracer.Start(ctx, "scanning.recent_scans")
	defer span.End()

	status := scanning.ScanStatusFinished
	filter := scanning.ListFilter{Status: &status, Since: &since}

	var out RecentScans
	for {
		scans, cursor, err := s.repo.List(ctx, filter)
		if err != nil {
			return RecentScans{}, err
		}

		for _, scan := range scans {
			out.All = append(out.All, scan)

			if scan.Score() == nil || scan.InspectorURL() == nil {
				continue
			}
			if *scan.Score() >= s.scoreThreshold {
				out.Malicious = append(out.Malicious, scan)
			}
		}

		if cursor == "" {
			return out, nil
		}
		filter.Cursor = cursor
	}
}

// Stats aggregates activity over the trailing 24 hours.
func (s *Service) Stats(ctx context.Context) (scanning.Stats, error) {
	ctx, span := s.tracer.Start(ctx, "scanning.stats")
	defer span.End()

	since := s.timeProvider.Now().Add(-24 * time.Hour)
	return s.repo.Stats(ctx, since)
}
