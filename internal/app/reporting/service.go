// Package reporting orchestrates forwarding a finished scan to the external
// reporter service with exactly-one-effective-report semantics: the reported
// stamp is compare-and-set before the outbound call and undone if delivery
// fails, so operators can always retry a failed report.
package reporting

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vipyrsec/dragonfly-mainframe/internal/domain/scanning"
	"github.com/vipyrsec/dragonfly-mainframe/internal/infra/reporter"
	"github.com/vipyrsec/dragonfly-mainframe/pkg/common/logger"
)

// Errors surfaced by the report flow beyond the scanning domain's own.
var (
	// ErrReporterFailure indicates the outbound call failed; the scan is
	// eligible to be reported again.
	ErrReporterFailure = errors.New("reporter delivery failed")

	// ErrMissingInspectorURL indicates no inspector URL was supplied and none
	// is stored on the scan.
	ErrMissingInspectorURL = errors.New("inspector_url not given and not found in database")

	// ErrMissingAdditionalInformation indicates the report needs a summary the
	// caller did not provide.
	ErrMissingAdditionalInformation = errors.New("additional_information is required")

	// ErrPackageNotOnIndex indicates the package is gone from the index and
	// cannot be reported there.
	ErrPackageNotOnIndex = errors.New("package not found on index")
)

// Reporter delivers reports to the external reporter service.
type Reporter interface {
	SendObservation(ctx context.Context, name string, report reporter.ObservationReport) error
	SendEmail(ctx context.Context, report reporter.EmailReport) error
}

// IndexChecker confirms a project still exists on the package index.
type IndexChecker interface {
	ProjectExists(ctx context.Context, name string) (bool, error)
}

// Request carries the operator-supplied report metadata.
type Request struct {
	Version               string
	Recipient             *string
	InspectorURL          *string
	AdditionalInformation *string
	UseEmail              bool
}

// Service implements the report entry point.
type Service struct {
	log          *logger.Logger
	tracer       trace.Tracer
	repo         scanning.ScanRepository
	reporter     Reporter
	index        IndexChecker
	timeProvider scanning.TimeProvider
}

// NewService creates the reporting service.
func NewService(
	log *logger.Logger,
	tracer trace.Tracer,
	repo scanning.ScanRepository,
	rep Reporter,
	index IndexChecker,
	tp scanning.TimeProvider,
) *Service {
	if tp == nil {
		tp = scanning.RealTimeProvider()
	}
	return &Service{
		log:          log,
		tracer:       tracer,
		repo:         repo,
		reporter:     rep,
		index:        index,
		timeProvider: tp,
	}
}

// Report forwards the scan identified by (name, req.Version) to the reporter
// service. The reported stamp is taken before the outbound call and rolled
// back if delivery fails.
func (s *Service) Report(ctx context.Context, actor, name string, req Request) error {
	ctx, span := s.tracer.Start(ctx, "reporting.report", trace.WithAttributes(
		attribute.String("package_name", name),
		attribute.String("package_version", req.Version),
		attribute.Bool("use_email", req.UseEmail),
	))
	defer span.End()

	name = scanning.NormalizePackageName(name)

	scan, err := s.validate(ctx, name, req)
	if err != nil {
		return err
	}

	inspectorURL, err := coalesceInspectorURL(req.InspectorURL, scan.InspectorURL())
	if err != nil {
		return err
	}

	if req.AdditionalInformation == nil {
		// The observation API always needs a summary; email reports can fall
		// back to the matched rules unless there are none to show.
		if len(scan.RuleNames()) == 0 || !req.UseEmail {
			return fmt.Errorf("package %s@%s: %w", name, req.Version, ErrMissingAdditionalInformation)
		}
	}

	exists, err := s.index.ProjectExists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking index for %s: %w", name, err)
	}
	if !exists {
		return fmt.Errorf("package %s: %w", name, ErrPackageNotOnIndex)
	}

	// Take the reported stamp first so a concurrent report loses the CAS
	// instead of double-sending.
	now := s.timeProvider.Now()
	if err := s.repo.MarkReported(ctx, scan.ID(), actor, now); err != nil {
		return err
	}

	if err := s.send(ctx, name, req, scan, inspectorURL); err != nil {
		if clearErr := s.repo.ClearReported(ctx, scan.ID()); clearErr != nil {
			s.log.Error(ctx, "failed to roll back reported stamp",
				"name", name, "version", req.Version, "err", clearErr)
		}
		return fmt.Errorf("%w: %s", ErrReporterFailure, err)
	}

	s.log.Info(ctx, "report sent",
		"name", name, "version", req.Version,
		"inspector_url", inspectorURL,
		"rules_matched", scan.RuleNames(),
		"use_email", req.UseEmail,
		"reported_by", actor)

	return nil
}

// validate enforces the report preconditions: the scan exists, it is
// FINISHED, and no version of this package has been reported before.
func (s *Service) validate(ctx context.Context, name string, req Request) (*scanning.Scan, error) {
	scans, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(scans) == 0 {
		return nil, fmt.Errorf("package %s@%s: %w", name, req.Version, scanning.ErrScanNotFound)
	}

	// Only one version of a package may ever be reported.
	for _, scan := range scans {
		if scan.ReportedAt() != nil {
			return nil, fmt.Errorf("version %s of %s was already reported: %w",
				scan.Version(), name, scanning.ErrAlreadyReported)
		}
	}

	var match *scanning.Scan
	for _, scan := range scans {
		if scan.Version() == req.Version {
			match = scan
			break
		}
	}
	if match == nil {
		return nil, fmt.Errorf("package %s@%s: %w", name, req.Version, scanning.ErrScanNotFound)
	}

	if match.Status() != scanning.ScanStatusFinished {
		return nil, fmt.Errorf("package %s@%s is %s: %w",
			name, req.Version, match.Status(), scanning.ErrWrongState)
	}

	return match, nil
}

func (s *Service) send(ctx context.Context, name string, req Request, scan *scanning.Scan, inspectorURL string) error {
	if req.UseEmail {
		return s.reporter.SendEmail(ctx, reporter.EmailReport{
			Name:                  name,
			Version:               req.Version,
			RulesMatched:          scan.RuleNames(),
			Recipient:             req.Recipient,
			InspectorURL:          inspectorURL,
			AdditionalInformation: req.AdditionalInformation,
		})
	}

	return s.reporter.SendObservation(ctx, name, reporter.ObservationReport{
		Kind:         reporter.KindMalware,
		Summary:      *req.AdditionalInformation,
		InspectorURL: inspectorURL,
		Extra:        map[string]any{"yara_rules": scan.RuleNames()},
	})
}

func coalesceInspectorURL(bodyURL, scanURL *string) (string, error) {
	if bodyURL != nil && *bodyURL != "" {
		return *bodyURL, nil
	}
	if scanURL != nil && *scanURL != "" {
		return *scanURL, nil
	}
	return "", ErrMissingInspectorURL
}
