package reporting

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vipyrsec/dragonfly-mainframe/internal/domain/scanning"
	"github.com/vipyrsec/dragonfly-mainframe/internal/infra/reporter"
	"github.com/vipyrsec/dragonfly-mainframe/pkg/common/logger"
)

type mockTimeProvider struct {
	current time.Time
}

func (m *mockTimeProvider) Now() time.Time { return m.current }

// fakeRepo covers the repository surface the report flow touches.
type fakeRepo struct {
	scanning.ScanRepository

	scans []*scanning.Scan

	markedID   uuid.UUID
	markErr    error
	clearedIDs []uuid.UUID
}

func (f *fakeRepo) GetByName(ctx context.Context, name string) ([]*scanning.Scan, error) {
	var out []*scanning.Scan
	for _, scan := range f.scans {
		if scan.Name() == name {
			out = append(out, scan)
		}
	}
	return out, nil
}

func (f *fakeRepo) MarkReported(ctx context.Context, id uuid.UUID, actor string, now time.Time) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.markedID = id
	return nil
}

func (f *fakeRepo) ClearReported(ctx context.Context, id uuid.UUID) error {
	f.clearedIDs = append(f.clearedIDs, id)
	return nil
}

type fakeReporter struct {
	observations []reporter.ObservationReport
	emails       []reporter.EmailReport
	err          error
}

func (f *fakeReporter) SendObservation(ctx context.Context, name string, report reporter.ObservationReport) error {
	if f.err != nil {
		return f.err
	}
	f.observations = append(f.observations, report)
	return nil
}

func (f *fakeReporter) SendEmail(ctx context.Context, report reporter.EmailReport) error {
	if f.err != nil {
		return f.err
	}
	f.emails = append(f.emails, report)
	return nil
}

type fakeIndex struct {
	exists bool
	err    error
}

func (f *fakeIndex) ProjectExists(ctx context.Context, name string) (bool, error) {
	return f.exists, f.err
}

func testService(repo *fakeRepo, rep *fakeReporter, index *fakeIndex) *Service {
	log := logger.New(io.Discard, logger.LevelError, "TEST", nil)
	tp := &mockTimeProvider{current: time.Now().UTC()}
	return NewService(log, noop.NewTracerProvider().Tracer("test"), repo, rep, index, tp)
}

func buildScan(t *testing.T, name, version string, finish bool, ruleNames []string) *scanning.Scan {
	t.Helper()

	tp := &mockTimeProvider{current: time.Now().UTC()}
	scan, err := scanning.NewScan(name, version,
		[]string{"https://files.example.test/pkg.tar.gz"}, "discovery", tp)
	require.NoError(t, err)

	if finish {
		require.NoError(t, scan.MarkPending("worker-1", "abc123"))
		require.NoError(t, scan.MarkFinished("worker-1", 10, "https://inspector.test/"+name, ruleNames, nil))
	}
	return scan
}

func strPtr(s string) *string { return &s }

func TestService_Report_Observation(t *testing.T) {
	t.Parallel()

	scan := buildScan(t, "left-pad", "1.0.0", true, []string{"r1"})
	repo := &fakeRepo{scans: []*scanning.Scan{scan}}
	rep := &fakeReporter{}
	svc := testService(repo, rep, &fakeIndex{exists: true})

	err := svc.Report(context.Background(), "admin", "left-pad", Request{
		Version:               "1.0.0",
		AdditionalInformation: strPtr("obvious credential stealer"),
	})
	require.NoError(t, err)

	assert.Equal(t, scan.ID(), repo.markedID, "reported stamp is taken")
	assert.Empty(t, repo.clearedIDs, "no rollback on success")

	require.Len(t, rep.observations, 1)
	obs := rep.observations[0]
	assert.Equal(t, reporter.KindMalware, obs.Kind)
	assert.Equal(t, "obvious credential stealer", obs.Summary)
	assert.Equal(t, "https://inspector.test/left-pad", obs.InspectorURL)
	assert.Equal(t, []string{"r1"}, obs.Extra["yara_rules"])
}

func TestService_Report_Email(t *testing.T) {
	t.Parallel()

	scan := buildScan(t, "left-pad", "1.0.0", true, []string{"r1"})
	repo := &fakeRepo{scans: []*scanning.Scan{scan}}
	rep := &fakeReporter{}
	svc := testService(repo, rep, &fakeIndex{exists: true})

	// With matched rules in the database, email reports don't need a summary.
	err := svc.Report(context.Background(), "admin", "left-pad", Request{
		Version:  "1.0.0",
		UseEmail: true,
	})
	require.NoError(t, err)

	require.Len(t, rep.emails, 1)
	assert.Equal(t, []string{"r1"}, rep.emails[0].RulesMatched)
	assert.Empty(t, rep.observations)
}

func TestService_Report_RollsBackOnDeliveryFailure(t *testing.T) {
	t.Parallel()

	scan := buildScan(t, "left-pad", "1.0.0", true, []string{"r1"})
	repo := &fakeRepo{scans: []*scanning.Scan{scan}}
	rep := &fakeReporter{err: errors.New("reporter 502")}
	svc := testService(repo, rep, &fakeIndex{exists: true})

	err := svc.Report(context.Background(), "admin", "left-pad", Request{
		Version:               "1.0.0",
		AdditionalInformation: strPtr("summary"),
	})
	require.ErrorIs(t, err, ErrReporterFailure)

	// The CAS is undone so the operator can retry.
	require.Len(t, repo.clearedIDs, 1)
	assert.Equal(t, scan.ID(), repo.clearedIDs[0])
}

func TestService_Report_AlreadyReported(t *testing.T) {
	t.Parallel()

	reported := buildScan(t, "left-pad", "0.9.0", true, nil)
	require.NoError(t, reported.MarkReported("admin"))
	current := buildScan(t, "left-pad", "1.0.0", true, nil)

	repo := &fakeRepo{scans: []*scanning.Scan{reported, current}}
	svc := testService(repo, &fakeReporter{}, &fakeIndex{exists: true})

	// Only one version of a package may ever be reported.
	err := svc.Report(context.Background(), "admin", "left-pad", Request{
		Version:               "1.0.0",
		AdditionalInformation: strPtr("summary"),
	})
	require.ErrorIs(t, err, scanning.ErrAlreadyReported)
}

func TestService_Report_CASLoss(t *testing.T) {
	t.Parallel()

	scan := buildScan(t, "left-pad", "1.0.0", true, nil)
	repo := &fakeRepo{
		scans:   []*scanning.Scan{scan},
		markErr: scanning.ErrAlreadyReported,
	}
	rep := &fakeReporter{}
	svc := testService(repo, rep, &fakeIndex{exists: true})

	err := svc.Report(context.Background(), "admin", "left-pad", Request{
		Version:               "1.0.0",
		AdditionalInformation: strPtr("summary"),
	})
	require.ErrorIs(t, err, scanning.ErrAlreadyReported)
	assert.Empty(t, rep.observations, "a lost CAS must not reach the reporter")
}

func TestService_Report_Preconditions(t *testing.T) {
	t.Parallel()

	pending := buildScan(t, "still-pending", "1.0.0", false, nil)
	repo := &fakeRepo{scans: []*scanning.Scan{pending}}
	svc := testService(repo, &fakeReporter{}, &fakeIndex{exists: true})

	// Unknown package.
	err := svc.Report(context.Background(), "admin", "ghost", Request{Version: "1.0.0"})
	require.ErrorIs(t, err, scanning.ErrScanNotFound)

	// Unknown version.
	err = svc.Report(context.Background(), "admin", "still-pending", Request{Version: "9.9.9"})
	require.ErrorIs(t, err, scanning.ErrScanNotFound)

	// Not FINISHED.
	err = svc.Report(context.Background(), "admin", "still-pending", Request{Version: "1.0.0"})
	require.ErrorIs(t, err, scanning.ErrWrongState)
}

func TestService_Report_MissingFields(t *testing.T) {
	t.Parallel()

	// A finished scan with no matched rules and no stored data to fall back on.
	tp := &mockTimeProvider{current: time.Now().UTC()}
	scan, err := scanning.NewScan("left-pad", "1.0.0",
		[]string{"https://files.example.test/pkg.tar.gz"}, "discovery", tp)
	require.NoError(t, err)
	require.NoError(t, scan.MarkPending("worker-1", "abc123"))
	require.NoError(t, scan.MarkFinished("worker-1", 0, "", nil, nil))

	repo := &fakeRepo{scans: []*scanning.Scan{scan}}
	svc := testService(repo, &fakeReporter{}, &fakeIndex{exists: true})

	err = svc.Report(context.Background(), "admin", "left-pad", Request{
		Version:               "1.0.0",
		AdditionalInformation: strPtr("summary"),
	})
	require.ErrorIs(t, err, ErrMissingInspectorURL)

	err = svc.Report(context.Background(), "admin", "left-pad", Request{
		Version:      "1.0.0",
		InspectorURL: strPtr("https://inspector.test/left-pad"),
	})
	require.ErrorIs(t, err, ErrMissingAdditionalInformation)
}

func TestService_Report_PackageGoneFromIndex(t *testing.T) {
	t.Parallel()

	scan := buildScan(t, "left-pad", "1.0.0", true, nil)
	repo := &fakeRepo{scans: []*scanning.Scan{scan}}
	svc := testService(repo, &fakeReporter{}, &fakeIndex{exists: false})

	err := svc.Report(context.Background(), "admin", "left-pad", Request{
		Version:               "1.0.0",
		AdditionalInformation: strPtr("summary"),
	})
	require.ErrorIs(t, err, ErrPackageNotOnIndex)
}
