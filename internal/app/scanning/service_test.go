package scanning

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	rulesDomain "github.com/vipyrsec/dragonfly-mainframe/internal/domain/rules"
	"github.com/vipyrsec/dragonfly-mainframe/internal/domain/scanning"
	"github.com/vipyrsec/dragonfly-mainframe/internal/infra/pypi"
	"github.com/vipyrsec/dragonfly-mainframe/internal/metrics"
	"github.com/vipyrsec/dragonfly-mainframe/pkg/common/logger"
)

type mockTimeProvider struct {
	current time.Time
}

func (m *mockTimeProvider) Now() time.Time { return m.current }

type fakeSnapshot struct {
	ruleset *rulesDomain.Ruleset
}

func (f *fakeSnapshot) Current() *rulesDomain.Ruleset { return f.ruleset }

type fakeCatalog struct {
	releases map[string]*pypi.Release
}

func (f *fakeCatalog) GetRelease(ctx context.Context, name, version string) (*pypi.Release, error) {
	release, ok := f.releases[name+"@"+version]
	if !ok {
		return nil, fmt.Errorf("%s@%s: %w", name, version, pypi.ErrPackageNotFound)
	}
	return release, nil
}

// fakeRepo is an in-memory stand-in for the Postgres store, just enough for
// the service logic under test.
type fakeRepo struct {
	scanning.ScanRepository

	created []*scanning.Scan

	claimResult *scanning.Scan
	claimActor  string
	claimNow    time.Time
	claimCutoff time.Time
	claimCommit string

	submitResult *scanning.Scan
	submitErr    error

	failErr error

	listPages [][]*scanning.Scan
	listCalls int
}

func (f *fakeRepo) Create(ctx context.Context, scan *scanning.Scan) error {
	for _, existing := range f.created {
		if existing.Name() == scan.Name() && existing.Version() == scan.Version() {
			return scanning.ErrDuplicateScan
		}
	}
	f.created = append(f.created, scan)
	return nil
}

func (f *fakeRepo) ClaimNext(ctx context.Context, actor string, now, cutoff time.Time, commitHash string) (*scanning.Scan, error) {
	f.claimActor = actor
	f.claimNow = now
	f.claimCutoff = cutoff
	f.claimCommit = commitHash
	return f.claimResult, nil
}

func (f *fakeRepo) Submit(ctx context.Context, name, version string, now time.Time, results scanning.SubmitResults) (*scanning.Scan, error) {
	return f.submitResult, f.submitErr
}

func (f *fakeRepo) Fail(ctx context.Context, name, version, actor, reason string, now time.Time) error {
	return f.failErr
}

func (f *fakeRepo) List(ctx context.Context, filter scanning.ListFilter) ([]*scanning.Scan, string, error) {
	if f.listCalls >= len(f.listPages) {
		return nil, "", nil
	}
	page := f.listPages[f.listCalls]
	f.listCalls++

	cursor := ""
	if f.listCalls < len(f.listPages) {
		cursor = fmt.Sprintf("page-%d", f.listCalls)
	}
	return page, cursor, nil
}

func testService(repo *fakeRepo, snapshot *fakeSnapshot, catalog *fakeCatalog, tp scanning.TimeProvider) *Service {
	log := logger.New(io.Discard, logger.LevelError, "TEST", nil)

	return NewService(Config{
		Log:            log,
		Tracer:         noop.NewTracerProvider().Tracer("test"),
		Repo:           repo,
		Rulesets:       snapshot,
		Catalog:        catalog,
		Metrics:        metrics.New(),
		JobTimeout:     120 * time.Second,
		ScoreThreshold: 5,
		TimeProvider:   tp,
	})
}

func finishedScan(t *testing.T, name string, score int, tp scanning.TimeProvider) *scanning.Scan {
	t.Helper()

	scan, err := scanning.NewScan(name, "1.0.0", []string{"https://files.example.test/x.tar.gz"}, "discovery", tp)
	require.NoError(t, err)
	require.NoError(t, scan.MarkPending("worker-1", "abc123"))
	require.NoError(t, scan.MarkFinished("worker-1", score, "https://inspector.test/"+name, nil, nil))
	return scan
}

func TestService_Enqueue_ResolvesDistributions(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Now().UTC()}
	repo := &fakeRepo{}
	catalog := &fakeCatalog{releases: map[string]*pypi.Release{
		"Left-Pad@1.0.0": {
			Name:          "Left-Pad",
			Version:       "1.0.0",
			Distributions: []string{"https://files.example.test/left-pad-1.0.0.tar.gz"},
		},
	}}

	svc := testService(repo, &fakeSnapshot{ruleset: &rulesDomain.Ruleset{Rules: map[string]string{}}}, catalog, tp)

	id, err := svc.Enqueue(context.Background(), "discovery", "Left-Pad", "1.0.0", nil)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	require.Len(t, repo.created, 1)
	assert.Equal(t, "left-pad", repo.created[0].Name())
	assert.Equal(t, []string{"https://files.example.test/left-pad-1.0.0.tar.gz"}, repo.created[0].DownloadURLs())
}

func TestService_Enqueue_UnknownPackage(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Now().UTC()}
	svc := testService(&fakeRepo{}, &fakeSnapshot{ruleset: &rulesDomain.Ruleset{}}, &fakeCatalog{}, tp)

	_, err := svc.Enqueue(context.Background(), "discovery", "ghost", "0.0.1", nil)
	require.ErrorIs(t, err, pypi.ErrPackageNotFound)
}

func TestService_Enqueue_Duplicate(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Now().UTC()}
	repo := &fakeRepo{}
	svc := testService(repo, &fakeSnapshot{ruleset: &rulesDomain.Ruleset{}}, &fakeCatalog{}, tp)

	urls := []string{"https://files.example.test/x.tar.gz"}

	_, err := svc.Enqueue(context.Background(), "discovery", "left-pad", "1.0.0", urls)
	require.NoError(t, err)

	_, err = svc.Enqueue(context.Background(), "discovery", "left-pad", "1.0.0", urls)
	require.ErrorIs(t, err, scanning.ErrDuplicateScan)
}

func TestService_RequestJob(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	tp := &mockTimeProvider{current: now}

	scan, err := scanning.NewScan("left-pad", "1.0.0",
		[]string{"https://files.example.test/left-pad-1.0.0.tar.gz"}, "discovery", tp)
	require.NoError(t, err)

	repo := &fakeRepo{claimResult: scan}
	snapshot := &fakeSnapshot{ruleset: &rulesDomain.Ruleset{
		CommitHash: "abc123",
		Rules:      map[string]string{"r2": "rule r2 {}", "r1": "rule r1 {}"},
	}}

	svc := testService(repo, snapshot, &fakeCatalog{}, tp)

	job, err := svc.RequestJob(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, "left-pad", job.Name)
	assert.Equal(t, "abc123", job.CommitHash)
	assert.Equal(t, []string{"r1", "r2"}, job.Rules, "rule names are sorted")

	// The lease window handed to the store is now - JOB_TIMEOUT.
	assert.Equal(t, "worker-1", repo.claimActor)
	assert.Equal(t, now, repo.claimNow)
	assert.Equal(t, now.Add(-120*time.Second), repo.claimCutoff)
	assert.Equal(t, "abc123", repo.claimCommit)
}

func TestService_RequestJob_EmptyQueue(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Now().UTC()}
	svc := testService(&fakeRepo{}, &fakeSnapshot{ruleset: &rulesDomain.Ruleset{}}, &fakeCatalog{}, tp)

	job, err := svc.RequestJob(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, job, "an empty queue is not an error")
}

func TestService_Submit_RejectsNegativeScore(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Now().UTC()}
	svc := testService(&fakeRepo{}, &fakeSnapshot{ruleset: &rulesDomain.Ruleset{}}, &fakeCatalog{}, tp)

	err := svc.Submit(context.Background(), "left-pad", "1.0.0", scanning.SubmitResults{
		Actor: "worker-1", Score: -1, InspectorURL: "https://inspector.test/x",
	})
	require.Error(t, err)
}

func TestService_Submit_PropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Now().UTC()}
	repo := &fakeRepo{submitErr: scanning.ErrNotOwned}
	svc := testService(repo, &fakeSnapshot{ruleset: &rulesDomain.Ruleset{}}, &fakeCatalog{}, tp)

	err := svc.Submit(context.Background(), "left-pad", "1.0.0", scanning.SubmitResults{
		Actor: "worker-1", Score: 1, InspectorURL: "https://inspector.test/x",
	})
	require.ErrorIs(t, err, scanning.ErrNotOwned)
}

func TestService_RecentScans_ThresholdAndPaging(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Now().UTC()}

	benign := finishedScan(t, "benign-pkg", 0, tp)
	borderline := finishedScan(t, "borderline-pkg", 5, tp)
	malicious := finishedScan(t, "malicious-pkg", 9, tp)

	repo := &fakeRepo{listPages: [][]*scanning.Scan{
		{benign, borderline},
		{malicious},
	}}

	svc := testService(repo, &fakeSnapshot{ruleset: &rulesDomain.Ruleset{}}, &fakeCatalog{}, tp)

	recent, err := svc.RecentScans(context.Background(), tp.Now().Add(-time.Hour))
	require.NoError(t, err)

	assert.Len(t, recent.All, 3)
	require.Len(t, recent.Malicious, 2, "scores at or above the threshold count")
	assert.Equal(t, "borderline-pkg", recent.Malicious[0].Name())
	assert.Equal(t, "malicious-pkg", recent.Malicious[1].Name())
	assert.Equal(t, 2, repo.listCalls, "pagination is followed to exhaustion")
}
