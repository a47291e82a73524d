package scanning

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTimeProvider struct {
	current time.Time
}

func (m *mockTimeProvider) Now() time.Time { return m.current }

func (m *mockTimeProvider) Advance(d time.Duration) { m.current = m.current.Add(d) }

func newTestScan(t *testing.T, tp TimeProvider) *Scan {
	t.Helper()

	scan, err := NewScan("Left--Pad", "1.0.0",
		[]string{"https://files.example.test/left-pad-1.0.0.tar.gz"}, "discovery", tp)
	require.NoError(t, err)
	return scan
}

func TestNewScan(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Now().UTC()}
	scan := newTestScan(t, tp)

	assert.Equal(t, "left-pad", scan.Name(), "Name should be normalized at intake")
	assert.Equal(t, ScanStatusQueued, scan.Status())
	assert.Equal(t, tp.current, scan.QueuedAt())
	assert.Equal(t, "discovery", scan.QueuedBy())

	// Queued scans carry none of the later lifecycle stamps.
	assert.Nil(t, scan.PendingAt())
	assert.Nil(t, scan.FinishedAt())
	assert.Nil(t, scan.Score())
	assert.Nil(t, scan.CommitHash())
}

func TestNewScan_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewScan("", "1.0.0", []string{"https://x"}, "discovery", nil)
	require.Error(t, err)

	_, err = NewScan("left-pad", "", []string{"https://x"}, "discovery", nil)
	require.Error(t, err)

	_, err = NewScan("left-pad", "1.0.0", nil, "discovery", nil)
	require.Error(t, err, "intake requires at least one distribution URL")
}

func TestNormalizePackageName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"left-pad":    "left-pad",
		"Left_Pad":    "left-pad",
		"left..pad":   "left-pad",
		"LEFT-_.pad":  "left-pad",
		"requests":    "requests",
		"Pillow":      "pillow",
		"zope.interf": "zope-interf",
	}

	for input, want := range cases {
		assert.Equal(t, want, NormalizePackageName(input), "input %q", input)
	}
}

func TestScanLifecycle_HappyPath(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Now().UTC()}
	scan := newTestScan(t, tp)

	require.NoError(t, scan.MarkPending("worker-1", "abc123"))
	assert.Equal(t, ScanStatusPending, scan.Status())
	require.NotNil(t, scan.PendingAt())
	require.NotNil(t, scan.CommitHash())
	assert.Equal(t, "abc123", *scan.CommitHash())
	assert.Nil(t, scan.FinishedAt())

	files := json.RawMessage(`[{"path":"setup.py","matches":[]}]`)
	require.NoError(t, scan.MarkFinished("worker-1", 10, "https://inspector.test/left-pad", []string{"r1"}, files))
	assert.Equal(t, ScanStatusFinished, scan.Status())
	require.NotNil(t, scan.FinishedAt())
	require.NotNil(t, scan.Score())
	assert.Equal(t, 10, *scan.Score())
	assert.Nil(t, scan.FailReason())
	assert.Equal(t, []string{"r1"}, scan.RuleNames())
}

func TestScanLifecycle_Fail(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Now().UTC()}
	scan := newTestScan(t, tp)

	require.NoError(t, scan.MarkPending("worker-1", "abc123"))
	require.NoError(t, scan.MarkFailed("worker-1", "download timed out"))

	assert.Equal(t, ScanStatusFailed, scan.Status())
	require.NotNil(t, scan.FinishedAt())
	require.NotNil(t, scan.FailReason())
	assert.Equal(t, "download timed out", *scan.FailReason())
}

func TestScan_FinishRequiresLeaseholder(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Now().UTC()}
	scan := newTestScan(t, tp)

	require.NoError(t, scan.MarkPending("worker-1", "abc123"))

	err := scan.MarkFinished("worker-2", 5, "https://inspector.test/x", nil, nil)
	require.ErrorIs(t, err, ErrNotOwned)
	assert.Equal(t, ScanStatusPending, scan.Status(), "a rejected submit must not change state")

	err = scan.MarkFailed("worker-2", "nope")
	require.ErrorIs(t, err, ErrNotOwned)
}

func TestScan_TerminalStatesReject(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Now().UTC()}
	scan := newTestScan(t, tp)

	require.NoError(t, scan.MarkPending("worker-1", "abc123"))
	require.NoError(t, scan.MarkFinished("worker-1", 0, "https://inspector.test/x", nil, nil))

	require.ErrorIs(t, scan.MarkPending("worker-2", "def456"), ErrWrongState)
	require.ErrorIs(t, scan.MarkFinished("worker-1", 1, "https://inspector.test/x", nil, nil), ErrWrongState)
	require.ErrorIs(t, scan.MarkFailed("worker-1", "late"), ErrWrongState)
}

func TestScan_SubmitFromQueuedRejected(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Now().UTC()}
	scan := newTestScan(t, tp)

	err := scan.MarkFinished("worker-1", 1, "https://inspector.test/x", nil, nil)
	require.ErrorIs(t, err, ErrWrongState)
}

func TestScan_LeaseExpiry(t *testing.T) {
	t.Parallel()

	const timeout = 120 * time.Second

	tp := &mockTimeProvider{current: time.Now().UTC()}
	scan := newTestScan(t, tp)

	assert.False(t, scan.LeaseExpired(tp.Now(), timeout), "queued scans hold no lease")

	require.NoError(t, scan.MarkPending("worker-1", "abc123"))
	assert.False(t, scan.LeaseExpired(tp.Now(), timeout))

	tp.Advance(timeout + time.Second)
	assert.True(t, scan.LeaseExpired(tp.Now(), timeout))

	// Reclaim hands the lease to a new worker and restarts the clock.
	require.NoError(t, scan.MarkPending("worker-2", "def456"))
	assert.False(t, scan.LeaseExpired(tp.Now(), timeout))
	require.NotNil(t, scan.PendingBy())
	assert.Equal(t, "worker-2", *scan.PendingBy())
	assert.Equal(t, "def456", *scan.CommitHash(), "reclaim re-stamps the dispatch-time ruleset")
}

func TestScan_MarkReported(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Now().UTC()}
	scan := newTestScan(t, tp)

	require.ErrorIs(t, scan.MarkReported("admin"), ErrWrongState, "only FINISHED scans can be reported")

	require.NoError(t, scan.MarkPending("worker-1", "abc123"))
	require.NoError(t, scan.MarkFinished("worker-1", 10, "https://inspector.test/x", nil, nil))

	require.NoError(t, scan.MarkReported("admin"))
	require.NotNil(t, scan.ReportedAt())
	require.NotNil(t, scan.ReportedBy())
	assert.Equal(t, "admin", *scan.ReportedBy())

	require.ErrorIs(t, scan.MarkReported("admin"), ErrAlreadyReported)
}
