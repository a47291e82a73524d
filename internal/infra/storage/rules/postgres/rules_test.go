package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipyrsec/dragonfly-mainframe/internal/domain/scanning"
	"github.com/vipyrsec/dragonfly-mainframe/internal/infra/storage"
	scanningStore "github.com/vipyrsec/dragonfly-mainframe/internal/infra/storage/scanning/postgres"
)

type mockTimeProvider struct {
	current time.Time
}

func (m *mockTimeProvider) Now() time.Time { return m.current }

func setupRuleTest(t *testing.T) (context.Context, *pgxpool.Pool, *ruleStore, func()) {
	t.Helper()

	pool, cleanup := storage.SetupTestContainer(t)
	store := NewRuleStore(pool, storage.NoOpTracer())
	ctx := context.Background()

	return ctx, pool, store, cleanup
}

func TestRuleStore_Reconcile_InsertsAndDeletes(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupRuleTest(t)
	defer cleanup()

	require.NoError(t, store.Reconcile(ctx, []string{"r1", "r2"}))

	names, err := store.ListNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, names)

	// r2 drops out of the snapshot, r3 is new.
	require.NoError(t, store.Reconcile(ctx, []string{"r1", "r3"}))

	names, err = store.ListNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r3"}, names)
}

func TestRuleStore_Reconcile_KeepsReferencedRules(t *testing.T) {
	t.Parallel()
	ctx, pool, store, cleanup := setupRuleTest(t)
	defer cleanup()

	require.NoError(t, store.Reconcile(ctx, []string{"r1", "r2"}))

	// Finish a scan that matched r2 so the rule is referenced.
	scans := scanningStore.NewScanStore(pool, storage.NoOpTracer())
	now := time.Now().UTC()

	scan, err := scanning.NewScan("left-pad", "1.0.0",
		[]string{"https://files.example.test/left-pad-1.0.0.tar.gz"}, "discovery",
		&mockTimeProvider{current: now.Add(-time.Minute)})
	require.NoError(t, err)
	require.NoError(t, scans.Create(ctx, scan))

	_, err = scans.ClaimNext(ctx, "worker-1", now, now.Add(-2*time.Minute), "abc123")
	require.NoError(t, err)

	_, err = scans.Submit(ctx, "left-pad", "1.0.0", now, scanning.SubmitResults{
		Actor:        "worker-1",
		Score:        7,
		InspectorURL: "https://inspector.test/left-pad",
		RuleNames:    []string{"r2"},
	})
	require.NoError(t, err)

	// r2 leaves the snapshot but stays as a historical entry; r1 is deleted.
	require.NoError(t, store.Reconcile(ctx, []string{"r3"}))

	names, err := store.ListNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r3"}, names)
}

func TestRuleStore_Reconcile_Idempotent(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupRuleTest(t)
	defer cleanup()

	require.NoError(t, store.Reconcile(ctx, []string{"r1"}))
	require.NoError(t, store.Reconcile(ctx, []string{"r1"}))

	names, err := store.ListNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, names)
}
