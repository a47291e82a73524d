// Package postgres implements the scan lifecycle store. All transitions run
// inside single transactions; dispatch relies on FOR UPDATE SKIP LOCKED so
// concurrent claimers never block or collide on the same candidate row.
package postgres

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vipyrsec/dragonfly-mainframe/internal/domain/scanning"
	"github.com/vipyrsec/dragonfly-mainframe/internal/infra/storage"
)

// Ensure scanStore implements scanning.ScanRepository at compile time.
var _ scanning.ScanRepository = (*scanStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const defaultListLimit = 50

const maxListLimit = 100

// scanStore implements scanning.ScanRepository using Postgres. It provides
// persistent storage of scan state and the atomic lease acquisition the
// dispatch protocol depends on.
type scanStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewScanStore creates a ScanRepository backed by PostgreSQL.
func NewScanStore(pool *pgxpool.Pool, tracer trace.Tracer) *scanStore {
	return &scanStore{pool: pool, tracer: tracer}
}

// scanColumns is the select list every scan read shares.
const scanColumns = `scan_id, name, version, status, score, inspector_url, commit_hash, fail_reason,
	queued_at, pending_at, finished_at, reported_at,
	queued_by, pending_by, finished_by, reported_by, files`

// scanRow mirrors the scans table for row scanning.
type scanRow struct {
	ScanID       pgtype.UUID
	Name         string
	Version      string
	Status       string
	Score        pgtype.Int4
	InspectorURL pgtype.Text
	CommitHash   pgtype.Text
	FailReason   pgtype.Text
	QueuedAt     pgtype.Timestamptz
	PendingAt    pgtype.Timestamptz
	FinishedAt   pgtype.Timestamptz
	ReportedAt   pgtype.Timestamptz
	QueuedBy     string
	PendingBy    pgtype.Text
	FinishedBy   pgtype.Text
	ReportedBy   pgtype.Text
	Files        []byte
}

func scanRowFields(r *scanRow) []any {
	return []any{
		&r.ScanID, &r.Name, &r.Version, &r.Status, &r.Score, &r.InspectorURL, &r.CommitHash, &r.FailReason,
		&r.QueuedAt, &r.PendingAt, &r.FinishedAt, &r.ReportedAt,
		&r.QueuedBy, &r.PendingBy, &r.FinishedBy, &r.ReportedBy, &r.Files,
	}
}

func (r *scanRow) toDomain(urls, ruleNames []string) *scanning.Scan {
	return scanning.ReconstructScan(
		uuid.UUID(r.ScanID.Bytes),
		r.Name,
		r.Version,
		scanning.ParseScanStatus(r.Status),
		int4Ptr(r.Score),
		textPtr(r.InspectorURL),
		textPtr(r.CommitHash),
		textPtr(r.FailReason),
		r.QueuedAt.Time,
		timePtr(r.PendingAt),
		timePtr(r.FinishedAt),
		timePtr(r.ReportedAt),
		r.QueuedBy,
		textPtr(r.PendingBy),
		textPtr(r.FinishedBy),
		textPtr(r.ReportedBy),
		urls,
		ruleNames,
		json.RawMessage(r.Files),
	)
}

func int4Ptr(v pgtype.Int4) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int32)
	return &i
}

func textPtr(v pgtype.Text) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v pgtype.Timestamptz) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Create persists a new QUEUED scan with its download URLs in one
// transaction. A (name, version) conflict surfaces as ErrDuplicateScan.
func (s *scanStore) Create(ctx context.Context, scan *scanning.Scan) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", scan.ID().String()),
		attribute.String("package_name", scan.Name()),
		attribute.String("package_version", scan.Version()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_scan", dbAttrs, func(ctx context.Context) error {
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `
				INSERT INTO scans (scan_id, name, version, status, queued_at, queued_by)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				pgtype.UUID{Bytes: scan.ID(), Valid: true},
				scan.Name(),
				scan.Version(),
				scan.Status().String(),
				scan.QueuedAt(),
				scan.QueuedBy(),
			)
			if err != nil {
				return err
			}

			rows := make([][]any, 0, len(scan.DownloadURLs()))
			for _, url := range scan.DownloadURLs() {
				rows = append(rows, []any{pgtype.UUID{Bytes: scan.ID(), Valid: true}, url})
			}

			if _, err := tx.CopyFrom(ctx,
				pgx.Identifier{"download_urls"},
				[]string{"scan_id", "url"},
				pgx.CopyFromRows(rows),
			); err != nil {
				return err
			}

			return nil
		})
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("package %s@%s: %w", scan.Name(), scan.Version(), scanning.ErrDuplicateScan)
			}
			return fmt.Errorf("create scan insert error: %w", err)
		}
		return nil
	})
}

// ClaimNext performs the atomic dispatch step: pick one candidate row under a
// row lock that skips rows locked by peers, stamp the lease, and load the
// download URLs, all in one transaction. QUEUED rows win over expired PENDING
// rows; within each group the oldest goes first, tie-broken by scan_id.
func (s *scanStore) ClaimNext(
	ctx context.Context,
	actor string,
	now, cutoff time.Time,
	commitHash string,
) (*scanning.Scan, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("actor", actor),
		attribute.String("commit_hash", commitHash),
	)

	var claimed *scanning.Scan

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.claim_next_scan", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			var id pgtype.UUID
			err := tx.QueryRow(ctx, `
				SELECT scan_id
				FROM scans
				WHERE status = 'QUEUED'
				   OR (status = 'PENDING' AND pending_at < $1)
				ORDER BY status = 'PENDING',
				         CASE WHEN status = 'QUEUED' THEN queued_at ELSE pending_at END,
				         scan_id
				LIMIT 1
				FOR UPDATE SKIP LOCKED`,
				cutoff,
			).Scan(&id)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil
				}
				return fmt.Errorf("claim candidate query error: %w", err)
			}

			var row scanRow
			err = tx.QueryRow(ctx, `
				UPDATE scans
				SET status = 'PENDING', pending_at = $2, pending_by = $3, commit_hash = $4
				WHERE scan_id = $1
				RETURNING `+scanColumns,
				id, now, actor, commitHash,
			).Scan(scanRowFields(&row)...)
			if err != nil {
				return fmt.Errorf("claim update error: %w", err)
			}

			urls, err := s.downloadURLs(ctx, tx, id)
			if err != nil {
				return err
			}

			claimed = row.toDomain(urls, nil)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

func (s *scanStore) downloadURLs(ctx context.Context, tx pgx.Tx, id pgtype.UUID) ([]string, error) {
	rows, err := tx.Query(ctx, `SELECT url FROM download_urls WHERE scan_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("download urls query error: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("download urls scan error: %w", err)
		}
		urls = append(urls, url)
	}
	return urls, rows.Err()
}

// Submit applies PENDING -> FINISHED for (name, version) provided the caller
// still owns the lease. Rule names resolve against the rules table inside the
// same transaction; any unknown name aborts the whole submit so the scan
// stays PENDING and redispatchable.
func (s *scanStore) Submit(
	ctx context.Context,
	name, version string,
	now time.Time,
	results scanning.SubmitResults,
) (*scanning.Scan, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("package_name", name),
		attribute.String("package_version", version),
		attribute.String("actor", results.Actor),
		attribute.Int("score", results.Score),
		attribute.Int("rule_count", len(results.RuleNames)),
	)

	var finished *scanning.Scan

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.submit_scan", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			id, err := s.lockOwnedPending(ctx, tx, name, version, results.Actor)
			if err != nil {
				return err
			}

			ruleIDs, err := s.resolveRuleIDs(ctx, tx, results.RuleNames)
			if err != nil {
				return err
			}

			var files any
			if len(results.Files) > 0 {
				files = []byte(results.Files)
			}

			var row scanRow
			err = tx.QueryRow(ctx, `
				UPDATE scans
				SET status = 'FINISHED', finished_at = $2, finished_by = $3,
				    score = $4, inspector_url = $5, files = $6
				WHERE scan_id = $1
				RETURNING `+scanColumns,
				id, now, results.Actor, results.Score, results.InspectorURL, files,
			).Scan(scanRowFields(&row)...)
			if err != nil {
				return fmt.Errorf("submit update error: %w", err)
			}

			for _, ruleID := range ruleIDs {
				if _, err := tx.Exec(ctx, `
					INSERT INTO package_rules (scan_id, rule_id) VALUES ($1, $2)
					ON CONFLICT DO NOTHING`,
					id, ruleID,
				); err != nil {
					return fmt.Errorf("rule link insert error: %w", err)
				}
			}

			urls, err := s.downloadURLs(ctx, tx, id)
			if err != nil {
				return err
			}

			finished = row.toDomain(urls, results.RuleNames)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return finished, nil
}

// Fail applies PENDING -> FAILED under the same ownership rules as Submit.
func (s *scanStore) Fail(ctx context.Context, name, version, actor, reason string, now time.Time) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("package_name", name),
		attribute.String("package_version", version),
		attribute.String("actor", actor),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.fail_scan", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			id, err := s.lockOwnedPending(ctx, tx, name, version, actor)
			if err != nil {
				return err
			}

			if _, err := tx.Exec(ctx, `
				UPDATE scans
				SET status = 'FAILED', finished_at = $2, finished_by = $3, fail_reason = $4
				WHERE scan_id = $1`,
				id, now, actor, reason,
			); err != nil {
				return fmt.Errorf("fail update error: %w", err)
			}

			return nil
		})
	})
}

// lockOwnedPending row-locks the scan identified by (name, version) and
// verifies it is PENDING under the given actor's lease.
func (s *scanStore) lockOwnedPending(ctx context.Context, tx pgx.Tx, name, version, actor string) (pgtype.UUID, error) {
	var (
		id        pgtype.UUID
		status    string
		pendingBy pgtype.Text
	)
	err := tx.QueryRow(ctx, `
		SELECT scan_id, status, pending_by FROM scans
		WHERE name = $1 AND version = $2
		FOR UPDATE`,
		name, version,
	).Scan(&id, &status, &pendingBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return id, fmt.Errorf("package %s@%s: %w", name, version, scanning.ErrScanNotFound)
		}
		return id, fmt.Errorf("lock scan query error: %w", err)
	}

	if scanning.ParseScanStatus(status) != scanning.ScanStatusPending {
		return id, fmt.Errorf("package %s@%s is %s: %w", name, version, status, scanning.ErrWrongState)
	}
	if !pendingBy.Valid || pendingBy.String != actor {
		return id, fmt.Errorf("package %s@%s: %w", name, version, scanning.ErrNotOwned)
	}

	return id, nil
}

// resolveRuleIDs maps rule names to rule ids, failing on the first name that
// is not persisted.
func (s *scanStore) resolveRuleIDs(ctx context.Context, tx pgx.Tx, names []string) ([]pgtype.UUID, error) {
	if len(names) == 0 {
		return nil, nil
	}

	rows, err := tx.Query(ctx, `SELECT id, name FROM rules WHERE name = ANY($1)`, names)
	if err != nil {
		return nil, fmt.Errorf("resolve rules query error: %w", err)
	}
	defer rows.Close()

	found := make(map[string]pgtype.UUID, len(names))
	for rows.Next() {
		var (
			id   pgtype.UUID
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("resolve rules scan error: %w", err)
		}
		found[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]pgtype.UUID, 0, len(names))
	for _, name := range names {
		id, ok := found[name]
		if !ok {
			return nil, fmt.Errorf("rule %q: %w", name, scanning.ErrUnknownRule)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MarkReported is the compare-and-set guarding exactly-one-effective-report:
// the stamp only lands when the scan is FINISHED and unreported.
func (s *scanStore) MarkReported(ctx context.Context, id uuid.UUID, actor string, now time.Time) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", id.String()),
		attribute.String("actor", actor),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_reported", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE scans
			SET reported_at = $2, reported_by = $3
			WHERE scan_id = $1 AND status = 'FINISHED' AND reported_at IS NULL`,
			pgtype.UUID{Bytes: id, Valid: true}, now, actor,
		)
		if err != nil {
			return fmt.Errorf("mark reported update error: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		// CAS lost; figure out why for the caller.
		var (
			status     string
			reportedAt pgtype.Timestamptz
		)
		err = s.pool.QueryRow(ctx,
			`SELECT status, reported_at FROM scans WHERE scan_id = $1`,
			pgtype.UUID{Bytes: id, Valid: true},
		).Scan(&status, &reportedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("scan %s: %w", id, scanning.ErrScanNotFound)
			}
			return fmt.Errorf("mark reported lookup error: %w", err)
		}

		if reportedAt.Valid {
			return fmt.Errorf("scan %s: %w", id, scanning.ErrAlreadyReported)
		}
		return fmt.Errorf("scan %s is %s: %w", id, status, scanning.ErrWrongState)
	})
}

// ClearReported rolls back MarkReported after a reporter delivery failure.
func (s *scanStore) ClearReported(ctx context.Context, id uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", id.String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.clear_reported", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE scans SET reported_at = NULL, reported_by = NULL WHERE scan_id = $1`,
			pgtype.UUID{Bytes: id, Valid: true},
		)
		if err != nil {
			return fmt.Errorf("clear reported update error: %w", err)
		}
		return nil
	})
}

// List returns scans matching the filter plus a keyset cursor for the next
// page. Finished listings walk finished_at DESC; queue introspection walks
// queued_at ASC.
func (s *scanStore) List(ctx context.Context, filter scanning.ListFilter) ([]*scanning.Scan, string, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	orderCol, ascending := listOrdering(filter)

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != nil {
		conds = append(conds, "status = "+arg(filter.Status.String()))
	}
	if filter.Name != nil {
		conds = append(conds, "name = "+arg(scanning.NormalizePackageName(*filter.Name)))
	}
	if filter.Version != nil {
		conds = append(conds, "version = "+arg(*filter.Version))
	}
	if filter.Since != nil {
		conds = append(conds, "finished_at >= "+arg(*filter.Since))
	}
	if filter.Until != nil {
		conds = append(conds, "finished_at < "+arg(*filter.Until))
	}

	if filter.Cursor != "" {
		cursorAt, cursorID, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		op := "<"
		if ascending {
			op = ">"
		}
		conds = append(conds, fmt.Sprintf("(%s, scan_id) %s (%s, %s)", orderCol, op, arg(cursorAt), arg(cursorID)))
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	direction := "DESC"
	if ascending {
		direction = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT %s FROM scans
		%s
		ORDER BY %s %s NULLS LAST, scan_id %s
		LIMIT %s`,
		scanColumns, where, orderCol, direction, direction, arg(limit+1),
	)

	dbAttrs := append(defaultDBAttributes, attribute.Int("limit", limit))

	var (
		scans      []*scanning.Scan
		nextCursor string
	)

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_scans", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list scans query error: %w", err)
		}
		defer rows.Close()

		var page []*scanRow
		for rows.Next() {
			var row scanRow
			if err := rows.Scan(scanRowFields(&row)...); err != nil {
				return fmt.Errorf("list scans scan error: %w", err)
			}
			page = append(page, &row)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		more := len(page) > limit
		if more {
			page = page[:limit]
		}

		scans, err = s.hydrate(ctx, page)
		if err != nil {
			return err
		}

		if more {
			last := page[len(page)-1]
			at := last.QueuedAt.Time
			if orderCol == "finished_at" && last.FinishedAt.Valid {
				at = last.FinishedAt.Time
			}
			nextCursor = encodeCursor(at, uuid.UUID(last.ScanID.Bytes))
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	return scans, nextCursor, nil
}

func listOrdering(filter scanning.ListFilter) (orderCol string, ascending bool) {
	if filter.Status != nil && filter.Status.InFlight() {
		return "queued_at", true
	}
	if filter.Status != nil {
		return "finished_at", false
	}
	if filter.Since != nil || filter.Until != nil {
		return "finished_at", false
	}
	return "queued_at", false
}

func encodeCursor(at time.Time, id uuid.UUID) string {
	raw := fmt.Sprintf("%d|%s", at.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor: %w", err)
	}

	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor format")
	}

	var nanos int64
	if _, err := fmt.Sscanf(parts[0], "%d", &nanos); err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor timestamp: %w", err)
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor id: %w", err)
	}

	return time.Unix(0, nanos).UTC(), id, nil
}

// hydrate attaches download URLs and matched rule names to a page of rows.
func (s *scanStore) hydrate(ctx context.Context, page []*scanRow) ([]*scanning.Scan, error) {
	if len(page) == 0 {
		return nil, nil
	}

	ids := make([]pgtype.UUID, len(page))
	for i, row := range page {
		ids[i] = row.ScanID
	}

	urlsByScan := make(map[uuid.UUID][]string)
	rows, err := s.pool.Query(ctx, `SELECT scan_id, url FROM download_urls WHERE scan_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate urls query error: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  pgtype.UUID
			url string
		)
		if err := rows.Scan(&id, &url); err != nil {
			return nil, fmt.Errorf("hydrate urls scan error: %w", err)
		}
		urlsByScan[uuid.UUID(id.Bytes)] = append(urlsByScan[uuid.UUID(id.Bytes)], url)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rulesByScan := make(map[uuid.UUID][]string)
	ruleRows, err := s.pool.Query(ctx, `
		SELECT pr.scan_id, r.name
		FROM package_rules pr
		JOIN rules r ON r.id = pr.rule_id
		WHERE pr.scan_id = ANY($1)
		ORDER BY r.name`, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate rules query error: %w", err)
	}
	defer ruleRows.Close()
	for ruleRows.Next() {
		var (
			id   pgtype.UUID
			name string
		)
		if err := ruleRows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("hydrate rules scan error: %w", err)
		}
		rulesByScan[uuid.UUID(id.Bytes)] = append(rulesByScan[uuid.UUID(id.Bytes)], name)
	}
	if err := ruleRows.Err(); err != nil {
		return nil, err
	}

	scans := make([]*scanning.Scan, len(page))
	for i, row := range page {
		id := uuid.UUID(row.ScanID.Bytes)
		scans[i] = row.toDomain(urlsByScan[id], rulesByScan[id])
	}
	return scans, nil
}

// GetByName returns every version of a package, newest queued first, with
// rules and URLs loaded.
func (s *scanStore) GetByName(ctx context.Context, name string) ([]*scanning.Scan, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("package_name", name))

	var scans []*scanning.Scan

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scans_by_name", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+scanColumns+` FROM scans WHERE name = $1 ORDER BY queued_at DESC, scan_id`,
			scanning.NormalizePackageName(name),
		)
		if err != nil {
			return fmt.Errorf("get by name query error: %w", err)
		}
		defer rows.Close()

		var page []*scanRow
		for rows.Next() {
			var row scanRow
			if err := rows.Scan(scanRowFields(&row)...); err != nil {
				return fmt.Errorf("get by name scan error: %w", err)
			}
			page = append(page, &row)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		scans, err = s.hydrate(ctx, page)
		return err
	})
	if err != nil {
		return nil, err
	}

	return scans, nil
}

// Stats aggregates recent intake volume, failures, and mean scan duration.
func (s *scanStore) Stats(ctx context.Context, since time.Time) (scanning.Stats, error) {
	var stats scanning.Stats

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.scan_stats", defaultDBAttributes, func(ctx context.Context) error {
		var avgSeconds pgtype.Float8
		err := s.pool.QueryRow(ctx, `
			SELECT
				count(*) FILTER (WHERE queued_at > $1),
				count(*) FILTER (WHERE status = 'FAILED' AND queued_at > $1),
				EXTRACT(EPOCH FROM avg(finished_at - pending_at)
					FILTER (WHERE pending_at IS NOT NULL AND finished_at IS NOT NULL AND queued_at > $1))::float8
			FROM scans`,
			since,
		).Scan(&stats.Ingested, &stats.Failed, &avgSeconds)
		if err != nil {
			return fmt.Errorf("stats query error: %w", err)
		}

		if avgSeconds.Valid {
			stats.AvgScanDuration = time.Duration(avgSeconds.Float64 * float64(time.Second))
		}
		return nil
	})
	if err != nil {
		return scanning.Stats{}, err
	}

	return stats, nil
}
