// Package postgres implements the rules store. The rules table is reconciled
// against ruleset snapshots so submits can resolve matched rule names to ids.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vipyrsec/dragonfly-mainframe/internal/domain/rules"
	"github.com/vipyrsec/dragonfly-mainframe/internal/infra/storage"
)

// Compile-time check that ruleStore implements rules.Repository.
var _ rules.Repository = (*ruleStore)(nil)

// ruleStore provides persistent storage for ruleset entries in PostgreSQL.
type ruleStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewRuleStore creates a rules repository backed by PostgreSQL.
func NewRuleStore(pool *pgxpool.Pool, tracer trace.Tracer) *ruleStore {
	return &ruleStore{pool: pool, tracer: tracer}
}

// Reconcile brings the rules table in line with a ruleset snapshot: names new
// to the snapshot are inserted, names that dropped out are deleted unless a
// finished scan still references them (those stay as historical entries).
func (s *ruleStore) Reconcile(ctx context.Context, names []string) error {
	dbAttrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.Int("rule_count", len(names)),
	}

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.reconcile_rules", dbAttrs, func(ctx context.Context) error {
		// Rule updates should be quick; fail fast if the table is contended.
		const txTimeout = 10 * time.Second
		ctx, cancel := context.WithTimeout(ctx, txTimeout)
		defer cancel()

		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
				INSERT INTO rules (name)
				SELECT unnest($1::text[])
				ON CONFLICT (name) DO NOTHING`,
				names,
			); err != nil {
				return fmt.Errorf("failed to insert rules: %w", err)
			}

			if _, err := tx.Exec(ctx, `
				DELETE FROM rules
				WHERE name != ALL($1::text[])
				  AND NOT EXISTS (
					SELECT 1 FROM package_rules WHERE package_rules.rule_id = rules.id
				  )`,
				names,
			); err != nil {
				return fmt.Errorf("failed to delete removed rules: %w", err)
			}

			return nil
		})
	})
}

// ListNames returns every persisted rule name.
func (s *ruleStore) ListNames(ctx context.Context) ([]string, error) {
	dbAttrs := []attribute.KeyValue{attribute.String("db.system", "postgresql")}

	var names []string

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_rule_names", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `SELECT name FROM rules ORDER BY name`)
		if err != nil {
			return fmt.Errorf("list rules query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("list rules scan error: %w", err)
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return names, nil
}
