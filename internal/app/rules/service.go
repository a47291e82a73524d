// Package rules holds the coordinator's in-memory ruleset snapshot and keeps
// the persisted rules table reconciled with it.
package rules

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vipyrsec/dragonfly-mainframe/internal/domain/rules"
	"github.com/vipyrsec/dragonfly-mainframe/pkg/common/logger"
)

// Service owns the ruleset snapshot served to dispatch. Reads are lock-free;
// Refresh swaps the whole snapshot atomically after the rules table has been
// reconciled, so a snapshot never references rules the store cannot resolve.
type Service struct {
	log     *logger.Logger
	tracer  trace.Tracer
	fetcher rules.Fetcher
	store   rules.Repository

	snapshot atomic.Pointer[rules.Ruleset]
}

// NewService creates a ruleset service. Call Refresh before serving dispatch
// so the first snapshot is loaded.
func NewService(log *logger.Logger, tracer trace.Tracer, fetcher rules.Fetcher, store rules.Repository) *Service {
	svc := &Service{
		log:     log,
		tracer:  tracer,
		fetcher: fetcher,
		store:   store,
	}
	svc.snapshot.Store(&rules.Ruleset{Rules: map[string]string{}})
	return svc
}

// Current returns the active snapshot. The returned value is immutable.
func (s *Service) Current() *rules.Ruleset {
	return s.snapshot.Load()
}

// Refresh pulls the authoritative ruleset, reconciles the rules table, and
// swaps the snapshot. On any failure the previous snapshot stays serving.
func (s *Service) Refresh(ctx context.Context) (*rules.Ruleset, error) {
	ctx, span := s.tracer.Start(ctx, "rules.refresh")
	defer span.End()

	ruleset, err := s.fetcher.FetchRuleset(ctx)
	if err != nil {
		s.log.Error(ctx, "ruleset refresh failed, keeping previous snapshot",
			"commit", s.Current().CommitHash, "err", err)
		return nil, fmt.Errorf("%w: %s", rules.ErrRulesetStale, err)
	}

	span.SetAttributes(
		attribute.String("commit", ruleset.CommitHash),
		attribute.Int("rule_count", len(ruleset.Rules)),
	)

	if err := s.store.Reconcile(ctx, ruleset.Names()); err != nil {
		s.log.Error(ctx, "rules table reconcile failed, keeping previous snapshot",
			"commit", ruleset.CommitHash, "err", err)
		return nil, fmt.Errorf("reconciling rules table: %w", err)
	}

	s.snapshot.Store(ruleset)

	s.log.Info(ctx, "ruleset refreshed",
		"commit", ruleset.CommitHash, "rule_count", len(ruleset.Rules))

	return ruleset, nil
}
