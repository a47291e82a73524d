package rules

import (
	"context"
	"errors"
)

// ErrRulesetStale indicates a refresh against the rules repository failed;
// the previously loaded snapshot remains serving.
var ErrRulesetStale = errors.New("ruleset refresh failed, serving stale snapshot")

// Fetcher pulls the authoritative ruleset from the external rules repository.
type Fetcher interface {
	FetchRuleset(ctx context.Context) (*Ruleset, error)
}

// Repository reconciles the persisted rules table with ruleset snapshots.
type Repository interface {
	// Reconcile inserts rules that are new in names and deletes rules that
	// dropped out of names, keeping deleted names that finished scans still
	// reference as historical entries.
	Reconcile(ctx context.Context, names []string) error

	// ListNames returns every persisted rule name.
	ListNames(ctx context.Context) ([]string, error)
}
