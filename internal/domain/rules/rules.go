// Package rules contains the ruleset domain model: the named YARA rules the
// workers evaluate, and the versioned snapshot negotiated between coordinator
// and workers at dispatch time.
package rules

import (
	"sort"

	"github.com/google/uuid"
)

// Rule is a named ruleset entry. Names are globally unique; ids anchor the
// scan<->rule association for finished scans.
type Rule struct {
	ID   uuid.UUID
	Name string
}

// Ruleset is an immutable snapshot of the rules repository at a commit. The
// coordinator serves it to workers and stamps its commit onto every dispatch.
type Ruleset struct {
	CommitHash string
	// Rules maps rule name to rule source.
	Rules map[string]string
}

// Names returns the rule names in the snapshot, sorted for stable responses.
func (rs *Ruleset) Names() []string {
	names := make([]string, 0, len(rs.Rules))
	for name := range rs.Rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Contains reports whether the snapshot carries a rule with the given name.
func (rs *Ruleset) Contains(name string) bool {
	_, ok := rs.Rules[name]
	return ok
}
