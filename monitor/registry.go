package monitor

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Registry holds the operator-configured attacker rules: disabled pairs are
// never bundled, and multisender recipients anonymize their callers.
type Registry struct {
	rows         []*Attacker
	status       map[PairKey]int
	multisenders mapset.Set[string]
}

// NewRegistry indexes the attacker rows.
func NewRegistry(rows []*Attacker) *Registry {
	r := &Registry{
		rows:         rows,
		status:       make(map[PairKey]int, len(rows)),
		multisenders: mapset.NewThreadUnsafeSet[string](),
	}
	for _, a := range rows {
		key := PairKey{To: a.To}
		if a.From != nil {
			key.From = *a.From
		}
		r.status[key] = a.Status
		if a.From == nil && a.Status == StatusEnabled {
			r.multisenders.Add(a.To)
		}
	}
	return r
}

// Rows returns the raw registry rows, used to build report buckets.
func (r *Registry) Rows() []*Attacker {
	return r.rows
}

// IsMultisender reports whether the recipient aggregates third-party calls.
func (r *Registry) IsMultisender(to string) bool {
	return r.multisenders.Contains(to)
}

// Anonymize rewrites the sender to the empty string when the recipient is a
// registered multisender.
func (r *Registry) Anonymize(from, to string) string {
	if r.IsMultisender(to) {
		return ""
	}
	return from
}

// Disabled reports whether bundling is suppressed for the pair, either by an
// exact rule or by an anonymized rule on the recipient.
func (r *Registry) Disabled(from, to string) bool {
	if r.status[PairKey{From: from, To: to}] == StatusDisabled {
		return true
	}
	return r.status[PairKey{To: to}] == StatusDisabled
}
