package monitor

import (
	"sort"
)

// Rule operators.
const (
	OpEQ = "EQ"
	OpNE = "NE"
	OpGT = "GT"
	OpGE = "GE"
	OpLT = "LT"
	OpLE = "LE"
)

// MatchClass reports whether the bundle satisfies every rule of the class.
// Features missing from the bundle default to zero.
func MatchClass(class *AttackClass, bundle *Bundle) bool {
	features := bundle.Features()
	for name, rule := range class.Rules {
		value, ok := features[name]
		if !ok {
			value = float64(0)
		}
		if !ruleHolds(rule, value) {
			return false
		}
	}
	return true
}

func ruleHolds(rule Rule, value any) bool {
	switch rule.Op {
	case OpEQ:
		return valuesEqual(rule.Value, value)
	case OpNE:
		return !valuesEqual(rule.Value, value)
	}
	threshold, okT := asFloat(rule.Value)
	v, okV := asFloat(value)
	if !okT || !okV {
		return false
	}
	switch rule.Op {
	case OpGT:
		return v > threshold
	case OpGE:
		return v >= threshold
	case OpLT:
		return v < threshold
	case OpLE:
		return v <= threshold
	}
	return false
}

func valuesEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	return okA && okB && sa == sb
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ReportBuckets assembles the EMA audience for a bundle recipient: the
// wildcard bucket, the recipient itself when a registry row asks for its own
// reporting, and a "~"-prefixed exclusion bucket for every other registered
// attacker tracking the rest of the field. The "~" prefix cannot collide with
// a real address: addresses are 42 characters and the prefixed key is longer.
func ReportBuckets(rows []*Attacker, recipient string) []string {
	buckets := []string{"*"}
	seen := map[string]bool{"*": true}
	for _, a := range rows {
		var bucket string
		if a.To == recipient {
			if a.Report != 1 && a.Report != 2 {
				continue
			}
			bucket = recipient
		} else {
			if a.Report != 2 {
				continue
			}
			bucket = "~" + a.To
		}
		if !seen[bucket] {
			seen[bucket] = true
			buckets = append(buckets, bucket)
		}
	}
	return buckets
}

type emaKey struct {
	classID int64
	bucket  string
}

// EMASet holds the per-(class, bucket) bribe-ratio aggregates of one run and
// tracks which rows need persisting.
type EMASet struct {
	alpha float64
	rows  map[emaKey]*EMARow
	dirty map[emaKey]bool
}

// NewEMASet seeds the set with previously persisted rows.
func NewEMASet(alpha float64, existing []*EMARow) *EMASet {
	s := &EMASet{
		alpha: alpha,
		rows:  make(map[emaKey]*EMARow, len(existing)),
		dirty: make(map[emaKey]bool),
	}
	for _, row := range existing {
		s.rows[emaKey{row.ClassID, row.Attacker}] = row
	}
	return s
}

// Apply folds one observed bribe ratio into the bucket's EMA. The first
// sighting initializes the EMA to the ratio itself; later sightings apply the
// recurrence and bump the attack counter.
func (s *EMASet) Apply(classID int64, bucket string, blockNumber uint64, ratio float64) *EMARow {
	key := emaKey{classID, bucket}
	row, ok := s.rows[key]
	if !ok {
		row = &EMARow{
			ClassID:      classID,
			Attacker:     bucket,
			CountAttacks: 1,
			EMA:          ratio,
		}
		s.rows[key] = row
	} else {
		row.EMA = s.alpha*ratio + (1-s.alpha)*row.EMA
		row.CountAttacks++
	}
	row.LastBlockNumber = blockNumber
	row.LastRatio = ratio
	s.dirty[key] = true
	return row
}

// Dirty returns the rows touched since the set was built, in a stable order.
func (s *EMASet) Dirty() []*EMARow {
	keys := make([]emaKey, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].classID != keys[j].classID {
			return keys[i].classID < keys[j].classID
		}
		return keys[i].bucket < keys[j].bucket
	})
	rows := make([]*EMARow, len(keys))
	for i, k := range keys {
		rows[i] = s.rows[k]
	}
	return rows
}
