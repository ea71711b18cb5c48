package dimension

import (
	"time"

	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"github.com/canopy-network/commercex/pkg/etlerr"
)

// Action is what the conformer does with one proposed version of a key.
type Action int

const (
	// ActionInsert creates the first version of a new key.
	ActionInsert Action = iota
	// ActionNoop leaves history untouched; the tracked attributes already match.
	ActionNoop
	// ActionSupersede closes the current version and inserts a new one.
	ActionSupersede
	// ActionStale ignores a differing version older than the current one.
	ActionStale
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionNoop:
		return "noop"
	case ActionSupersede:
		return "supersede"
	case ActionStale:
		return "stale"
	}
	return "unknown"
}

// Proposal is one staged observation of a dimension member.
type Proposal struct {
	NaturalKey string
	At         time.Time
	// Attributes holds only the tracked fields present in the source record.
	Attributes map[string]string
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	// Current is the row that is current before the action, nil for new keys.
	Current *dwh.DimensionRow
	// Attributes is the full attribute set of the version to write.
	Attributes map[string]string
}

// Decide is the per-key transition function. history must hold every version of the key.
//
// Fields absent from the proposal inherit the compared version's value, so partial
// feeds never register as changes. A key with history must have exactly one current row.
func Decide(dim string, history []dwh.DimensionRow, p Proposal) (Decision, error) {
	if len(history) == 0 {
		return Decision{Action: ActionInsert, Attributes: copyAttrs(p.Attributes)}, nil
	}

	var current []int
	for i := range history {
		if history[i].IsCurrent {
			current = append(current, i)
		}
	}
	if len(current) != 1 {
		return Decision{}, &etlerr.ConsistencyError{Dimension: dim, NaturalKey: p.NaturalKey, CurrentRows: len(current)}
	}
	cur := history[current[0]]

	if p.At.After(cur.EffectiveDate) {
		merged := merge(cur.Attributes, p.Attributes)
		if equalAttrs(merged, cur.Attributes) {
			return Decision{Action: ActionNoop, Current: &cur}, nil
		}
		return Decision{Action: ActionSupersede, Current: &cur, Attributes: merged}, nil
	}

	// at or before the current version: only a match with the version then in effect is harmless
	for i := range history {
		if history[i].Covers(p.At) {
			if equalAttrs(merge(history[i].Attributes, p.Attributes), history[i].Attributes) {
				return Decision{Action: ActionNoop, Current: &cur}, nil
			}
			break
		}
	}
	return Decision{Action: ActionStale, Current: &cur}, nil
}

func merge(base, overlay map[string]string) map[string]string {
	out := copyAttrs(base)
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func equalAttrs(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func copyAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
