package entity

import (
	"reflect"
	"sort"
	"sync"
)

// Change describes the difference between two consecutive snapshots.
type Change struct {
	// Initial is true when there was no previous snapshot. Keys and
	// StateKeys are empty in that case and every unit runs unfiltered.
	Initial bool

	// Keys lists entities present in either snapshot that differ in any way.
	Keys []string

	// StateKeys is the subset of Keys whose state string differs. An entity
	// that appeared or disappeared counts as a state change.
	StateKeys []string
}

// Empty reports whether there is nothing to dispatch.
func (c Change) Empty() bool {
	return !c.Initial && len(c.Keys) == 0
}

// Diff compares two snapshots one level deep: entity by entity, with
// attributes compared structurally. Both key lists come back sorted.
func Diff(previous, current Snapshot) Change {
	if previous == nil {
		return Change{Initial: true, Keys: []string{}, StateKeys: []string{}}
	}

	keys := []string{}
	stateKeys := []string{}

	for _, id := range sortedKeys(previous, current) {
		prev, hadPrev := previous[id]
		cur, hasCur := current[id]

		if hadPrev != hasCur {
			keys = append(keys, id)
			stateKeys = append(stateKeys, id)
			continue
		}
		if entityEqual(prev, cur) {
			continue
		}
		keys = append(keys, id)
		if prev.State != cur.State {
			stateKeys = append(stateKeys, id)
		}
	}

	return Change{Keys: keys, StateKeys: stateKeys}
}

func entityEqual(a, b Entity) bool {
	if a.ID != b.ID || a.State != b.State {
		return false
	}
	// nil and empty attribute maps are the same thing on the wire.
	if len(a.Attributes) == 0 && len(b.Attributes) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Attributes, b.Attributes)
}

// sortedKeys returns the union of both snapshots' IDs, sorted.
func sortedKeys(a, b Snapshot) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for id := range a {
		seen[id] = struct{}{}
	}
	for id := range b {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Tracker holds the registry-level previous/current snapshot pair.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	previous Snapshot
	current  Snapshot
}

// NewTracker creates an empty tracker. The first observed snapshot is
// always reported as an initial change.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Observe diffs the incoming snapshot against the current one.
//
// When the snapshot is unchanged it returns false and the pair is left
// alone, so "previous" keeps pointing at the last dispatched state.
// Otherwise the pair advances and the change is returned with true.
func (t *Tracker) Observe(snap Snapshot) (Change, bool) {
	if snap == nil {
		snap = Snapshot{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	change := Diff(t.current, snap)
	if change.Empty() {
		return change, false
	}

	t.previous = t.current
	t.current = snap
	return change, true
}
