package script

import (
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/hal-core/internal/entity"
)

// personDomain is the entity domain checked by IsAnyonePresent("*").
const personDomain = "person"

// presentState is the state a person entity reports when at home.
const presentState = "home"

// View is a unit's projection of the entity snapshots plus its private
// key/value store.
//
// The snapshot pair is the one last dispatched to this unit, so a unit
// may lag the registry by one cycle. Snapshots are never mutated through
// the view.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Event runs and scheduled
//     runs of the same unit share one View.
type View struct {
	unit string
	loc  *time.Location
	now  func() time.Time

	mu       sync.RWMutex
	config   UnitConfig
	current  entity.Snapshot
	previous entity.Snapshot
	change   entity.Change
	values   map[string]any
}

// NewView creates an empty view for a unit.
func NewView(unit string, loc *time.Location) *View {
	if loc == nil {
		loc = time.UTC
	}
	return &View{
		unit:   unit,
		loc:    loc,
		now:    time.Now,
		values: make(map[string]any),
	}
}

// Unit returns the unit name the view belongs to.
func (v *View) Unit() string { return v.unit }

// SetConfig installs the unit's filters. Called on every (re)load.
func (v *View) SetConfig(cfg UnitConfig) {
	v.mu.Lock()
	v.config = cfg
	v.mu.Unlock()
}

// Update shifts current to previous and installs the dispatched snapshot.
func (v *View) Update(snap entity.Snapshot, change entity.Change) {
	v.mu.Lock()
	v.previous = v.current
	v.current = snap
	v.change = change
	v.mu.Unlock()
}

// Reset clears the custom value store. Snapshots are kept.
func (v *View) Reset() {
	v.mu.Lock()
	v.values = make(map[string]any)
	v.mu.Unlock()
}

// IsInitialRun reports whether the last dispatch was the first snapshot ever.
func (v *View) IsInitialRun() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.change.Initial
}

// ChangedKeys returns the changed state keys if the unit asked for state
// changes only, otherwise every changed key.
func (v *View) ChangedKeys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]string(nil), v.changedKeysLocked()...)
}

func (v *View) changedKeysLocked() []string {
	if v.config.OnlyStateChanges {
		return v.change.StateKeys
	}
	return v.change.Keys
}

// Validate decides whether the last dispatch is relevant to the unit.
//
// It fails when there are no changed keys, when an entity filter matches
// none of them, or when a state filter matches none of their current
// states.
func (v *View) Validate() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	keys := v.changedKeysLocked()
	if len(keys) == 0 {
		return false
	}

	if f := v.config.EntityFilter; f != nil {
		matched := false
		for _, k := range keys {
			if f.Match(k) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if f := v.config.EntityStateFilter; f != nil {
		matched := false
		for _, k := range keys {
			e, ok := v.current[k]
			if ok && f.Match(e.State) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// Entities returns the current snapshot. Callers must not modify it.
func (v *View) Entities() entity.Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Entity looks up an entity in the current snapshot.
func (v *View) Entity(id string) (entity.Entity, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.current[id]
	return e, ok
}

// EntityState returns the current state of id, or "" if unknown.
func (v *View) EntityState(id string) string {
	e, _ := v.Entity(id)
	return e.State
}

// PreviousEntity looks up an entity in the previous snapshot.
func (v *View) PreviousEntity(id string) (entity.Entity, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.previous[id]
	return e, ok
}

// PreviousEntityState returns the previous state of id, or "" if unknown.
func (v *View) PreviousEntityState(id string) string {
	e, _ := v.PreviousEntity(id)
	return e.State
}

// EntityAttributes returns the current attributes of id, or nil.
func (v *View) EntityAttributes(id string) map[string]any {
	e, _ := v.Entity(id)
	return e.Attributes
}

// EntityAttribute returns one attribute of id.
func (v *View) EntityAttribute(id, key string) (any, bool) {
	attrs := v.EntityAttributes(id)
	if attrs == nil {
		return nil, false
	}
	val, ok := attrs[key]
	return val, ok
}

// Value reads the unit's custom store.
func (v *View) Value(key string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.values[key]
	return val, ok
}

// SetValue writes the unit's custom store. A nil value deletes the key.
func (v *View) SetValue(key string, val any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if val == nil {
		delete(v.values, key)
		return
	}
	v.values[key] = val
}

// IsAnyonePresent reports whether any of the named people is at home.
// The wildcard "*" checks every person.* entity. Names without a domain
// are treated as person entities.
func (v *View) IsAnyonePresent(people ...string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, p := range people {
		if p == "*" {
			for _, e := range v.current {
				if e.Domain() == personDomain && e.State == presentState {
					return true
				}
			}
			continue
		}
		id := p
		if !strings.Contains(id, ".") {
			id = personDomain + "." + id
		}
		if e, ok := v.current[id]; ok && e.State == presentState {
			return true
		}
	}
	return false
}

// Now returns the current time in the site time zone.
func (v *View) Now() time.Time {
	return v.now().In(v.loc)
}
