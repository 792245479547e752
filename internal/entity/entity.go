package entity

import "strings"

// Entity is one named external entity as reported by the home-automation
// hub, e.g. "light.kitchen" with state "on".
type Entity struct {
	ID         string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Domain returns the part of the ID before the first dot ("light" for
// "light.kitchen"), or the whole ID when it has no dot.
func (e Entity) Domain() string {
	if i := strings.IndexByte(e.ID, '.'); i >= 0 {
		return e.ID[:i]
	}
	return e.ID
}

// Snapshot is a full, point-in-time map of entity ID to entity.
//
// Snapshots are treated as immutable once handed to the engine. Producers
// build a fresh map for every update.
type Snapshot map[string]Entity
