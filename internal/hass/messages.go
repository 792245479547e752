package hass

import (
	"encoding/json"

	"github.com/nerrad567/hal-core/internal/entity"
)

// Websocket API message types.
const (
	msgAuthRequired    = "auth_required"
	msgAuth            = "auth"
	msgAuthOK          = "auth_ok"
	msgAuthInvalid     = "auth_invalid"
	msgResult          = "result"
	msgEvent           = "event"
	msgGetStates       = "get_states"
	msgSubscribeEvents = "subscribe_events"
	msgCallService     = "call_service"

	eventStateChanged = "state_changed"
)

// authMessage is sent in response to auth_required.
type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// command is any client message carrying an id.
type command struct {
	ID          int64          `json:"id"`
	Type        string         `json:"type"`
	EventType   string         `json:"event_type,omitempty"`
	Domain      string         `json:"domain,omitempty"`
	Service     string         `json:"service,omitempty"`
	ServiceData map[string]any `json:"service_data,omitempty"`
}

// incoming is the union of server messages the client handles.
type incoming struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *resultError    `json:"error"`
	Event   *event          `json:"event"`
	Message string          `json:"message"`
}

type resultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type event struct {
	EventType string           `json:"event_type"`
	Data      stateChangedData `json:"data"`
}

type stateChangedData struct {
	EntityID string       `json:"entity_id"`
	NewState *stateObject `json:"new_state"`
}

// stateObject is an entity state as serialised by Home Assistant. Only the
// fields that make up an entity.Entity are decoded; timestamps and context
// are ignored so that touches without a state change do not produce diffs.
type stateObject struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

func (s stateObject) toEntity() entity.Entity {
	return entity.Entity{ID: s.EntityID, State: s.State, Attributes: s.Attributes}
}

// statesToSnapshot converts a get_states result.
func statesToSnapshot(states []stateObject) entity.Snapshot {
	snap := make(entity.Snapshot, len(states))
	for _, s := range states {
		if s.EntityID == "" {
			continue
		}
		snap[s.EntityID] = s.toEntity()
	}
	return snap
}
