package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "hal"

// Topics provides builders for HAL MQTT topics under a configurable prefix.
// Using these helpers keeps the topic layout in one place:
//
//	{prefix}/snapshot                  full entity snapshot (JSON object)
//	{prefix}/state/{entity_id}         single entity state (JSON object)
//	{prefix}/command/{domain}/{service} outbound service call (JSON data)
//	{prefix}/system/status             engine online/offline (retained)
//
// Example:
//
//	topics := mqtt.NewTopics("hal")
//	topics.Command("light", "turn_on")
//	// Returns: "hal/command/light/turn_on"
type Topics struct {
	Prefix string
}

// NewTopics creates a topic builder. An empty prefix uses DefaultTopicPrefix;
// trailing slashes are trimmed.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// Snapshot returns the topic carrying full entity snapshots.
//
// Example: hal/snapshot
func (t Topics) Snapshot() string {
	return fmt.Sprintf("%s/snapshot", t.prefix())
}

// EntityState returns the topic carrying one entity's state.
//
// Example: hal/state/light.kitchen
func (t Topics) EntityState(entityID string) string {
	return fmt.Sprintf("%s/state/%s", t.prefix(), entityID)
}

// AllEntityStates returns a pattern matching every entity state topic.
//
// Pattern: hal/state/+
func (t Topics) AllEntityStates() string {
	return fmt.Sprintf("%s/state/+", t.prefix())
}

// EntityIDFromStateTopic extracts the entity ID from an entity state topic.
func (t Topics) EntityIDFromStateTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, t.prefix()+"/state/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Command returns the topic for an outbound service call.
//
// Example: hal/command/light/turn_on
func (t Topics) Command(domain, service string) string {
	return fmt.Sprintf("%s/command/%s/%s", t.prefix(), domain, service)
}

// SystemStatus returns the engine status topic.
//
// Example: hal/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.prefix())
}
