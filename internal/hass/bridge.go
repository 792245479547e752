package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/nerrad567/hal-core/internal/entity"
	"github.com/nerrad567/hal-core/internal/infrastructure/mqtt"
)

// Broker is the subset of *mqtt.Client the bridge needs.
type Broker interface {
	PublishCommand(ctx context.Context, domain, service string, data map[string]any) error
	Subscribe(topic string, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Subscribed(topics ...string) error
	HealthCheck(ctx context.Context) error
}

// MQTTBridge receives entity state from broker topics written by an
// external publisher and publishes service calls back to it.
//
//	{prefix}/snapshot           full state: object keyed by entity ID, or a list of state objects
//	{prefix}/state/{entity_id}  one entity; an empty payload removes it
//	{prefix}/command/{domain}/{service}  outbound service_data as JSON
//
// Nothing is emitted until the first full snapshot arrives; per-entity
// messages before it are dropped.
type MQTTBridge struct {
	broker Broker
	topics mqtt.Topics
	logger Logger

	mu     sync.Mutex
	states entity.Snapshot // nil until the first snapshot message
	em     *emitter
}

// NewMQTTBridge creates a bridge over a connected broker client.
func NewMQTTBridge(broker Broker, topics mqtt.Topics) *MQTTBridge {
	return &MQTTBridge{
		broker: broker,
		topics: topics,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger. Must be called before Subscribe.
func (b *MQTTBridge) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	b.logger = logger
}

// Subscribe listens on the snapshot and entity state topics and delivers a
// full snapshot after every accepted message. It blocks until ctx is
// cancelled, then unsubscribes.
func (b *MQTTBridge) Subscribe(ctx context.Context, handler func(entity.Snapshot)) error {
	em := newEmitter()
	b.mu.Lock()
	b.em = em
	b.mu.Unlock()

	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{b.topics.Snapshot(), b.handleSnapshot},
		{b.topics.AllEntityStates(), b.handleState},
	}
	for i, s := range subs {
		if err := b.broker.Subscribe(s.topic, s.handler); err != nil {
			for _, prev := range subs[:i] {
				//nolint:errcheck // Best-effort cleanup on failed setup
				b.broker.Unsubscribe(prev.topic)
			}
			return fmt.Errorf("subscribing to %s: %w", s.topic, err)
		}
	}
	b.logger.Info("mqtt bridge listening", "snapshot", subs[0].topic, "state", subs[1].topic)

	em.run(ctx, handler, b.logger)

	for _, s := range subs {
		if err := b.broker.Unsubscribe(s.topic); err != nil {
			b.logger.Debug("mqtt bridge unsubscribe failed", "topic", s.topic, "error", err)
		}
	}
	b.mu.Lock()
	b.em = nil
	b.states = nil
	b.mu.Unlock()
	return nil
}

// HealthCheck reports the broker connection, then, while Subscribe is
// running, the bridge's subscriptions and whether a first snapshot has
// arrived.
func (b *MQTTBridge) HealthCheck(ctx context.Context) error {
	if err := b.broker.HealthCheck(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	listening, ready := b.em != nil, b.states != nil
	b.mu.Unlock()
	if !listening {
		return nil
	}
	if err := b.broker.Subscribed(b.topics.Snapshot(), b.topics.AllEntityStates()); err != nil {
		return err
	}
	if !ready {
		return ErrAwaitingSnapshot
	}
	return nil
}

// handleSnapshot replaces the whole state map.
func (b *MQTTBridge) handleSnapshot(_ string, payload []byte) error {
	snap, err := decodeSnapshot(payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = snap
	b.emitLocked()
	return nil
}

// handleState updates or removes one entity.
func (b *MQTTBridge) handleState(topic string, payload []byte) error {
	id, ok := b.topics.EntityIDFromStateTopic(topic)
	if !ok {
		return fmt.Errorf("%w: unexpected topic %q", ErrInvalidPayload, topic)
	}

	var e entity.Entity
	if len(payload) > 0 {
		var s stateObject
		if err := json.Unmarshal(payload, &s); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, id, err)
		}
		e = s.toEntity()
		e.ID = id
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.states == nil {
		b.logger.Debug("state message before first snapshot dropped", "entity_id", id)
		return nil
	}
	next := maps.Clone(b.states)
	if len(payload) == 0 {
		delete(next, id)
	} else {
		next[id] = e
	}
	b.states = next
	b.emitLocked()
	return nil
}

// emitLocked queues a copy of the current states. Caller holds b.mu.
func (b *MQTTBridge) emitLocked() {
	if b.em != nil {
		b.em.push(maps.Clone(b.states))
	}
}

// CallService publishes data to the command topic for domain/service.
func (b *MQTTBridge) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.broker.PublishCommand(ctx, domain, service, data); err != nil {
		return fmt.Errorf("%w: %s.%s: %w", ErrCallFailed, domain, service, err)
	}
	return nil
}

// decodeSnapshot accepts either an object keyed by entity ID or a list of
// Home Assistant state objects.
func decodeSnapshot(payload []byte) (entity.Snapshot, error) {
	var list []stateObject
	if err := json.Unmarshal(payload, &list); err == nil {
		return statesToSnapshot(list), nil
	}

	var byID map[string]stateObject
	if err := json.Unmarshal(payload, &byID); err != nil {
		return nil, fmt.Errorf("%w: snapshot: %w", ErrInvalidPayload, err)
	}
	snap := make(entity.Snapshot, len(byID))
	for id, s := range byID {
		e := s.toEntity()
		e.ID = id
		snap[id] = e
	}
	return snap, nil
}
