package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
)

// maxPayloadSize caps outbound messages at 1MB, the common broker limit.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic at the configured QoS and waits for the
// broker's acknowledgement until ctx ends. Without a deadline on ctx the
// wait is bounded by defaultPublishTimeout.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPublishTimeout)
		defer cancel()
	}

	token := c.client.Publish(topic, c.qos, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// PublishCommand publishes a service call as JSON service data on
// {prefix}/command/{domain}/{service}. Nil data is sent as an empty object.
func (c *Client) PublishCommand(ctx context.Context, domain, service string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s.%s data: %w", domain, service, err)
	}
	return c.Publish(ctx, c.topics.Command(domain, service), payload, false)
}

// publishStatus updates the retained engine status.
func (c *Client) publishStatus(ctx context.Context, status, reason string) error {
	return c.Publish(ctx, c.topics.SystemStatus(), encodeStatus(status, c.cfg.Broker.ClientID, reason), true)
}
