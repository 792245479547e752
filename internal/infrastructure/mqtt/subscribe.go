package mqtt

import (
	"errors"
	"fmt"
)

// Subscribe routes messages on topic (wildcards allowed) to handler at the
// configured QoS. The subscription is restored after every reconnect.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if handler == nil {
		return fmt.Errorf("%w: %s: nil handler", ErrSubscribeFailed, topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Subscribe(topic, c.qos, c.deliver(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s: no answer within %v", ErrSubscribeFailed, topic, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}

	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()
	return nil
}

// Unsubscribe drops topic. Messages already in flight may still arrive.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	if !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: unsubscribe %s: no answer within %v", ErrSubscribeFailed, topic, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// Subscribed returns ErrNotSubscribed naming every topic that has no
// active subscription.
func (c *Client) Subscribed(topics ...string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	for _, t := range topics {
		if _, ok := c.subs[t]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNotSubscribed, t))
		}
	}
	return errors.Join(errs...)
}

// resubscribe restores tracked subscriptions after a reconnect. Failures
// are logged; paho retries on the next reconnect.
func (c *Client) resubscribe() {
	c.mu.RLock()
	subs := make(map[string]MessageHandler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.RUnlock()

	for topic, handler := range subs {
		token := c.client.Subscribe(topic, c.qos, c.deliver(handler))
		if token.WaitTimeout(defaultPublishTimeout) && token.Error() == nil {
			continue
		}
		c.log().Warn("mqtt resubscribe failed", "topic", topic, "error", token.Error())
	}
}
