// Package mqtt provides MQTT client connectivity for HAL.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Service call publishing at the configured QoS
//   - Entity state subscriptions, restored after reconnects
//   - Retained engine status with a Last Will for crashes
//   - Connection and subscription health
//
// # Architecture
//
// In the mqtt transport mode an external publisher (a Home Assistant
// automation, Node-RED, a bridge script) mirrors entity state onto the
// broker and executes the service calls HAL publishes back.
//
//	Home Assistant ↔ publisher ↔ MQTT Broker ↔ HAL
//
// # Security Considerations
//
//   - TLS is recommended for non-local brokers (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().Snapshot(),
//	    func(topic string, payload []byte) error {
//	        return handleSnapshot(payload)
//	    })
//
//	err = client.PublishCommand(ctx, "light", "turn_on",
//	    map[string]any{"entity_id": "light.hall"})
package mqtt
