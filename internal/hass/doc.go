// Package hass connects the engine to Home Assistant.
//
// Two transports implement the same pair of collaborator interfaces
// (script.SnapshotSource and script.CommandSink):
//
//   - Client speaks the Home Assistant websocket API directly. It
//     authenticates with a long-lived access token, loads every entity with
//     get_states, subscribes to state_changed events and sends commands with
//     call_service. Dropped connections are retried after a fixed delay;
//     a rejected token stops the client.
//
//   - MQTTBridge reads entity state from broker topics maintained by an
//     external publisher and publishes service calls back to the broker.
//
// Both deliver a full entity.Snapshot after every change. Handlers run on a
// dedicated goroutine, in order, so a handler may issue service calls while
// it runs.
//
// # Usage
//
//	client, err := hass.NewClient(cfg.HomeAssistant)
//	if err != nil {
//	    return err
//	}
//	registry.SetCommandSink(client)
//	err = client.Subscribe(ctx, func(snap entity.Snapshot) {
//	    registry.OnSnapshot(ctx, snap)
//	})
package hass
