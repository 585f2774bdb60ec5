// Package mqtt connects CC Bridge to an MQTT broker.
//
// When enabled, the bridge:
//   - publishes every computer update, retained, to ccbridge/computer/{key}/update
//   - dispatches each line published to ccbridge/command to the active computer
//   - keeps a retained online/offline status on ccbridge/system/status, with
//     an LWT so subscribers notice a crash
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.SubscribeCommands(func(line string) error {
//	    _, err := bridge.Dispatch(ctx, line)
//	    return err
//	})
//
// The client reconnects with backoff and restores its subscriptions. Use TLS
// (mqtt.broker.tls) for anything beyond a local broker.
package mqtt
