// Package natsbus publishes computer updates onto a NATS subject hierarchy.
//
// Each update goes to <subject>.<key>, where subject comes from the nats
// config section and key is the computer's storage key with NATS token
// separators and wildcards replaced by underscores. Consumers can follow
// every computer with a <subject>.> subscription.
//
// Usage:
//
//	bus, err := natsbus.Connect(cfg.NATS, logger)
//	if err != nil {
//	    return err
//	}
//	defer bus.Close()
//
//	err = bus.PublishUpdate(ctx, "Turtle7", payload)
package natsbus
