package connwatch

import (
	"context"
	"fmt"
	"os"
)

// ConnectionAwaiter is satisfied by the MQTT connector.
type ConnectionAwaiter interface {
	AwaitConnection(ctx context.Context) error
}

// MQTTProbe reports healthy while the broker connection is up. The
// probe timeout bounds how long it waits for a reconnect in progress.
func MQTTProbe(c ConnectionAwaiter) ProbeFunc {
	return func(ctx context.Context) error {
		return c.AwaitConnection(ctx)
	}
}

// BusProbe reports healthy while the one-wire bus directory exists and
// is listable. A bus with no sensors attached is still healthy.
func BusProbe(root string) ProbeFunc {
	return func(context.Context) error {
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("w1 bus: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("w1 bus: %s is not a directory", root)
		}
		if _, err := os.ReadDir(root); err != nil {
			return fmt.Errorf("w1 bus: %w", err)
		}
		return nil
	}
}
