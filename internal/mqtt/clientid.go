package mqtt

import (
	"os"

	"github.com/google/uuid"
)

// DefaultClientID returns a client ID for brokers that need one when the
// configuration leaves it empty. It combines a fixed prefix with the
// first block of a UUIDv7 so two bridges on the same broker never kick
// each other off. If UUID generation fails the host name is used.
func DefaultClientID() string {
	id, err := uuid.NewV7()
	if err != nil {
		host, _ := os.Hostname()
		return "ds18b20-mqtt-" + host
	}
	return "ds18b20-mqtt-" + id.String()[:8]
}
