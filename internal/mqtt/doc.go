// Package mqtt owns the broker connection and the Home Assistant
// discovery payloads for DS18B20 sensors.
//
// The [Connector] uses Eclipse Paho v2's [autopaho] package. The initial
// connect is attempted a bounded number of times, one retry delay apart,
// followed by one final attempt whose error is returned to the caller.
// Once the first connection is up autopaho reconnects on its own; the
// scheduler never sees transient network errors.
//
// On every (re-)connect the connector publishes a retained "online"
// birth message to the availability topic and, when enabled,
// subscribes to the hub status topic. A will message flips the
// availability topic to "offline" on unexpected disconnects.
//
// Transport events are reported to an [Observer]. Observers log or
// count; they cannot influence connect or publish behavior.
package mqtt
