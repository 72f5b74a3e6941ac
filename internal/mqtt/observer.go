package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/config"
)

// Observer receives transport events. Implementations must be safe for
// concurrent use and must return quickly: they run on paho's goroutines.
type Observer interface {
	// OnConnect is called after the broker acknowledged a connection.
	OnConnect(broker string, sessionPresent bool)
	// OnDisconnect is called when the connection is lost or the broker
	// sent a DISCONNECT. reason is human-readable.
	OnDisconnect(reason string)
	// OnMessage is called for each inbound message.
	OnMessage(topic string, payload []byte, qos byte)
	// OnPublish is called after a publish completed its QoS handshake.
	OnPublish(topic string, qos byte, size int)
	// OnSubscribe is called after the broker acknowledged a subscription.
	OnSubscribe(topic string, granted byte)
	// OnLog receives paho client diagnostics.
	OnLog(level slog.Level, msg string)
}

// Observers fans each event out to every member.
type Observers []Observer

func (o Observers) OnConnect(broker string, sessionPresent bool) {
	for _, ob := range o {
		ob.OnConnect(broker, sessionPresent)
	}
}

func (o Observers) OnDisconnect(reason string) {
	for _, ob := range o {
		ob.OnDisconnect(reason)
	}
}

func (o Observers) OnMessage(topic string, payload []byte, qos byte) {
	for _, ob := range o {
		ob.OnMessage(topic, payload, qos)
	}
}

func (o Observers) OnPublish(topic string, qos byte, size int) {
	for _, ob := range o {
		ob.OnPublish(topic, qos, size)
	}
}

func (o Observers) OnSubscribe(topic string, granted byte) {
	for _, ob := range o {
		ob.OnSubscribe(topic, granted)
	}
}

func (o Observers) OnLog(level slog.Level, msg string) {
	for _, ob := range o {
		ob.OnLog(level, msg)
	}
}

// LogObserver writes every transport event to a structured logger.
// Connection changes are logged at info/warn, per-message chatter at
// debug and paho internals at the level they were reported with.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver. A nil logger uses slog.Default.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (l *LogObserver) OnConnect(broker string, sessionPresent bool) {
	l.logger.Info("mqtt connected to broker", "broker", broker, "session_present", sessionPresent)
}

func (l *LogObserver) OnDisconnect(reason string) {
	l.logger.Warn("mqtt disconnected", "reason", reason)
}

func (l *LogObserver) OnMessage(topic string, payload []byte, qos byte) {
	if !l.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.logger.Debug("mqtt message received",
		"topic", topic,
		"qos", qos,
		"payload_size", len(payload),
		"payload", string(payload),
	)
}

func (l *LogObserver) OnPublish(topic string, qos byte, size int) {
	l.logger.Debug("mqtt published", "topic", topic, "qos", qos, "payload_size", size)
}

func (l *LogObserver) OnSubscribe(topic string, granted byte) {
	l.logger.Debug("mqtt subscribed", "topic", topic, "granted_qos", granted)
}

func (l *LogObserver) OnLog(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg, "source", "paho")
}

// pahoLogger adapts an Observer to paho's log.Logger interface so client
// diagnostics flow through the same hooks as every other event.
type pahoLogger struct {
	observer Observer
	level    slog.Level
}

func (p pahoLogger) Println(v ...interface{}) {
	p.observer.OnLog(p.level, strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (p pahoLogger) Printf(format string, v ...interface{}) {
	p.observer.OnLog(p.level, fmt.Sprintf(format, v...))
}

// protocolLoggers returns the debug and error loggers handed to autopaho.
func protocolLoggers(o Observer) (debug, errs pahoLogger) {
	return pahoLogger{observer: o, level: config.LevelTrace},
		pahoLogger{observer: o, level: slog.LevelWarn}
}
