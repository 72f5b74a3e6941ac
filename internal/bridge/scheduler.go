// Package bridge runs the poll and publish cycle: every pass reads each
// enumerated sensor and publishes its state, and on reconfiguration
// epochs announces Home Assistant discovery configuration first.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/config"
	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/mqtt"
	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/onewire"
)

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// SensorReader produces a reading for one device directory.
type SensorReader interface {
	Read(ctx context.Context, devicePath string) (onewire.Reading, error)
}

// Recorder receives per-pass outcomes. Kinds are "config" or "state"
// for publishes and an error class for reads.
type Recorder interface {
	ObserveReading(r onewire.Reading)
	ReadFailed(kind string)
	Published(kind string)
	PublishFailed(kind string)
	ConfigPassCompleted()
}

type nopRecorder struct{}

func (nopRecorder) ObserveReading(onewire.Reading) {}
func (nopRecorder) ReadFailed(string)              {}
func (nopRecorder) Published(string)               {}
func (nopRecorder) PublishFailed(string)           {}
func (nopRecorder) ConfigPassCompleted()           {}

// Scheduler owns the reconfiguration epoch. Pass and Run must be called
// from a single goroutine; RequestReconfigure is safe from any.
type Scheduler struct {
	devices        []string
	reader         SensorReader
	publisher      Publisher
	discovery      *mqtt.Discovery
	qos            byte
	retainConfig   bool
	updateInterval time.Duration
	configInterval time.Duration
	logger         *slog.Logger
	recorder       Recorder
	now            func() time.Time

	// epoch is true while discovery config must be (re-)announced.
	epoch      bool
	lastConfig time.Time
	// configured holds device paths announced since the epoch began.
	configured map[string]bool

	reconfigure atomic.Bool
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithRecorder attaches a Recorder, typically the metrics collector.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler for a fixed device set. The epoch starts true
// so the first pass announces every device.
func New(devices []string, reader SensorReader, publisher Publisher, cfg *config.Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		devices:        devices,
		reader:         reader,
		publisher:      publisher,
		discovery:      mqtt.NewDiscovery(cfg.Discovery, cfg.Publish.UpdateInterval),
		qos:            cfg.MQTT.QoS,
		retainConfig:   cfg.Discovery.Retain,
		updateInterval: cfg.Publish.UpdateInterval,
		configInterval: cfg.Publish.ConfigInterval,
		logger:         logger,
		recorder:       nopRecorder{},
		now:            time.Now,
		epoch:          true,
		configured:     make(map[string]bool, len(devices)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// needsConfig reports whether the next pass has discovery config to
// send: a reconfiguration is pending or some device is still unannounced.
func (s *Scheduler) needsConfig() bool {
	return s.reconfigure.Load() || len(s.configured) < len(s.devices)
}

// RequestReconfigure starts a new epoch at the next pass. Used when the
// hub announces it came back online.
func (s *Scheduler) RequestReconfigure() {
	s.reconfigure.Store(true)
}

// Run performs passes every updateInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("publish scheduler started",
		"devices", len(s.devices),
		"update_interval", s.updateInterval,
		"config_interval", s.configInterval,
	)

	for {
		s.logger.Debug("publish pass starting", "announce", s.needsConfig())
		s.Pass(ctx)

		timer := time.NewTimer(s.updateInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("publish scheduler stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Pass reads and publishes every device once, then advances the epoch.
// The epoch closes once every device that could be read has its config
// delivered. A device that failed to read does not hold the epoch open:
// it is announced on its first successful pass, epoch or not.
func (s *Scheduler) Pass(ctx context.Context) {
	if s.reconfigure.Swap(false) {
		s.logger.Info("reconfiguration requested, announcing discovery on this pass")
		s.startEpoch()
	}

	pending := 0
	for _, path := range s.devices {
		if ctx.Err() != nil {
			return
		}
		if s.processDevice(ctx, path) {
			pending++
		}
	}

	if s.epoch && pending == 0 {
		s.epoch = false
		s.lastConfig = s.now()
		s.recorder.ConfigPassCompleted()
		s.logger.Debug("discovery configuration pass complete",
			"devices", len(s.devices),
			"configured", len(s.configured),
		)
	}

	if !s.epoch {
		if elapsed := s.now().Sub(s.lastConfig); elapsed > s.configInterval {
			s.logger.Info("config interval elapsed, discovery will be re-announced",
				"elapsed", elapsed.Truncate(time.Second))
			s.startEpoch()
		}
	}
}

func (s *Scheduler) startEpoch() {
	s.epoch = true
	clear(s.configured)
}

// processDevice handles one device and reports whether it was read but
// its config could not be delivered. Failures are logged and leave the
// device unconfigured so the next pass retries it.
func (s *Scheduler) processDevice(ctx context.Context, path string) bool {
	reading, err := s.reader.Read(ctx, path)
	if err != nil {
		s.recorder.ReadFailed(readErrorKind(err))
		s.logger.Warn("sensor read failed, skipping", "device", path, "error", err)
		return false
	}
	s.recorder.ObserveReading(reading)

	if !s.configured[path] {
		if err := s.sendConfig(ctx, reading.ID); err != nil {
			s.recorder.PublishFailed("config")
			s.logger.Warn("discovery config publish failed, skipping",
				"sensor", reading.ID, "error", err)
			return true
		}
		s.configured[path] = true
		s.recorder.Published("config")
		if !s.epoch {
			s.logger.Info("discovery config sent for late sensor", "sensor", reading.ID)
		}
	}

	if err := s.sendState(ctx, reading); err != nil {
		s.recorder.PublishFailed("state")
		s.logger.Warn("state publish failed", "sensor", reading.ID, "error", err)
		return false
	}
	s.recorder.Published("state")
	s.logger.Debug("sensor state published",
		"sensor", reading.ID, "temperature", reading.Celsius)
	return false
}

func (s *Scheduler) sendConfig(ctx context.Context, id string) error {
	payload, err := s.discovery.ConfigPayload(id)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, s.discovery.ConfigTopic(id), payload, s.qos, s.retainConfig)
}

func (s *Scheduler) sendState(ctx context.Context, r onewire.Reading) error {
	payload, err := mqtt.StatePayloadJSON(r.Celsius)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, s.discovery.StateTopic(r.ID), payload, s.qos, false)
}

// readErrorKind classifies a read failure for metrics.
func readErrorKind(err error) string {
	switch {
	case errors.Is(err, onewire.ErrNotFound):
		return "not_found"
	case errors.Is(err, onewire.ErrParse):
		return "parse"
	case errors.Is(err, onewire.ErrReadTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
