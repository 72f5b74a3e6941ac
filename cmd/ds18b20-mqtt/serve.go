package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/api"
	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/bridge"
	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/buildinfo"
	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/connwatch"
	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/metrics"
	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/mqtt"
	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/onewire"
)

// runServe enumerates sensors, connects to the broker and runs the
// publish scheduler until interrupted. A broker that stays unreachable
// through every connection attempt is fatal.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting ds18b20-mqtt",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"bus_root", cfg.Sensors.BusRoot,
		"update_interval", cfg.Publish.UpdateInterval,
		"config_interval", cfg.Publish.ConfigInterval,
		"qos", cfg.MQTT.QoS,
	)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by every component.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Sensors ---
	// The device set is captured once; hot-plugged sensors need a restart.
	devices, err := onewire.Enumerate(cfg.Sensors.BusRoot, cfg.Sensors.FamilyPrefix)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		logger.Warn("no one-wire sensors found, nothing will be published",
			"bus_root", cfg.Sensors.BusRoot,
			"family_prefix", cfg.Sensors.FamilyPrefix,
		)
	} else {
		logger.Info("one-wire sensors found", "count", len(devices), "devices", devices)
	}
	reader := onewire.NewReader(cfg.Sensors, logger)

	collector := metrics.New()
	collector.SetDevices(len(devices))

	// --- MQTT ---
	conn := mqtt.NewConnector(cfg.MQTT, cfg.Discovery,
		mqtt.Observers{mqtt.NewLogObserver(logger), collector}, logger)

	sched := bridge.New(devices, reader, conn, cfg, logger, bridge.WithRecorder(collector))
	if cfg.Discovery.ResendOnHubOnline {
		conn.SetHubOnlineHandler(sched.RequestReconfigure)
	}

	if err := conn.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info("interrupted while connecting")
			return nil
		}
		return fmt.Errorf("connect to mqtt broker: %w", err)
	}
	logger.Info("mqtt session established", "client_id", conn.ClientID())

	// --- Health ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	watchDependency(ctx, connMgr, collector, "mqtt", connwatch.MQTTProbe(conn))
	watchDependency(ctx, connMgr, collector, "w1", connwatch.BusProbe(cfg.Sensors.BusRoot))

	var server *api.Server
	if cfg.Metrics.Configured() {
		server = api.NewServer(cfg.Metrics.Listen, collector.Registry(), connMgr, logger)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	// Blocks until SIGINT/SIGTERM.
	runErr := sched.Run(ctx)
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := conn.Stop(shutdownCtx); err != nil {
		logger.Error("mqtt shutdown failed", "error", err)
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("ds18b20-mqtt stopped")
	return runErr
}

// watchDependency registers a connwatch watcher that mirrors its state
// into the dependency_up gauge.
func watchDependency(ctx context.Context, m *connwatch.Manager, c *metrics.Collector, name string, probe connwatch.ProbeFunc) {
	c.SetDependencyUp(name, false)
	m.Watch(ctx, connwatch.WatcherConfig{
		Name:     name,
		Probe:    probe,
		Schedule: connwatch.DefaultSchedule(),
		OnReady:  func() { c.SetDependencyUp(name, true) },
		OnDown:   func(error) { c.SetDependencyUp(name, false) },
	})
}
