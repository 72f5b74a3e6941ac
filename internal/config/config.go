// Package config handles ds18b20-mqtt configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ds18b20-mqtt/config.yaml, /etc/ds18b20-mqtt/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ds18b20-mqtt", "config.yaml"))
	}

	paths = append(paths, "/etc/ds18b20-mqtt/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all bridge configuration.
type Config struct {
	Sensors   SensorsConfig   `yaml:"sensors"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Publish   PublishConfig   `yaml:"publish"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json

	// Debug is a shorthand for log_level: debug. An explicit log_level
	// wins when both are set.
	Debug bool `yaml:"debug"`
}

// SensorsConfig describes where the w1 driver exposes devices and how
// hard to try when a conversion is still in progress.
type SensorsConfig struct {
	// BusRoot is the sysfs directory holding one entry per device.
	BusRoot string `yaml:"bus_root"`
	// FamilyPrefix selects devices by one-wire family code (28 = DS18B20).
	FamilyPrefix string `yaml:"family_prefix"`
	// RetryDelay is the pause between re-reads of a pending record.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// MaxRetries bounds re-reads before a read is reported as timed out.
	MaxRetries int `yaml:"max_retries"`
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	// Broker is a full URL (mqtt://, mqtts://, tcp://, ssl://). When
	// set it takes precedence over Host and Port.
	Broker   string `yaml:"broker"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TLS enables transport encryption. CAFile optionally names a PEM
	// bundle; without it the platform trust store is used.
	TLS    bool   `yaml:"tls"`
	CAFile string `yaml:"ca_file"`

	ClientID  string        `yaml:"client_id"`
	QoS       byte          `yaml:"qos"`
	KeepAlive time.Duration `yaml:"keep_alive"`

	// ConnectionAttempts is the number of retried initial connects
	// before the final, unguarded attempt.
	ConnectionAttempts int           `yaml:"connection_attempts"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	PublishTimeout     time.Duration `yaml:"publish_timeout"`
}

// BrokerURL returns the broker address as a URL. An explicit Broker
// value is parsed as-is; otherwise the URL is assembled from Host,
// Port and the TLS flag.
func (c MQTTConfig) BrokerURL() (*url.URL, error) {
	if c.Broker != "" {
		u, err := url.Parse(c.Broker)
		if err != nil {
			return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("mqtt broker URL %q has no host", c.Broker)
		}
		return u, nil
	}

	scheme := "mqtt"
	if c.TLS {
		scheme = "mqtts"
	}
	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
	}, nil
}

// DiscoveryConfig controls the Home Assistant discovery payloads.
type DiscoveryConfig struct {
	// Prefix is the HA discovery prefix (default "homeassistant").
	Prefix string `yaml:"prefix"`
	// Retain marks config messages as retained on the broker.
	Retain bool `yaml:"retain"`
	// DeviceName is the HA device that groups all sensors.
	DeviceName string `yaml:"device_name"`
	// Availability enables the birth/will availability topic.
	Availability *bool `yaml:"availability"`
	// ResendOnHubOnline re-announces configuration when the hub
	// publishes "online" on HubStatusTopic.
	ResendOnHubOnline bool   `yaml:"resend_on_hub_online"`
	HubStatusTopic    string `yaml:"hub_status_topic"`
}

// AvailabilityEnabled reports whether availability tracking is on.
// Unset means enabled.
func (c DiscoveryConfig) AvailabilityEnabled() bool {
	return c.Availability == nil || *c.Availability
}

// PublishConfig sets the scheduler cadence.
type PublishConfig struct {
	// UpdateInterval is the pause between device passes.
	UpdateInterval time.Duration `yaml:"update_interval"`
	// ConfigInterval is how long a reconfiguration epoch lasts.
	ConfigInterval time.Duration `yaml:"config_interval"`
}

// MetricsConfig defines the optional Prometheus and health endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9108"; empty disables
}

// Configured reports whether the metrics endpoint should be served.
func (c MetricsConfig) Configured() bool {
	return c.Listen != ""
}

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" && c.Debug {
		c.LogLevel = "debug"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.Sensors.BusRoot == "" {
		c.Sensors.BusRoot = "/sys/bus/w1/devices"
	}
	if c.Sensors.FamilyPrefix == "" {
		c.Sensors.FamilyPrefix = "28"
	}
	if c.Sensors.RetryDelay <= 0 {
		c.Sensors.RetryDelay = 200 * time.Millisecond
	}
	if c.Sensors.MaxRetries <= 0 {
		c.Sensors.MaxRetries = 10
	}

	if c.MQTT.Host == "" {
		c.MQTT.Host = "localhost"
	}
	if c.MQTT.Port == 0 {
		if c.MQTT.TLS {
			c.MQTT.Port = 8883
		} else {
			c.MQTT.Port = 1883
		}
	}
	if c.MQTT.KeepAlive <= 0 {
		c.MQTT.KeepAlive = 60 * time.Second
	}
	if c.MQTT.ConnectionAttempts <= 0 {
		c.MQTT.ConnectionAttempts = 5
	}
	if c.MQTT.RetryDelay <= 0 {
		c.MQTT.RetryDelay = time.Second
	}
	if c.MQTT.ConnectTimeout <= 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}
	if c.MQTT.PublishTimeout <= 0 {
		c.MQTT.PublishTimeout = 10 * time.Second
	}

	if c.Discovery.Prefix == "" {
		c.Discovery.Prefix = "homeassistant"
	}
	if c.Discovery.DeviceName == "" {
		c.Discovery.DeviceName = "ds18b20-mqtt"
	}
	if c.Discovery.HubStatusTopic == "" {
		c.Discovery.HubStatusTopic = c.Discovery.Prefix + "/status"
	}

	if c.Publish.UpdateInterval <= 0 {
		c.Publish.UpdateInterval = 30 * time.Second
	}
	if c.Publish.ConfigInterval <= 0 {
		c.Publish.ConfigInterval = 60 * time.Minute
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d out of range (0-2)", c.MQTT.QoS))
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
	}
	if _, err := c.MQTT.BrokerURL(); err != nil {
		errs = append(errs, err)
	}
	if c.MQTT.CAFile != "" {
		if _, err := os.Stat(c.MQTT.CAFile); err != nil {
			errs = append(errs, fmt.Errorf("mqtt.ca_file: %w", err))
		}
	}
	if c.Publish.UpdateInterval < time.Second {
		errs = append(errs, fmt.Errorf("publish.update_interval %s must be at least 1s", c.Publish.UpdateInterval))
	}

	return errors.Join(errs...)
}
