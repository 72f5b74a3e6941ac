// Package metrics exposes bridge activity as Prometheus metrics. A
// single Collector serves as both the MQTT transport observer and the
// scheduler's recorder.
package metrics

import (
	"log/slog"

	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/mqtt"
	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/onewire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "ds18b20"

// Collector holds every bridge metric on a private registry.
type Collector struct {
	registry *prometheus.Registry

	readings      *prometheus.CounterVec
	readErrors    *prometheus.CounterVec
	publishes     *prometheus.CounterVec
	publishErrors *prometheus.CounterVec
	temperature   *prometheus.GaugeVec
	lastReading   *prometheus.GaugeVec
	connected     prometheus.Gauge
	disconnects   prometheus.Counter
	messages      prometheus.Counter
	configPasses  prometheus.Counter
	devices       prometheus.Gauge
	dependencyUp  *prometheus.GaugeVec
}

// New creates a Collector with its own registry, including the Go and
// process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Successful sensor readings.",
		}, []string{"sensor"}),
		readErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Failed sensor reads by error kind.",
		}, []string{"kind"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Messages published by kind (config or state).",
		}, []string{"kind"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed publishes by kind (config or state).",
		}, []string{"kind"}),
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Last temperature read from each sensor.",
		}, []string{"sensor"}),
		lastReading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_reading_timestamp_seconds",
			Help:      "Unix time of the last successful reading per sensor.",
		}, []string{"sensor"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "1 while the broker connection is up.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_disconnects_total",
			Help:      "Broker connection losses.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_messages_received_total",
			Help:      "Inbound MQTT messages.",
		}),
		configPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_passes_total",
			Help:      "Completed discovery configuration passes.",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Sensors enumerated at startup.",
		}),
		dependencyUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dependency_up",
			Help:      "1 while a watched dependency (mqtt, w1) is reachable.",
		}, []string{"dependency"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.readings, c.readErrors, c.publishes, c.publishErrors,
		c.temperature, c.lastReading,
		c.connected, c.disconnects, c.messages,
		c.configPasses, c.devices, c.dependencyUp,
	)
	return c
}

// Registry returns the registry backing /metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SetDevices records the enumerated device count.
func (c *Collector) SetDevices(n int) {
	c.devices.Set(float64(n))
}

// SetDependencyUp records a health transition from connwatch.
func (c *Collector) SetDependencyUp(name string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	c.dependencyUp.WithLabelValues(name).Set(v)
}

// ObserveReading implements the scheduler recorder.
func (c *Collector) ObserveReading(r onewire.Reading) {
	c.readings.WithLabelValues(r.ID).Inc()
	c.temperature.WithLabelValues(r.ID).Set(r.Celsius)
	if !r.Time.IsZero() {
		c.lastReading.WithLabelValues(r.ID).Set(float64(r.Time.Unix()))
	}
}

func (c *Collector) ReadFailed(kind string)    { c.readErrors.WithLabelValues(kind).Inc() }
func (c *Collector) Published(kind string)     { c.publishes.WithLabelValues(kind).Inc() }
func (c *Collector) PublishFailed(kind string) { c.publishErrors.WithLabelValues(kind).Inc() }
func (c *Collector) ConfigPassCompleted()      { c.configPasses.Inc() }

// OnConnect implements mqtt.Observer.
func (c *Collector) OnConnect(string, bool) {
	c.connected.Set(1)
}

// OnDisconnect implements mqtt.Observer. A deliberate shutdown is not
// counted as a lost connection.
func (c *Collector) OnDisconnect(reason string) {
	c.connected.Set(0)
	if reason != mqtt.DisconnectShutdown {
		c.disconnects.Inc()
	}
}

// OnMessage implements mqtt.Observer.
func (c *Collector) OnMessage(string, []byte, byte) {
	c.messages.Inc()
}

// Publish counts come from the scheduler, which knows the message kind.
func (c *Collector) OnPublish(string, byte, int) {}
func (c *Collector) OnSubscribe(string, byte)    {}
func (c *Collector) OnLog(slog.Level, string)    {}
