package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/bridge"
	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/mqtt"
	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/onewire"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	_ mqtt.Observer   = (*Collector)(nil)
	_ bridge.Recorder = (*Collector)(nil)
)

func TestCollector_Readings(t *testing.T) {
	c := New()

	c.ObserveReading(onewire.Reading{ID: "00000123abcd", Celsius: 21.562, Time: time.Unix(1700000000, 0)})
	c.ObserveReading(onewire.Reading{ID: "00000123abcd", Celsius: 21.5})

	if got := testutil.ToFloat64(c.readings.WithLabelValues("00000123abcd")); got != 2 {
		t.Errorf("readings = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.temperature.WithLabelValues("00000123abcd")); got != 21.5 {
		t.Errorf("temperature = %v, want 21.5", got)
	}
	if got := testutil.ToFloat64(c.lastReading.WithLabelValues("00000123abcd")); got != 1700000000 {
		t.Errorf("last reading = %v, want 1700000000", got)
	}
}

func TestCollector_SchedulerOutcomes(t *testing.T) {
	c := New()

	c.ReadFailed("timeout")
	c.ReadFailed("timeout")
	c.Published("config")
	c.Published("state")
	c.Published("state")
	c.PublishFailed("state")
	c.ConfigPassCompleted()
	c.SetDevices(3)

	if got := testutil.ToFloat64(c.readErrors.WithLabelValues("timeout")); got != 2 {
		t.Errorf("read errors = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.publishes.WithLabelValues("state")); got != 2 {
		t.Errorf("state publishes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.publishErrors.WithLabelValues("state")); got != 1 {
		t.Errorf("state publish errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.configPasses); got != 1 {
		t.Errorf("config passes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.devices); got != 3 {
		t.Errorf("devices = %v, want 3", got)
	}
}

func TestCollector_Connection(t *testing.T) {
	c := New()

	c.OnConnect("mqtt://broker:1883", false)
	if got := testutil.ToFloat64(c.connected); got != 1 {
		t.Errorf("connected = %v, want 1 after connect", got)
	}

	c.OnDisconnect("keepalive timeout")
	if got := testutil.ToFloat64(c.connected); got != 0 {
		t.Errorf("connected = %v, want 0 after disconnect", got)
	}
	if got := testutil.ToFloat64(c.disconnects); got != 1 {
		t.Errorf("disconnects = %v, want 1", got)
	}

	c.OnMessage("homeassistant/status", []byte("online"), 1)
	if got := testutil.ToFloat64(c.messages); got != 1 {
		t.Errorf("messages = %v, want 1", got)
	}
}

func TestCollector_ShutdownNotCountedAsDisconnect(t *testing.T) {
	c := New()

	c.OnConnect("mqtt://broker:1883", false)
	c.OnDisconnect(mqtt.DisconnectShutdown)

	if got := testutil.ToFloat64(c.connected); got != 0 {
		t.Errorf("connected = %v, want 0 after shutdown", got)
	}
	if got := testutil.ToFloat64(c.disconnects); got != 0 {
		t.Errorf("disconnects = %v, want 0 after clean shutdown", got)
	}
}

func TestCollector_DependencyUp(t *testing.T) {
	c := New()

	c.SetDependencyUp("w1", true)
	c.SetDependencyUp("mqtt", false)

	if got := testutil.ToFloat64(c.dependencyUp.WithLabelValues("w1")); got != 1 {
		t.Errorf("w1 up = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.dependencyUp.WithLabelValues("mqtt")); got != 0 {
		t.Errorf("mqtt up = %v, want 0", got)
	}
}

func TestCollector_RegistryExposition(t *testing.T) {
	c := New()
	c.Published("state")

	expected := `
# HELP ds18b20_publishes_total Messages published by kind (config or state).
# TYPE ds18b20_publishes_total counter
ds18b20_publishes_total{kind="state"} 1
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "ds18b20_publishes_total"); err != nil {
		t.Error(err)
	}
}
