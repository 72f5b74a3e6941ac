package mqtt

import (
	"encoding/json"
	"time"

	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/config"
)

const (
	component = "sensor"
	nodeID    = "ds18b20"

	// expireFactor multiplies the update interval to get the staleness
	// window HA applies before marking a sensor unavailable.
	expireFactor = 4
)

// Discovery builds topics and payloads for DS18B20 entities.
type Discovery struct {
	prefix      string
	expireAfter int
	availTopic  string
	device      *DeviceInfo
}

// NewDiscovery creates a payload builder. expire_after is fixed at four
// update intervals, truncated to whole seconds.
func NewDiscovery(cfg config.DiscoveryConfig, updateInterval time.Duration) *Discovery {
	d := &Discovery{
		prefix:      cfg.Prefix,
		expireAfter: int(expireFactor * updateInterval / time.Second),
	}
	if cfg.AvailabilityEnabled() {
		d.availTopic = AvailabilityTopic(cfg.DeviceName)
	}
	if cfg.DeviceName != "" {
		dev := NewDeviceInfo(cfg.DeviceName)
		d.device = &dev
	}
	return d
}

// AvailabilityTopic returns the birth/will topic for a bridge instance.
func AvailabilityTopic(deviceName string) string {
	return "ds18b20-mqtt/" + deviceName + "/availability"
}

// BaseTopic returns <prefix>/sensor/ds18b20/<id>.
func (d *Discovery) BaseTopic(id string) string {
	return d.prefix + "/" + component + "/" + nodeID + "/" + id
}

// ConfigTopic returns the discovery config topic for a sensor.
func (d *Discovery) ConfigTopic(id string) string {
	return d.BaseTopic(id) + "/config"
}

// StateTopic returns the state topic for a sensor.
func (d *Discovery) StateTopic(id string) string {
	return d.BaseTopic(id) + "/state"
}

// SensorConfig returns the discovery config for one sensor.
func (d *Discovery) SensorConfig(id string) SensorConfig {
	return SensorConfig{
		Name:              "DS18B20 " + id,
		StateTopic:        d.StateTopic(id),
		ValueTemplate:     "{{ value_json.temperature }}",
		UniqueID:          id,
		DeviceClass:       "temperature",
		UnitOfMeasurement: "°C",
		ExpireAfter:       d.expireAfter,
		StateClass:        "measurement",
		AvailabilityTopic: d.availTopic,
		Device:            d.device,
	}
}

// ConfigPayload marshals the discovery config for one sensor.
func (d *Discovery) ConfigPayload(id string) ([]byte, error) {
	return json.Marshal(d.SensorConfig(id))
}

// StatePayloadJSON marshals a state message.
func StatePayloadJSON(celsius float64) ([]byte, error) {
	return json.Marshal(StatePayload{Temperature: celsius})
}
