package mqtt

import "github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared
// by every sensor this bridge announces, so HA groups them under a
// single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. The first seven fields are always present; availability and
// device grouping are added when configured.
type SensorConfig struct {
	Name              string      `json:"name"`
	StateTopic        string      `json:"state_topic"`
	ValueTemplate     string      `json:"value_template"`
	UniqueID          string      `json:"unique_id"`
	DeviceClass       string      `json:"device_class"`
	UnitOfMeasurement string      `json:"unit_of_measurement"`
	ExpireAfter       int         `json:"expire_after"`
	StateClass        string      `json:"state_class,omitempty"`
	AvailabilityTopic string      `json:"availability_topic,omitempty"`
	Device            *DeviceInfo `json:"device,omitempty"`
}

// StatePayload is the JSON body of a state message.
type StatePayload struct {
	Temperature float64 `json:"temperature"`
}

// NewDeviceInfo creates the bridge DeviceInfo. The configured device
// name doubles as the HA device identifier.
func NewDeviceInfo(deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{"ds18b20-mqtt_" + deviceName},
		Name:         deviceName,
		Manufacturer: "Maxim Integrated",
		Model:        "DS18B20 one-wire bridge",
		SWVersion:    buildinfo.Version,
	}
}
