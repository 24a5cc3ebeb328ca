package template

import "github.com/easysmart/iot-core/internal/entity"

// Built-in device types.
const (
	TypeCompressorMonitor = "compressor_monitor"
	TypeGateController    = "gate_controller"
	TypeHVACSensor        = "hvac_sensor"
	TypeRelayBoard        = "relay_board"
	TypeEnergyMeter       = "energy_meter"
	TypeESP32Generic      = "esp32_generic"
)

var builtin = mustCatalog(builtinBlueprints())

// Builtin returns the catalog of device types shipped with the service.
func Builtin() *Catalog { return builtin }

func mustCatalog(blueprints []Blueprint) *Catalog {
	c, err := NewCatalog(blueprints)
	if err != nil {
		panic(err)
	}
	return c
}

func ptr(f float64) *float64 { return &f }

// readonlyRange marks a sensor readonly with an expected range.
func readonlyRange(lo, hi float64) entity.Config {
	return entity.Config{Readonly: true, Min: ptr(lo), Max: ptr(hi)}
}

func builtinBlueprints() []Blueprint {
	return []Blueprint{
		{
			Type:          TypeCompressorMonitor,
			Name:          "Compressor Monitor",
			Description:   "RS485 compressor telemetry with a main relay",
			Icon:          "mdi:factory",
			DiscoveryMode: entity.DiscoveryHybrid,
			Entities: []Skeleton{
				{EntityID: "relay_main", Type: entity.TypeSwitch, Name: "Main Relay", Icon: "mdi:power-plug",
					Config: entity.Config{Locked: true}, Initial: false},
				{EntityID: "temp_oil", Type: entity.TypeSensor, Name: "Oil Temperature", Unit: "°C", Icon: "mdi:thermometer",
					Config: readonlyRange(0, 150), Initial: 0.0},
				{EntityID: "pressure", Type: entity.TypeSensor, Name: "Pressure", Unit: "PSI", Icon: "mdi:gauge",
					Config: readonlyRange(0, 200), Initial: 0.0},
				{EntityID: "vibration", Type: entity.TypeSensor, Name: "Vibration", Unit: "mm/s", Icon: "mdi:vibrate",
					Config: readonlyRange(0, 20), Initial: 0.0},
				{EntityID: "current", Type: entity.TypeSensor, Name: "Current", Unit: "A", Icon: "mdi:flash",
					Config: readonlyRange(0, 100), Initial: 0.0},
				{EntityID: "runtime", Type: entity.TypeSensor, Name: "Runtime", Unit: "h", Icon: "mdi:timer-outline",
					Config: entity.Config{Readonly: true}, Initial: 0.0},
			},
		},
		{
			Type:          TypeGateController,
			Name:          "Gate Controller",
			Description:   "Open/close control with limit switches",
			Icon:          "mdi:gate",
			DiscoveryMode: entity.DiscoveryTemplate,
			Entities: []Skeleton{
				{EntityID: "gate_open", Type: entity.TypeSwitch, Name: "Open Gate", Icon: "mdi:lock-open-variant",
					Config: entity.Config{Locked: true, Momentary: true}, Initial: false},
				{EntityID: "gate_close", Type: entity.TypeSwitch, Name: "Close Gate", Icon: "mdi:lock",
					Config: entity.Config{Locked: true, Momentary: true}, Initial: false},
				{EntityID: "sensor_open", Type: entity.TypeBinarySensor, Name: "Open Sensor", Icon: "mdi:check-circle",
					Config: entity.Config{Readonly: true}, Initial: false},
				{EntityID: "sensor_closed", Type: entity.TypeBinarySensor, Name: "Closed Sensor", Icon: "mdi:close-circle",
					Config: entity.Config{Readonly: true}, Initial: false},
			},
		},
		{
			Type:          TypeHVACSensor,
			Name:          "HVAC Sensor",
			Description:   "Temperature, humidity and CO2 monitoring",
			Icon:          "mdi:air-conditioner",
			DiscoveryMode: entity.DiscoveryAuto,
			Entities: []Skeleton{
				{EntityID: "temperature", Type: entity.TypeSensor, Name: "Temperature", Unit: "°C", Icon: "mdi:thermometer",
					Config: readonlyRange(-40, 80), Initial: 0.0},
				{EntityID: "humidity", Type: entity.TypeSensor, Name: "Humidity", Unit: "%", Icon: "mdi:water-percent",
					Config: readonlyRange(0, 100), Initial: 0.0},
				{EntityID: "co2", Type: entity.TypeSensor, Name: "CO2", Unit: "ppm", Icon: "mdi:molecule-co2",
					Config: readonlyRange(0, 5000), Initial: 0.0},
			},
		},
		{
			Type:          TypeRelayBoard,
			Name:          "Relay Board",
			Description:   "Bank of independently switched relays",
			Icon:          "mdi:electric-switch",
			DiscoveryMode: entity.DiscoveryTemplate,
			Entities: []Skeleton{
				{EntityID: "relay_1", Type: entity.TypeSwitch, Name: "Relay 1", Icon: "mdi:numeric-1-box", Initial: false},
				{EntityID: "relay_2", Type: entity.TypeSwitch, Name: "Relay 2", Icon: "mdi:numeric-2-box", Initial: false},
				{EntityID: "relay_3", Type: entity.TypeSwitch, Name: "Relay 3", Icon: "mdi:numeric-3-box", Initial: false},
				{EntityID: "relay_4", Type: entity.TypeSwitch, Name: "Relay 4", Icon: "mdi:numeric-4-box", Initial: false},
			},
		},
		{
			Type:          TypeEnergyMeter,
			Name:          "Energy Meter",
			Description:   "Electrical consumption monitoring",
			Icon:          "mdi:meter-electric",
			DiscoveryMode: entity.DiscoveryAuto,
			Entities: []Skeleton{
				{EntityID: "voltage", Type: entity.TypeSensor, Name: "Voltage", Unit: "V", Icon: "mdi:sine-wave",
					Config: entity.Config{Readonly: true}, Initial: 0.0},
				{EntityID: "current", Type: entity.TypeSensor, Name: "Current", Unit: "A", Icon: "mdi:current-ac",
					Config: entity.Config{Readonly: true}, Initial: 0.0},
				{EntityID: "power", Type: entity.TypeSensor, Name: "Power", Unit: "W", Icon: "mdi:lightbulb-on",
					Config: entity.Config{Readonly: true}, Initial: 0.0},
				{EntityID: "energy", Type: entity.TypeSensor, Name: "Energy", Unit: "kWh", Icon: "mdi:chart-bar",
					Config: entity.Config{Readonly: true}, Initial: 0.0},
				{EntityID: "power_factor", Type: entity.TypeSensor, Name: "Power Factor", Icon: "mdi:chart-line",
					Config: readonlyRange(0, 1), Initial: 0.0},
			},
		},
		{
			Type:          TypeESP32Generic,
			Name:          "Generic ESP32",
			Description:   "Device that announces its own entities over MQTT",
			Icon:          "mdi:chip",
			DiscoveryMode: entity.DiscoveryAuto,
		},
	}
}
