package config

import (
	"os"
	"strconv"
)

// envOverride binds one IOTCORE_* variable to a config field.
type envOverride struct {
	name  string
	apply func(*Config, string)
}

func setString(field func(*Config) *string) func(*Config, string) {
	return func(c *Config, v string) {
		*field(c) = v
	}
}

// setInt ignores values that do not parse, keeping the file value.
func setInt(field func(*Config) *int) func(*Config, string) {
	return func(c *Config, v string) {
		n, err := strconv.Atoi(v)
		if err == nil {
			*field(c) = n
		}
	}
}

// setBool accepts strconv.ParseBool spellings.
func setBool(field func(*Config) *bool) func(*Config, string) {
	return func(c *Config, v string) {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*field(c) = b
		}
	}
}

var envOverrides = []envOverride{
	{"IOTCORE_DATABASE_PATH", setString(func(c *Config) *string { return &c.Database.Path })},
	{"IOTCORE_MQTT_HOST", setString(func(c *Config) *string { return &c.MQTT.Broker.Host })},
	{"IOTCORE_MQTT_PORT", setInt(func(c *Config) *int { return &c.MQTT.Broker.Port })},
	{"IOTCORE_MQTT_CLIENT_ID", setString(func(c *Config) *string { return &c.MQTT.Broker.ClientID })},
	{"IOTCORE_MQTT_USERNAME", setString(func(c *Config) *string { return &c.MQTT.Auth.Username })},
	{"IOTCORE_MQTT_PASSWORD", setString(func(c *Config) *string { return &c.MQTT.Auth.Password })},
	{"IOTCORE_MQTT_QOS", setInt(func(c *Config) *int { return &c.MQTT.QoS })},
	{"IOTCORE_API_HOST", setString(func(c *Config) *string { return &c.API.Host })},
	{"IOTCORE_API_PORT", setInt(func(c *Config) *int { return &c.API.Port })},
	{"IOTCORE_INFLUXDB_ENABLED", setBool(func(c *Config) *bool { return &c.InfluxDB.Enabled })},
	{"IOTCORE_INFLUXDB_URL", setString(func(c *Config) *string { return &c.InfluxDB.URL })},
	{"IOTCORE_INFLUXDB_TOKEN", setString(func(c *Config) *string { return &c.InfluxDB.Token })},
	{"IOTCORE_LOG_LEVEL", setString(func(c *Config) *string { return &c.Logging.Level })},
	{"IOTCORE_PRESENCE_ENABLED", setBool(func(c *Config) *bool { return &c.Presence.Enabled })},
	// Production deployments always set the secret this way.
	{"IOTCORE_JWT_SECRET", setString(func(c *Config) *string { return &c.Security.JWT.Secret })},
}

// applyEnvOverrides copies every set IOTCORE_* variable into cfg.
func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			o.apply(cfg, v)
		}
	}
}
