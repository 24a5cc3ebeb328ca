package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes.
//
// Device traffic uses devices/{TOKEN}/..., where TOKEN is the device
// identifier normalized to [A-Z0-9]. Core's own presence lives under
// iotcore/system.
const (
	// TopicPrefixDevices is the base for all device topics.
	TopicPrefixDevices = "devices"

	// TopicPrefixSystem is the base for core system topics.
	TopicPrefixSystem = "iotcore/system"

	stateSuffix   = "state"
	commandSuffix = "set"
)

// Topics provides builders for MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.EntityState("TEST01", "relay_main")
//	// Returns: "devices/TEST01/relay_main/state"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// EntityState returns the topic a device reports an entity's state on.
//
// Example: devices/TEST01/relay_main/state
func (Topics) EntityState(token, entityID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefixDevices, token, entityID, stateSuffix)
}

// EntityCommand returns the topic commands for an entity are published on.
//
// Example: devices/TEST01/relay_main/set
func (Topics) EntityCommand(token, entityID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefixDevices, token, entityID, commandSuffix)
}

// DeviceStatus returns the availability topic of a device ("online"/"offline").
//
// Example: devices/TEST01/status
func (Topics) DeviceStatus(token string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixDevices, token)
}

// DeviceDiscovery returns the topic a device announces its entities on.
//
// Example: devices/TEST01/discovery
func (Topics) DeviceDiscovery(token string) string {
	return fmt.Sprintf("%s/%s/discovery", TopicPrefixDevices, token)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the core status topic (retained, also the LWT topic).
//
// Example: iotcore/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllEntityStates matches every entity state report.
//
// Pattern: devices/+/+/state
func (Topics) AllEntityStates() string {
	return fmt.Sprintf("%s/+/+/%s", TopicPrefixDevices, stateSuffix)
}

// AllDeviceStatus matches every device availability message.
//
// Pattern: devices/+/status
func (Topics) AllDeviceStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixDevices)
}

// AllDeviceDiscovery matches every discovery announcement.
//
// Pattern: devices/+/discovery
func (Topics) AllDeviceDiscovery() string {
	return fmt.Sprintf("%s/+/discovery", TopicPrefixDevices)
}

// AllDevices matches all device traffic. Use with caution.
//
// Pattern: devices/#
func (Topics) AllDevices() string {
	return TopicPrefixDevices + "/#"
}

// =============================================================================
// Topic parsing
// =============================================================================

// CommandTopicFor derives the command topic for an entity state topic by
// replacing a trailing /state with /set. Topics without that suffix get
// /set appended.
func CommandTopicFor(stateTopic string) string {
	if base, ok := strings.CutSuffix(stateTopic, "/"+stateSuffix); ok {
		return base + "/" + commandSuffix
	}
	return stateTopic + "/" + commandSuffix
}

// DeviceToken extracts TOKEN from a devices/{TOKEN}/... topic.
func DeviceToken(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefixDevices+"/")
	if !ok {
		return "", false
	}
	token, _, _ := strings.Cut(rest, "/")
	if token == "" {
		return "", false
	}
	return token, true
}
