package provisioning

import (
	"regexp"
	"strings"
)

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

// NormalizeIdentifier turns a device identifier into its topic token by
// dropping everything outside [A-Za-z0-9] and upper-casing the rest.
//
//	NormalizeIdentifier("esp-32:AA:BB") // "ESP32AABB"
//
// It is idempotent.
func NormalizeIdentifier(id string) string {
	return strings.ToUpper(nonAlphanumeric.ReplaceAllString(id, ""))
}
