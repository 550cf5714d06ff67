package engage

import (
	"strings"

	"github.com/mileusna/useragent"
)

// Device type constants
const (
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceDesktop = "desktop"
	DeviceBot     = "bot"
)

// ClassifyDevice derives a coarse (family, type) pair from a raw user-agent
// string. Family is a "device / OS / browser" composite, falling back to
// browser name, then OS name, then empty. Type is one of the Device*
// constants or empty when nothing is recognizable.
//
// The function is pure and deterministic; the pair is stored on events and
// doubles as one of the open-dedup comparison keys, so the derivation must
// not change between two calls with the same input.
func ClassifyDevice(rawUA string) (family, deviceType string) {
	rawUA = strings.TrimSpace(rawUA)
	if rawUA == "" {
		return "", ""
	}

	ua := useragent.Parse(rawUA)

	var parts []string
	if ua.Device != "" {
		parts = append(parts, ua.Device)
	}
	if ua.OS != "" {
		parts = append(parts, ua.OS)
	}
	if ua.Name != "" {
		parts = append(parts, ua.Name)
	}
	family = strings.Join(parts, " / ")

	switch {
	case ua.Bot:
		deviceType = DeviceBot
	case ua.Mobile:
		deviceType = DeviceMobile
	case ua.Tablet:
		deviceType = DeviceTablet
	case ua.Desktop:
		deviceType = DeviceDesktop
	}
	return family, deviceType
}

// sameDevice reports whether two derived fingerprints refer to the same
// device. Two fully-unknown fingerprints do not match: an unparseable
// user-agent carries no dedup signal.
func sameDevice(familyA, typeA, familyB, typeB string) bool {
	if familyA == "" && typeA == "" {
		return false
	}
	return familyA == familyB && typeA == typeB
}
