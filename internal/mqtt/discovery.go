//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"dali-go-home/internal/coordinator"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/dali_.../light/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	BrightnessScale   int      `json:"brightness_scale,omitempty"`
	SupportedColor    []string `json:"supported_color_modes,omitempty"`
	Schema            string   `json:"schema,omitempty"`
	Device            haDevice `json:"device"`
}

// gearDisplayName returns a display name for a piece of gear.
func gearDisplayName(g coordinator.GearInfo) string {
	if g.FriendlyName != "" {
		return g.FriendlyName
	}
	if g.Identity.Serial != "" {
		return "DALI " + g.Identity.Serial
	}
	return g.UniqueID
}

// gearIdentifier returns the unique identifier for the HA device registry.
// Dots in the serial part are not valid in discovery topics.
func gearIdentifier(g coordinator.GearInfo) string {
	return "dali_" + strings.ReplaceAll(g.UniqueID, ".", "_")
}

// gearTopicName returns the state topic name for a piece of gear (friendly
// name or unique ID).
func gearTopicName(g coordinator.GearInfo) string {
	if g.FriendlyName != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(g.FriendlyName)
		return strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
	}
	return strings.ReplaceAll(g.UniqueID, ".", "_")
}

// deviceTypeModel maps the IEC 62386 device type byte to a model label.
func deviceTypeModel(dt uint8) string {
	switch dt {
	case 0:
		return "Fluorescent ballast"
	case 1:
		return "Emergency lighting"
	case 2:
		return "Discharge lamp"
	case 3:
		return "Low voltage halogen"
	case 4:
		return "Incandescent dimmer"
	case 6:
		return "LED driver"
	case 7:
		return "Switching function"
	case 8:
		return "Colour control"
	default:
		return fmt.Sprintf("Device type %d", dt)
	}
}

// buildGearDiscovery generates the HA discovery message for one piece of
// gear. Every DALI control gear is a dimmable light.
func buildGearDiscovery(g coordinator.GearInfo, prefix string) discoveryMsg {
	nodeID := gearIdentifier(g)
	stateTopic := prefix + "/" + gearTopicName(g)

	payload := haDiscovery{
		Name:              gearDisplayName(g),
		UniqueID:          nodeID + "_light",
		StateTopic:        stateTopic,
		CommandTopic:      stateTopic + "/set",
		AvailabilityTopic: prefix + "/bridge/state",
		BrightnessScale:   254,
		SupportedColor:    []string{"brightness"},
		Schema:            "json",
		Device: haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: fmt.Sprintf("GTIN %d", g.Identity.GTIN),
			Model:        deviceTypeModel(g.Identity.DeviceType),
			Name:         gearDisplayName(g),
		},
	}
	return discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/light/%s/light/config", nodeID),
		Payload: mustJSON(payload),
	}
}

// buildRemoveGearDiscovery generates the empty retained message that removes
// a piece of gear from HA.
func buildRemoveGearDiscovery(g coordinator.GearInfo) discoveryMsg {
	return discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/light/%s/light/config", gearIdentifier(g)),
		Payload: nil, // empty retained = delete
	}
}
