package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

var ErrBadPayload = errors.New("mqtt: unsupported set payload")

// Topics builds every topic the bridge uses under one prefix.
type Topics struct {
	Prefix          string
	DiscoveryPrefix string
}

// Status is the bridge-wide availability topic, also used as the last will.
func (t Topics) Status() string { return t.Prefix + "/status" }

func (t Topics) State(deviceID string, attr model.Attribute) string {
	return fmt.Sprintf("%s/%s/%s", t.Prefix, deviceID, attr)
}

func (t Topics) Set(deviceID string, attr model.Attribute) string {
	return t.State(deviceID, attr) + "/set"
}

func (t Topics) Availability(deviceID string) string {
	return fmt.Sprintf("%s/%s/availability", t.Prefix, deviceID)
}

func (t Topics) Attributes(deviceID string) string {
	return fmt.Sprintf("%s/%s/attributes", t.Prefix, deviceID)
}

// SetFilter matches every command topic.
func (t Topics) SetFilter() string { return t.Prefix + "/+/+/set" }

// ParseSet extracts the device and attribute from a command topic.
func (t Topics) ParseSet(topic string) (string, model.Attribute, bool) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/")
	if !ok {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" {
		return "", "", false
	}
	attr := model.Attribute(parts[1])
	if attr != model.AttributeDoor && attr != model.AttributeLight {
		return "", "", false
	}
	return parts[0], attr, true
}

func (t Topics) discoveryConfig(component, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/config", t.DiscoveryPrefix, component, objectID(deviceID))
}

// ActionFor maps a set payload to a command. Doors take OPEN/CLOSE and
// lights take ON/OFF/TOGGLE, case-insensitively.
func ActionFor(attr model.Attribute, payload []byte) (model.Action, error) {
	value := strings.ToUpper(strings.TrimSpace(string(payload)))
	switch attr {
	case model.AttributeDoor:
		switch value {
		case "OPEN":
			return model.ActionOpen, nil
		case "CLOSE":
			return model.ActionClose, nil
		}
	case model.AttributeLight:
		switch value {
		case "ON":
			return model.ActionLightOn, nil
		case "OFF":
			return model.ActionLightOff, nil
		case "TOGGLE":
			return model.ActionLightToggle, nil
		}
	}
	return "", fmt.Errorf("%w: %s %q", ErrBadPayload, attr, value)
}

// DoorPayload is the cover state string published for a door state.
func DoorPayload(state model.DoorState) string {
	switch state {
	case model.DoorOpen:
		return "open"
	case model.DoorClosed:
		return "closed"
	case model.DoorOpening:
		return "opening"
	case model.DoorClosing:
		return "closing"
	case model.DoorFault:
		return "stopped"
	default:
		return "None"
	}
}

func availabilityPayload(device model.Device) string {
	if device.Stale {
		return payloadOffline
	}
	return payloadOnline
}

type attributesPayload struct {
	Stale       bool   `json:"stale"`
	StaleReason string `json:"stale_reason,omitempty"`
	LastUpdate  string `json:"last_update,omitempty"`
	LastSource  string `json:"last_source,omitempty"`
	Serial      string `json:"serial,omitempty"`
}

func attributesJSON(device model.Device) []byte {
	payload := attributesPayload{
		Stale:       device.Stale,
		StaleReason: device.StaleReason,
		LastSource:  string(device.LastSource),
		Serial:      device.Serial,
	}
	if !device.LastUpdate.IsZero() {
		payload.LastUpdate = device.LastUpdate.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	out, _ := json.Marshal(payload)
	return out
}

type discoveryDevice struct {
	Identifiers  []string    `json:"identifiers"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model"`
	SerialNumber string      `json:"serial_number,omitempty"`
	Connections  [][2]string `json:"connections,omitempty"`
}

type availabilityEntry struct {
	Topic string `json:"topic"`
}

type discoveryEntity struct {
	Name                string              `json:"name"`
	UniqueID            string              `json:"unique_id"`
	DeviceClass         string              `json:"device_class,omitempty"`
	StateTopic          string              `json:"state_topic"`
	CommandTopic        string              `json:"command_topic"`
	Availability        []availabilityEntry `json:"availability"`
	AvailabilityMode    string              `json:"availability_mode"`
	JSONAttributesTopic string              `json:"json_attributes_topic"`
	PayloadOpen         string              `json:"payload_open,omitempty"`
	PayloadClose        string              `json:"payload_close,omitempty"`
	PayloadStop         json.RawMessage     `json:"payload_stop,omitempty"`
	PayloadOn           string              `json:"payload_on,omitempty"`
	PayloadOff          string              `json:"payload_off,omitempty"`
	Device              discoveryDevice     `json:"device"`
}

// Message is one retained publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Discovery returns the Home Assistant discovery configs for device: a
// garage cover and, when supported, a light.
func (t Topics) Discovery(device model.Device) []Message {
	dev := discoveryDevice{
		Identifiers:  []string{"ryobi_gdo_" + objectID(device.ID)},
		Name:         displayName(device),
		Manufacturer: "Ryobi",
		Model:        "Garage Door Opener",
		SerialNumber: device.Serial,
	}
	if device.MAC != "" {
		dev.Connections = [][2]string{{"mac", strings.ToLower(device.MAC)}}
	}
	availability := []availabilityEntry{{Topic: t.Status()}, {Topic: t.Availability(device.ID)}}

	var out []Message
	if device.HasCapability(model.CapabilityDoor) {
		// A null payload_stop hides the stop button; the opener has no stop command.
		entity := discoveryEntity{
			Name:                "Door",
			UniqueID:            "ryobi_gdo_" + objectID(device.ID) + "_door",
			DeviceClass:         "garage",
			StateTopic:          t.State(device.ID, model.AttributeDoor),
			CommandTopic:        t.Set(device.ID, model.AttributeDoor),
			Availability:        availability,
			AvailabilityMode:    "all",
			JSONAttributesTopic: t.Attributes(device.ID),
			PayloadOpen:         "OPEN",
			PayloadClose:        "CLOSE",
			PayloadStop:         json.RawMessage("null"),
			Device:              dev,
		}
		out = append(out, Message{Topic: t.discoveryConfig("cover", device.ID), Payload: mustJSON(entity)})
	}
	if device.HasCapability(model.CapabilityLight) {
		entity := discoveryEntity{
			Name:                "Light",
			UniqueID:            "ryobi_gdo_" + objectID(device.ID) + "_light",
			StateTopic:          t.State(device.ID, model.AttributeLight),
			CommandTopic:        t.Set(device.ID, model.AttributeLight),
			Availability:        availability,
			AvailabilityMode:    "all",
			JSONAttributesTopic: t.Attributes(device.ID),
			PayloadOn:           "ON",
			PayloadOff:          "OFF",
			Device:              dev,
		}
		out = append(out, Message{Topic: t.discoveryConfig("light", device.ID), Payload: mustJSON(entity)})
	}
	return out
}

func mustJSON(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}

// objectID keeps discovery ids within [a-zA-Z0-9_-].
func objectID(deviceID string) string {
	var b strings.Builder
	for _, r := range deviceID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func displayName(device model.Device) string {
	if strings.TrimSpace(device.Name) != "" {
		return device.Name
	}
	return "Garage Door " + device.ID
}
