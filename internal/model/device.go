package model

import (
	"sort"
	"time"
)

type DoorState string

const (
	DoorOpen    DoorState = "OPEN"
	DoorClosed  DoorState = "CLOSED"
	DoorOpening DoorState = "OPENING"
	DoorClosing DoorState = "CLOSING"
	DoorFault   DoorState = "FAULT"
	DoorUnknown DoorState = "UNKNOWN"
)

// DoorStateFromCode maps the vendor doorState integer to a DoorState.
func DoorStateFromCode(code int) DoorState {
	switch code {
	case 0:
		return DoorClosed
	case 1:
		return DoorOpen
	case 2:
		return DoorClosing
	case 3:
		return DoorOpening
	case 4:
		return DoorFault
	default:
		return DoorUnknown
	}
}

type LightState string

const (
	LightOn      LightState = "ON"
	LightOff     LightState = "OFF"
	LightUnknown LightState = "UNKNOWN"
)

func LightStateFromBool(on bool) LightState {
	if on {
		return LightOn
	}
	return LightOff
}

// Source identifies where a state observation came from.
type Source string

const (
	SourceNone       Source = ""
	SourceBootstrap  Source = "BOOTSTRAP"
	SourceRealtime   Source = "REALTIME"
	SourceCommandAck Source = "COMMAND_ACK"
)

// Rank orders sources by trust. Higher wins on equal timestamps.
func (s Source) Rank() int {
	switch s {
	case SourceBootstrap:
		return 1
	case SourceRealtime:
		return 2
	case SourceCommandAck:
		return 3
	default:
		return 0
	}
}

func (s Source) Valid() bool {
	return s.Rank() > 0
}

type Capability string

const (
	CapabilityDoor  Capability = "door"
	CapabilityLight Capability = "light"
)

// Attribute names a mergeable piece of device state.
type Attribute string

const (
	AttributeDoor  Attribute = "door"
	AttributeLight Attribute = "light"
)

// Capability returns the capability an attribute belongs to.
func (a Attribute) Capability() Capability {
	if a == AttributeLight {
		return CapabilityLight
	}
	return CapabilityDoor
}

// ValidValue reports whether value is a known state for the attribute.
// UNKNOWN is not a mergeable value.
func (a Attribute) ValidValue(value string) bool {
	switch a {
	case AttributeDoor:
		switch DoorState(value) {
		case DoorOpen, DoorClosed, DoorOpening, DoorClosing, DoorFault:
			return true
		}
	case AttributeLight:
		switch LightState(value) {
		case LightOn, LightOff:
			return true
		}
	}
	return false
}

// AttributeState is the stored value of one attribute with its provenance.
type AttributeState struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    Source    `json:"source"`
}

// SupersededBy reports whether an observation at (at, source) replaces the
// stored state: timestamps compare first, trust rank breaks ties.
func (s AttributeState) SupersededBy(at time.Time, source Source) bool {
	if at.After(s.UpdatedAt) {
		return true
	}
	if at.Before(s.UpdatedAt) {
		return false
	}
	return source.Rank() > s.Source.Rank()
}

const (
	StaleMissingFromAccount = "missing_from_account"
	StaleDisconnected       = "disconnected"
)

// Device is the cached view of one garage door opener.
type Device struct {
	ID           string                       `json:"id"`
	Name         string                       `json:"name"`
	Serial       string                       `json:"serial,omitempty"`
	MAC          string                       `json:"mac,omitempty"`
	Capabilities []Capability                 `json:"capabilities"`
	Door         DoorState                    `json:"door"`
	Light        LightState                   `json:"light"`
	Attributes   map[Attribute]AttributeState `json:"attributes,omitempty"`
	LastUpdate   time.Time                    `json:"last_update"`
	LastSource   Source                       `json:"last_source,omitempty"`
	Stale        bool                         `json:"stale"`
	StaleReason  string                       `json:"stale_reason,omitempty"`
	// Ports maps attributes to the vendor module port used when composing commands.
	Ports map[Attribute]int `json:"-"`
}

func (d Device) HasCapability(c Capability) bool {
	for _, item := range d.Capabilities {
		if item == c {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of the store.
func (d Device) Clone() Device {
	out := d
	out.Capabilities = append([]Capability(nil), d.Capabilities...)
	if d.Attributes != nil {
		out.Attributes = make(map[Attribute]AttributeState, len(d.Attributes))
		for k, v := range d.Attributes {
			out.Attributes[k] = v
		}
	}
	if d.Ports != nil {
		out.Ports = make(map[Attribute]int, len(d.Ports))
		for k, v := range d.Ports {
			out.Ports[k] = v
		}
	}
	return out
}

// Value returns the public state string for an attribute.
func (d Device) Value(attr Attribute) string {
	if attr == AttributeLight {
		return string(d.Light)
	}
	return string(d.Door)
}

// Reading is one observed attribute value at a server timestamp.
type Reading struct {
	Value string
	At    time.Time
}

// DeviceSnapshot is what the cloud reports for one device at a point in time.
type DeviceSnapshot struct {
	ID           string
	Name         string
	Serial       string
	MAC          string
	Capabilities []Capability
	Ports        map[Attribute]int
	State        map[Attribute]Reading
}

// SortCapabilities keeps capability lists stable for API output.
func SortCapabilities(items []Capability) []Capability {
	out := append([]Capability(nil), items...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
