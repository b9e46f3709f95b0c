// Package tiwi maps the vendor cloud's device schema onto the model.
//
// Devices are described by a deviceTypeMap of modules keyed "<module>_<port>",
// each carrying attributes under "at" as {"value": ..., "lastSet": <ms>}.
// Realtime notifications use the flattened form "<module>_<port>.<attribute>".
package tiwi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
)

const (
	MasterUnitTypeID = "gdoMasterUnit"

	ModuleGarageDoor  = "garageDoor"
	ModuleGarageLight = "garageLight"
	ModuleMasterUnit  = "masterUnit"
	ModuleWifi        = "wifiModule"

	FieldDoorState    = "doorState"
	FieldLightState   = "lightState"
	FieldDoorCommand  = "doorCommand"
	FieldSerialNumber = "serialNumber"
	FieldMACAddress   = "macAddress"

	// CommandMessageType is the msgType of gdoModuleCommand frames.
	CommandMessageType = 16
)

var moduleTypes = map[string]int{
	ModuleGarageDoor:  5,
	ModuleGarageLight: 5,
}

// ModuleType returns the numeric module type used in command frames.
func ModuleType(module string) (int, bool) {
	value, ok := moduleTypes[module]
	return value, ok
}

// ModuleFor returns the module that carries an attribute.
func ModuleFor(attr model.Attribute) string {
	if attr == model.AttributeLight {
		return ModuleGarageLight
	}
	return ModuleGarageDoor
}

// SplitModuleKey parses "garageDoor_7" into ("garageDoor", 7).
func SplitModuleKey(key string) (string, int, bool) {
	idx := strings.LastIndex(key, "_")
	if idx <= 0 || idx == len(key)-1 {
		return key, 0, false
	}
	port, err := strconv.Atoi(key[idx+1:])
	if err != nil || port < 0 {
		return key, 0, false
	}
	return key[:idx], port, true
}

// AttributeFor maps a module field onto a tracked attribute.
func AttributeFor(module, field string) (model.Attribute, bool) {
	switch {
	case module == ModuleGarageDoor && field == FieldDoorState:
		return model.AttributeDoor, true
	case module == ModuleGarageLight && field == FieldLightState:
		return model.AttributeLight, true
	default:
		return "", false
	}
}

// AttributeValue is the vendor's per-attribute envelope.
type AttributeValue struct {
	Value   json.RawMessage `json:"value"`
	LastSet json.Number     `json:"lastSet"`
}

// Timestamp converts lastSet (epoch milliseconds) into a time.
func (v AttributeValue) Timestamp() (time.Time, bool) {
	if v.LastSet == "" {
		return time.Time{}, false
	}
	ms, err := v.LastSet.Int64()
	if err != nil {
		f, ferr := v.LastSet.Float64()
		if ferr != nil {
			return time.Time{}, false
		}
		ms = int64(f)
	}
	if ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// Decode returns the model value for attr, or false when it is not a known state.
func (v AttributeValue) Decode(attr model.Attribute) (string, bool) {
	raw := bytes.TrimSpace(v.Value)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	switch attr {
	case model.AttributeDoor:
		var code float64
		if err := json.Unmarshal(raw, &code); err != nil {
			return "", false
		}
		state := model.DoorStateFromCode(int(code))
		if state == model.DoorUnknown {
			return "", false
		}
		return string(state), true
	case model.AttributeLight:
		var on bool
		if err := json.Unmarshal(raw, &on); err == nil {
			return string(model.LightStateFromBool(on)), true
		}
		var num float64
		if err := json.Unmarshal(raw, &num); err == nil {
			return string(model.LightStateFromBool(num != 0)), true
		}
		return "", false
	}
	return "", false
}

// String returns a string attribute value, used for metadata fields.
func (v AttributeValue) String() string {
	var s string
	if err := json.Unmarshal(v.Value, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// CommandMessage builds the moduleMsg body for a concrete action.
func CommandMessage(action model.Action) (string, any, bool) {
	switch action {
	case model.ActionOpen:
		return FieldDoorCommand, 1, true
	case model.ActionClose:
		return FieldDoorCommand, 0, true
	case model.ActionLightOn:
		return FieldLightState, true, true
	case model.ActionLightOff:
		return FieldLightState, false, true
	default:
		return "", nil, false
	}
}
