package tiwi

import (
	"sort"
	"strings"
	"time"

	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
)

type Module struct {
	At map[string]AttributeValue `json:"at"`
}

type MetaData struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	SerialNumber string `json:"serialNumber"`
	MACAddress   string `json:"macAddress"`
}

// Device is one entry of the /api/devices family of responses.
type Device struct {
	VarName       string            `json:"varName"`
	MetaData      MetaData          `json:"metaData"`
	DeviceTypeIDs []string          `json:"deviceTypeIds"`
	DeviceTypeMap map[string]Module `json:"deviceTypeMap"`
}

// IsOpener reports whether the entry is a garage door opener master unit.
func (d Device) IsOpener() bool {
	for _, id := range d.DeviceTypeIDs {
		if id == MasterUnitTypeID {
			return true
		}
	}
	for key := range d.DeviceTypeMap {
		module, _, _ := SplitModuleKey(key)
		if module == ModuleGarageDoor || module == ModuleGarageLight {
			return true
		}
	}
	return false
}

// Snapshot converts the entry. Readings without lastSet are stamped with fetchedAt.
func (d Device) Snapshot(fetchedAt time.Time) model.DeviceSnapshot {
	snap := model.DeviceSnapshot{
		ID:     strings.TrimSpace(d.VarName),
		Name:   strings.TrimSpace(d.MetaData.Name),
		Serial: strings.TrimSpace(d.MetaData.SerialNumber),
		MAC:    strings.ToUpper(strings.TrimSpace(d.MetaData.MACAddress)),
		Ports:  map[model.Attribute]int{},
		State:  map[model.Attribute]model.Reading{},
	}
	if snap.Name == "" {
		snap.Name = strings.TrimSpace(d.MetaData.Description)
	}

	keys := make([]string, 0, len(d.DeviceTypeMap))
	for key := range d.DeviceTypeMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	capabilities := map[model.Capability]bool{}
	for _, key := range keys {
		module, port, ok := SplitModuleKey(key)
		entry := d.DeviceTypeMap[key]
		switch module {
		case ModuleMasterUnit:
			if snap.Serial == "" {
				snap.Serial = entry.At[FieldSerialNumber].String()
			}
			continue
		case ModuleWifi:
			if snap.MAC == "" {
				snap.MAC = strings.ToUpper(entry.At[FieldMACAddress].String())
			}
			continue
		}
		attr, field, tracked := moduleAttribute(module)
		if !ok || !tracked {
			continue
		}
		if _, seen := snap.Ports[attr]; seen {
			continue
		}
		capabilities[attr.Capability()] = true
		snap.Ports[attr] = port
		value, present := entry.At[field]
		if !present {
			continue
		}
		decoded, valid := value.Decode(attr)
		if !valid {
			continue
		}
		at, hasTS := value.Timestamp()
		if !hasTS {
			at = fetchedAt
		}
		snap.State[attr] = model.Reading{Value: decoded, At: at}
	}
	if len(capabilities) == 0 && d.IsOpener() {
		capabilities[model.CapabilityDoor] = true
	}
	for capability := range capabilities {
		snap.Capabilities = append(snap.Capabilities, capability)
	}
	snap.Capabilities = model.SortCapabilities(snap.Capabilities)
	return snap
}

func moduleAttribute(module string) (model.Attribute, string, bool) {
	switch module {
	case ModuleGarageDoor:
		return model.AttributeDoor, FieldDoorState, true
	case ModuleGarageLight:
		return model.AttributeLight, FieldLightState, true
	default:
		return "", "", false
	}
}
