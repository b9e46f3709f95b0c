// Package state caches device state and arbitrates between observations
// from bootstrap fetches, realtime notifications and command acknowledgements.
//
// Every attribute keeps the (timestamp, source) of the observation that set
// it. An incoming observation wins only if its timestamp is newer, or equal
// with a more trusted source (BOOTSTRAP < REALTIME < COMMAND_ACK). Devices are
// created by Bootstrap and never removed.
package state

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
)

var (
	ErrUnknownDevice = errors.New("state: unknown device")
	ErrInvalidValue  = errors.New("state: invalid attribute value")
	ErrInvalidSource = errors.New("state: invalid source")
)

type Store struct {
	logger *slog.Logger

	mu      sync.RWMutex
	devices map[string]*model.Device
	order   []string
	subs    map[*Subscription]struct{}
}

func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:  logger.With("component", "state"),
		devices: map[string]*model.Device{},
		subs:    map[*Subscription]struct{}{},
	}
}

// Devices returns copies of all known devices in first-seen order.
func (s *Store) Devices() []model.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Device, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.devices[id].Clone())
	}
	return out
}

func (s *Store) Device(id string) (model.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[id]
	if !ok {
		return model.Device{}, false
	}
	return device.Clone(), true
}

// Merge applies one observation and reports whether the observable value changed.
func (s *Store) Merge(deviceID string, attr model.Attribute, value string, at time.Time, source model.Source) (bool, error) {
	if !source.Valid() {
		return false, ErrInvalidSource
	}
	if !attr.ValidValue(value) {
		return false, ErrInvalidValue
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[deviceID]
	if !ok {
		return false, ErrUnknownDevice
	}
	changed, accepted := mergeLocked(device, attr, value, at, source)
	if !accepted {
		s.logger.Debug("observation discarded",
			"device_id", deviceID,
			"attribute", attr,
			"value", value,
			"source", source,
			"at", at,
		)
		return false, nil
	}
	if changed {
		s.publishLocked(Change{Kind: ChangeState, Attribute: attr, Device: device.Clone()})
	}
	return changed, nil
}

func mergeLocked(device *model.Device, attr model.Attribute, value string, at time.Time, source model.Source) (changed, accepted bool) {
	if device.Attributes == nil {
		device.Attributes = map[model.Attribute]model.AttributeState{}
	}
	current := device.Attributes[attr]
	if !current.SupersededBy(at, source) {
		return false, false
	}
	device.Attributes[attr] = model.AttributeState{Value: value, UpdatedAt: at, Source: source}

	previous := device.Value(attr)
	switch attr {
	case model.AttributeDoor:
		device.Door = model.DoorState(value)
	case model.AttributeLight:
		device.Light = model.LightState(value)
	}
	if !at.Before(device.LastUpdate) {
		device.LastUpdate = at
		device.LastSource = source
	}
	return previous != value, true
}

// BootstrapResult summarises one bootstrap pass.
type BootstrapResult struct {
	Created []string
	Updated []string
	Stale   []string
}

// Bootstrap reconciles the store with the account's device list. Devices not
// in snapshots are kept and marked stale.
func (s *Store) Bootstrap(snapshots []model.DeviceSnapshot) BootstrapResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result BootstrapResult
	present := make(map[string]bool, len(snapshots))
	for _, snap := range snapshots {
		if snap.ID == "" || present[snap.ID] {
			continue
		}
		present[snap.ID] = true

		device, exists := s.devices[snap.ID]
		if !exists {
			device = &model.Device{
				ID:    snap.ID,
				Door:  model.DoorUnknown,
				Light: model.LightUnknown,
			}
			s.devices[snap.ID] = device
			s.order = append(s.order, snap.ID)
			result.Created = append(result.Created, snap.ID)
		}

		observable := applyMetadata(device, snap)
		if device.Stale {
			device.Stale = false
			device.StaleReason = ""
			observable = true
		}
		for attr, reading := range snap.State {
			if !attr.ValidValue(reading.Value) {
				continue
			}
			if changed, _ := mergeLocked(device, attr, reading.Value, reading.At, model.SourceBootstrap); changed {
				observable = true
			}
		}
		if exists && observable {
			result.Updated = append(result.Updated, snap.ID)
		}
		if !exists || observable {
			s.publishLocked(Change{Kind: ChangeBootstrap, Device: device.Clone()})
		}
	}

	for _, id := range s.order {
		if present[id] {
			continue
		}
		device := s.devices[id]
		if device.Stale && device.StaleReason == model.StaleMissingFromAccount {
			continue
		}
		device.Stale = true
		device.StaleReason = model.StaleMissingFromAccount
		result.Stale = append(result.Stale, id)
		s.publishLocked(Change{Kind: ChangeStale, Device: device.Clone()})
	}

	s.logger.Info("bootstrap applied",
		"devices", len(present),
		"created", len(result.Created),
		"updated", len(result.Updated),
		"stale", len(result.Stale),
	)
	return result
}

func applyMetadata(device *model.Device, snap model.DeviceSnapshot) bool {
	changed := false
	if snap.Name != "" && snap.Name != device.Name {
		device.Name = snap.Name
		changed = true
	}
	if snap.Serial != "" && snap.Serial != device.Serial {
		device.Serial = snap.Serial
		changed = true
	}
	if snap.MAC != "" && snap.MAC != device.MAC {
		device.MAC = snap.MAC
		changed = true
	}
	if len(snap.Capabilities) > 0 && !sameCapabilities(device.Capabilities, snap.Capabilities) {
		device.Capabilities = model.SortCapabilities(snap.Capabilities)
		changed = true
	}
	if len(snap.Ports) > 0 {
		if device.Ports == nil {
			device.Ports = map[model.Attribute]int{}
		}
		for attr, port := range snap.Ports {
			device.Ports[attr] = port
		}
	}
	return changed
}

func sameCapabilities(a, b []model.Capability) bool {
	if len(a) != len(b) {
		return false
	}
	sorted := model.SortCapabilities(b)
	for i := range a {
		if a[i] != sorted[i] {
			return false
		}
	}
	return true
}

// MarkAllStale flags every device, typically after a prolonged disconnection.
// Returns how many devices changed.
func (s *Store) MarkAllStale(reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, id := range s.order {
		device := s.devices[id]
		if device.Stale {
			continue
		}
		device.Stale = true
		device.StaleReason = reason
		count++
		s.publishLocked(Change{Kind: ChangeStale, Device: device.Clone()})
	}
	if count > 0 {
		s.logger.Warn("devices marked stale", "reason", reason, "count", count)
	}
	return count
}

// ClearStale drops the stale flag set for reason. Devices stale for another
// reason keep it.
func (s *Store) ClearStale(reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, id := range s.order {
		device := s.devices[id]
		if !device.Stale || device.StaleReason != reason {
			continue
		}
		device.Stale = false
		device.StaleReason = ""
		count++
		s.publishLocked(Change{Kind: ChangeStale, Device: device.Clone()})
	}
	return count
}

// ActiveIDs lists devices present in the latest bootstrap, in first-seen order.
func (s *Store) ActiveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.order))
	for _, id := range s.order {
		if s.devices[id].StaleReason != model.StaleMissingFromAccount {
			out = append(out, id)
		}
	}
	return out
}
