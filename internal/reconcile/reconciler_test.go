package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micro-ha/ryobi-gdo/addon/internal/cloud"
	"github.com/micro-ha/ryobi-gdo/addon/internal/credentials"
	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
	"github.com/micro-ha/ryobi-gdo/addon/internal/state"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeCloud struct {
	validKey  string
	snapshots []model.DeviceSnapshot
	details   map[string]model.DeviceSnapshot
	listKeys  []string
	fetches   []string
}

func (c *fakeCloud) ListDevices(_ context.Context, _ string, apiKey string) ([]model.DeviceSnapshot, error) {
	c.listKeys = append(c.listKeys, apiKey)
	if apiKey != c.validKey {
		return nil, &cloud.AuthError{Kind: cloud.KindExpiredKey, Op: "list devices", Status: 401}
	}
	return append([]model.DeviceSnapshot(nil), c.snapshots...), nil
}

func (c *fakeCloud) FetchDeviceState(_ context.Context, _ string, apiKey, id string) (model.DeviceSnapshot, error) {
	c.fetches = append(c.fetches, id)
	if apiKey != c.validKey {
		return model.DeviceSnapshot{}, &cloud.AuthError{Kind: cloud.KindExpiredKey, Op: "fetch device", Status: 401}
	}
	snap, ok := c.details[id]
	if !ok {
		return model.DeviceSnapshot{}, &cloud.AuthError{Kind: cloud.KindServerError, Op: "fetch device", Status: 404}
	}
	return snap, nil
}

type sequenceAuth struct {
	keys  []string
	calls int
}

func (a *sequenceAuth) Authenticate(context.Context, credentials.Credential) (string, error) {
	if a.calls >= len(a.keys) {
		return "", errors.New("no more keys")
	}
	key := a.keys[a.calls]
	a.calls++
	return key, nil
}

func door(id string, value model.DoorState, at int64) model.DeviceSnapshot {
	return model.DeviceSnapshot{
		ID:           id,
		Name:         "Door " + id,
		Capabilities: []model.Capability{model.CapabilityDoor},
		Ports:        map[model.Attribute]int{model.AttributeDoor: 7},
		State:        map[model.Attribute]model.Reading{model.AttributeDoor: {Value: string(value), At: time.Unix(at, 0).UTC()}},
	}
}

func TestBootstrapReturnsPresentDevices(t *testing.T) {
	fc := &fakeCloud{validKey: "k1", snapshots: []model.DeviceSnapshot{door("B", model.DoorOpen, 10), door("A", model.DoorClosed, 10)}}
	keys := credentials.NewStore("acct", "pw", &sequenceAuth{keys: []string{"k1"}}, discardLogger)
	store := state.New(discardLogger)
	r := New(fc, keys, store, discardLogger)

	ids, err := r.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, ids)

	device, ok := store.Device("B")
	require.True(t, ok)
	assert.Equal(t, model.DoorOpen, device.Door)
	assert.Equal(t, model.SourceBootstrap, device.LastSource)
}

func TestBootstrapReauthenticatesOnceOnExpiredKey(t *testing.T) {
	fc := &fakeCloud{validKey: "fresh", snapshots: []model.DeviceSnapshot{door("A", model.DoorClosed, 10)}}
	auth := &sequenceAuth{keys: []string{"fresh"}}
	keys := credentials.NewStore("acct", "pw", auth, discardLogger)
	keys.Seed("old", time.Now())
	r := New(fc, keys, state.New(discardLogger), discardLogger)

	ids, err := r.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids)
	assert.Equal(t, []string{"old", "fresh"}, fc.listKeys)
	assert.Equal(t, 1, auth.calls)
}

func TestBootstrapSecondExpiryFailsCycle(t *testing.T) {
	fc := &fakeCloud{validKey: "never"}
	auth := &sequenceAuth{keys: []string{"k2", "k3"}}
	keys := credentials.NewStore("acct", "pw", auth, discardLogger)
	keys.Seed("k1", time.Now())
	r := New(fc, keys, state.New(discardLogger), discardLogger)

	_, err := r.Bootstrap(context.Background())
	assert.ErrorIs(t, err, cloud.ErrExpiredKey)
	assert.Equal(t, []string{"k1", "k2"}, fc.listKeys)
	assert.Equal(t, 1, auth.calls)
}

func TestBootstrapFillsMissingPortsFromDetail(t *testing.T) {
	listed := model.DeviceSnapshot{ID: "A", Name: "Listed"}
	detail := door("A", model.DoorOpening, 20)
	detail.Name = ""
	fc := &fakeCloud{
		validKey:  "k",
		snapshots: []model.DeviceSnapshot{listed},
		details:   map[string]model.DeviceSnapshot{"A": detail},
	}
	keys := credentials.NewStore("acct", "pw", &sequenceAuth{keys: []string{"k"}}, discardLogger)
	store := state.New(discardLogger)
	r := New(fc, keys, store, discardLogger)

	_, err := r.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, fc.fetches)

	device, _ := store.Device("A")
	assert.Equal(t, "Listed", device.Name)
	assert.Equal(t, 7, device.Ports[model.AttributeDoor])
	assert.Equal(t, model.DoorOpening, device.Door)
}

func TestReconnectBootstrapKeepsMissingDevices(t *testing.T) {
	fc := &fakeCloud{validKey: "k", snapshots: []model.DeviceSnapshot{door("A", model.DoorClosed, 10), door("B", model.DoorClosed, 10)}}
	keys := credentials.NewStore("acct", "pw", &sequenceAuth{keys: []string{"k"}}, discardLogger)
	store := state.New(discardLogger)
	r := New(fc, keys, store, discardLogger)

	_, err := r.Bootstrap(context.Background())
	require.NoError(t, err)

	fc.snapshots = []model.DeviceSnapshot{door("B", model.DoorOpen, 20)}
	ids, err := r.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, ids)
	assert.Len(t, store.Devices(), 2)

	a, _ := store.Device("A")
	assert.True(t, a.Stale)
}

func TestRefreshDevice(t *testing.T) {
	fc := &fakeCloud{
		validKey:  "k",
		snapshots: []model.DeviceSnapshot{door("A", model.DoorClosed, 10)},
		details:   map[string]model.DeviceSnapshot{"A": door("A", model.DoorOpen, 30)},
	}
	keys := credentials.NewStore("acct", "pw", &sequenceAuth{keys: []string{"k"}}, discardLogger)
	store := state.New(discardLogger)
	r := New(fc, keys, store, discardLogger)
	_, err := r.Bootstrap(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.RefreshDevice(context.Background(), "A"))
	device, _ := store.Device("A")
	assert.Equal(t, model.DoorOpen, device.Door)

	err = r.RefreshDevice(context.Background(), "missing")
	assert.ErrorIs(t, err, state.ErrUnknownDevice)
}

func TestRefreshAllCollectsErrors(t *testing.T) {
	fc := &fakeCloud{
		validKey:  "k",
		snapshots: []model.DeviceSnapshot{door("A", model.DoorClosed, 10), door("B", model.DoorClosed, 10)},
		details:   map[string]model.DeviceSnapshot{"B": door("B", model.DoorOpen, 30)},
	}
	keys := credentials.NewStore("acct", "pw", &sequenceAuth{keys: []string{"k"}}, discardLogger)
	store := state.New(discardLogger)
	r := New(fc, keys, store, discardLogger)
	_, err := r.Bootstrap(context.Background())
	require.NoError(t, err)

	err = r.RefreshAll(context.Background())
	assert.ErrorIs(t, err, cloud.ErrServerError)
	b, _ := store.Device("B")
	assert.Equal(t, model.DoorOpen, b.Door)
}
