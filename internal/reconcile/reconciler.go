// Package reconcile pulls device lists and state from the cloud HTTP API
// into the state store. It runs on every realtime (re)authentication and on
// demand for targeted refreshes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/micro-ha/ryobi-gdo/addon/internal/cloud"
	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
	"github.com/micro-ha/ryobi-gdo/addon/internal/state"
)

// Cloud is the subset of the HTTP client the reconciler needs.
type Cloud interface {
	ListDevices(ctx context.Context, account, apiKey string) ([]model.DeviceSnapshot, error)
	FetchDeviceState(ctx context.Context, account, apiKey, deviceID string) (model.DeviceSnapshot, error)
}

// Keys supplies the API key for HTTP calls.
type Keys interface {
	Account() string
	EnsureKey(ctx context.Context) (string, error)
	Invalidate(key string)
}

type Reconciler struct {
	cloud  Cloud
	keys   Keys
	store  *state.Store
	logger *slog.Logger
}

func New(client Cloud, keys Keys, store *state.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		cloud:  client,
		keys:   keys,
		store:  store,
		logger: logger.With("component", "reconcile"),
	}
}

// Bootstrap lists the account's devices, applies them to the store and
// returns the ids present in this bootstrap, in server order.
func (r *Reconciler) Bootstrap(ctx context.Context) ([]string, error) {
	var snapshots []model.DeviceSnapshot
	err := r.withKey(ctx, "list devices", func(key string) error {
		var err error
		snapshots, err = r.cloud.ListDevices(ctx, r.keys.Account(), key)
		return err
	})
	if err != nil {
		return nil, err
	}

	for i, snap := range snapshots {
		if len(snap.Ports) > 0 {
			continue
		}
		// The list endpoint may omit module maps; the detail endpoint has them.
		var detail model.DeviceSnapshot
		err := r.withKey(ctx, "fetch device", func(key string) error {
			var err error
			detail, err = r.cloud.FetchDeviceState(ctx, r.keys.Account(), key, snap.ID)
			return err
		})
		if err != nil {
			r.logger.Warn("device detail unavailable", "device_id", snap.ID, "err", err)
			continue
		}
		snapshots[i] = mergeSnapshot(snap, detail)
	}

	result := r.store.Bootstrap(snapshots)
	ids := make([]string, 0, len(snapshots))
	seen := make(map[string]bool, len(snapshots))
	for _, snap := range snapshots {
		if snap.ID == "" || seen[snap.ID] {
			continue
		}
		seen[snap.ID] = true
		ids = append(ids, snap.ID)
	}
	if len(result.Stale) > 0 {
		r.logger.Warn("devices missing from account", "device_ids", result.Stale)
	}
	return ids, nil
}

// RefreshDevice re-reads one device with bootstrap trust.
func (r *Reconciler) RefreshDevice(ctx context.Context, deviceID string) error {
	if _, ok := r.store.Device(deviceID); !ok {
		return fmt.Errorf("refresh %s: %w", deviceID, state.ErrUnknownDevice)
	}
	var snap model.DeviceSnapshot
	err := r.withKey(ctx, "fetch device", func(key string) error {
		var err error
		snap, err = r.cloud.FetchDeviceState(ctx, r.keys.Account(), key, deviceID)
		return err
	})
	if err != nil {
		return err
	}
	snap.ID = deviceID
	changed := 0
	for attr, reading := range snap.State {
		if !attr.ValidValue(reading.Value) {
			continue
		}
		ok, err := r.store.Merge(deviceID, attr, reading.Value, reading.At, model.SourceBootstrap)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", deviceID, err)
		}
		if ok {
			changed++
		}
	}
	r.logger.Debug("device refreshed", "device_id", deviceID, "changed", changed)
	return nil
}

// RefreshAll refreshes every device present in the latest bootstrap and
// returns the first error after attempting all of them.
func (r *Reconciler) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, id := range r.store.ActiveIDs() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.RefreshDevice(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// withKey runs fn with the current API key. An expired key is invalidated
// and replaced once; a second failure ends this attempt.
func (r *Reconciler) withKey(ctx context.Context, op string, fn func(key string) error) error {
	key, err := r.keys.EnsureKey(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err = fn(key)
	if !errors.Is(err, cloud.ErrExpiredKey) {
		return err
	}
	r.logger.Info("api key expired; re-authenticating", "op", op)
	r.keys.Invalidate(key)
	key, err = r.keys.EnsureKey(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := fn(key); err != nil {
		if errors.Is(err, cloud.ErrExpiredKey) {
			r.keys.Invalidate(key)
		}
		return err
	}
	return nil
}

func mergeSnapshot(base, detail model.DeviceSnapshot) model.DeviceSnapshot {
	out := detail
	out.ID = base.ID
	if out.Name == "" {
		out.Name = base.Name
	}
	if out.Serial == "" {
		out.Serial = base.Serial
	}
	if out.MAC == "" {
		out.MAC = base.MAC
	}
	if len(out.Capabilities) == 0 {
		out.Capabilities = base.Capabilities
	}
	if len(out.State) == 0 {
		out.State = base.State
	}
	return out
}
