package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/micro-ha/ryobi-gdo/addon/internal/cloud"
	"github.com/micro-ha/ryobi-gdo/addon/internal/gdo"
	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
)

const refreshTimeout = 15 * time.Second

// ListDevices returns the cached device list, optionally filtered by
// ?stale=true|false.
func (a *API) ListDevices(w http.ResponseWriter, r *http.Request) {
	items := a.client.Devices()
	if raw := strings.TrimSpace(r.URL.Query().Get("stale")); raw != "" {
		want := strings.EqualFold(raw, "true")
		if !want && !strings.EqualFold(raw, "false") {
			writeError(w, http.StatusBadRequest, "invalid_stale_filter", "stale must be true or false")
			return
		}
		filtered := items[:0]
		for _, item := range items {
			if item.Stale == want {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if items == nil {
		items = []model.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetDevice returns one device by id.
func (a *API) GetDevice(w http.ResponseWriter, r *http.Request, id string) {
	device, err := a.client.Device(id)
	if errors.Is(err, gdo.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Device not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// Refresh schedules a full refresh through the poller, or runs it inline
// when no poller is configured.
func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	if a.poller != nil {
		a.poller.TriggerRefresh()
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
		return
	}
	a.refresh(w, r, "")
}

// RefreshDevice re-reads one device from the cloud HTTP API.
func (a *API) RefreshDevice(w http.ResponseWriter, r *http.Request, id string) {
	a.refresh(w, r, id)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request, id string) {
	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()
	err := a.client.Refresh(ctx, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, gdo.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Device not found")
	case errors.Is(err, cloud.ErrInvalidCredentials):
		writeError(w, http.StatusBadGateway, "invalid_credentials", err.Error())
	default:
		a.logger.Warn("refresh failed", "device_id", id, "err", err)
		writeError(w, http.StatusBadGateway, "refresh_failed", err.Error())
	}
}
