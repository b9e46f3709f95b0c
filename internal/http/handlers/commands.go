package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/micro-ha/ryobi-gdo/addon/internal/dispatch"
	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
	"github.com/micro-ha/ryobi-gdo/addon/internal/storage"
)

type commandInput struct {
	Action string `json:"action"`
}

// IssueCommand accepts {"action": "..."} and answers 202 with the correlation
// id. With ?wait=true it blocks until the command resolves or the request ends.
func (a *API) IssueCommand(w http.ResponseWriter, r *http.Request, deviceID string) {
	var payload commandInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	action, err := model.ParseAction(payload.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action", err.Error())
		return
	}

	cmd, err := a.client.IssueCommand(deviceID, action)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	rec := storage.CommandRecordOf(cmd, cmd.Result())
	a.record(r, rec)

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		writeJSON(w, http.StatusAccepted, map[string]any{"correlation_id": cmd.ID, "command": rec})
		return
	}

	result, err := cmd.Wait(r.Context())
	rec = storage.CommandRecordOf(cmd, result)
	if err != nil && !result.Status.Terminal() {
		// Request ended first; the command keeps running.
		writeJSON(w, http.StatusAccepted, map[string]any{"correlation_id": cmd.ID, "command": rec})
		return
	}
	a.record(r, rec)
	if err != nil {
		status, code := commandErrorStatus(err)
		writeJSON(w, status, map[string]any{
			"correlation_id": cmd.ID,
			"command":        rec,
			"error":          map[string]any{"code": code, "message": err.Error()},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"correlation_id": cmd.ID, "command": rec})
}

// GetCommand returns a journaled command by correlation id.
func (a *API) GetCommand(w http.ResponseWriter, r *http.Request, id string) {
	if a.journal == nil {
		writeError(w, http.StatusNotFound, "journal_disabled", "Command journal not configured")
		return
	}
	rec, err := a.journal.GetCommand(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Command not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListDeviceCommands returns the newest journaled commands for a device.
func (a *API) ListDeviceCommands(w http.ResponseWriter, r *http.Request, deviceID string) {
	if a.journal == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []storage.CommandRecord{}})
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = value
	}
	items, err := a.journal.ListCommands(r.Context(), deviceID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// record upserts rec; rows that are already resolved are left alone.
func (a *API) record(r *http.Request, rec storage.CommandRecord) {
	if a.journal == nil {
		return
	}
	if err := a.journal.RecordCommand(r.Context(), rec); err != nil {
		a.logger.Warn("journal command failed", "correlation_id", rec.ID, "err", err)
	}
}

func writeCommandError(w http.ResponseWriter, err error) {
	status, code := commandErrorStatus(err)
	writeError(w, status, code, err.Error())
}

func commandErrorStatus(err error) (int, string) {
	var cmdErr *dispatch.CommandError
	if !errors.As(err, &cmdErr) {
		return http.StatusInternalServerError, "command_failed"
	}
	code := strings.ToLower(string(cmdErr.Kind))
	switch cmdErr.Kind {
	case dispatch.KindDeviceUnknown:
		return http.StatusNotFound, code
	case dispatch.KindUnsupported:
		return http.StatusUnprocessableEntity, code
	case dispatch.KindNotReady, dispatch.KindQueueFull:
		return http.StatusServiceUnavailable, code
	case dispatch.KindTimedOut:
		return http.StatusGatewayTimeout, code
	case dispatch.KindRejected:
		return http.StatusBadGateway, code
	default:
		return http.StatusInternalServerError, code
	}
}
