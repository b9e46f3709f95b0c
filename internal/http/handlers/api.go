package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/micro-ha/ryobi-gdo/addon/internal/credentials"
	"github.com/micro-ha/ryobi-gdo/addon/internal/dispatch"
	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
	"github.com/micro-ha/ryobi-gdo/addon/internal/realtime"
	"github.com/micro-ha/ryobi-gdo/addon/internal/state"
	"github.com/micro-ha/ryobi-gdo/addon/internal/storage"
)

// Client is the part of the opener client the API drives.
type Client interface {
	Devices() []model.Device
	Device(id string) (model.Device, error)
	IssueCommand(id string, action model.Action) (*dispatch.Command, error)
	Subscribe(buffer int) *state.Subscription
	SessionState() realtime.State
	CredentialStatus() credentials.KeyStatus
	CommandStats() (pending, queued int)
	Refresh(ctx context.Context, id string) error
}

// Journal persists and reads back the command history.
type Journal interface {
	RecordCommand(ctx context.Context, rec storage.CommandRecord) error
	GetCommand(ctx context.Context, id string) (storage.CommandRecord, error)
	ListCommands(ctx context.Context, deviceID string, limit int) ([]storage.CommandRecord, error)
	Ping(ctx context.Context) error
}

// Poller triggers an asynchronous full refresh.
type Poller interface {
	TriggerRefresh()
}

// API groups HTTP handlers and dependencies.
type API struct {
	client    Client
	journal   Journal
	poller    Poller
	logger    *slog.Logger
	staticDir string
}

// New creates HTTP handlers with explicit dependencies. journal and poller may be nil.
func New(client Client, journal Journal, poller Poller, logger *slog.Logger, staticDir string) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		client:    client,
		journal:   journal,
		poller:    poller,
		logger:    logger,
		staticDir: staticDir,
	}
}

// Logger returns request logger used by HTTP middleware.
func (a *API) Logger() *slog.Logger {
	return a.logger
}

// Health reports session, credential and storage status. It answers 200
// even while the session is reconnecting; "ready" says whether commands
// go out immediately.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	sessionState := a.client.SessionState()
	pending, queued := a.client.CommandStats()
	payload := map[string]any{
		"status":      "ok",
		"session":     sessionState.String(),
		"ready":       sessionState == realtime.StateReady,
		"credentials": a.client.CredentialStatus(),
		"devices":     len(a.client.Devices()),
		"commands":    map[string]int{"pending": pending, "queued": queued},
	}
	if a.journal != nil {
		if err := a.journal.Ping(r.Context()); err != nil {
			payload["status"] = "degraded"
			payload["storage_error"] = err.Error()
		}
	}
	if a.client.CredentialStatus() == credentials.KeyNeedsReauth {
		payload["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, payload)
}

// Static serves frontend assets and SPA fallback.
func (a *API) Static(w http.ResponseWriter, r *http.Request) {
	if a.staticDir == "" {
		writeError(w, http.StatusNotFound, "frontend_missing", "Frontend dist not found")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		path = "index.html"
	}
	cleanPath := strings.TrimPrefix(filepath.Clean("/"+path), "/")
	fullPath := filepath.Join(a.staticDir, cleanPath)
	if info, err := os.Stat(fullPath); err == nil && !info.IsDir() {
		http.ServeFile(w, r, fullPath)
		return
	}
	http.ServeFile(w, r, filepath.Join(a.staticDir, "index.html"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
