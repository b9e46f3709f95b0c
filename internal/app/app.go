// Package app assembles the opener client and its storage from Config. The
// server and the console share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/micro-ha/ryobi-gdo/addon/internal/config"
	"github.com/micro-ha/ryobi-gdo/addon/internal/dispatch"
	"github.com/micro-ha/ryobi-gdo/addon/internal/gdo"
	"github.com/micro-ha/ryobi-gdo/addon/internal/realtime"
	"github.com/micro-ha/ryobi-gdo/addon/internal/storage"
)

type App struct {
	Client *gdo.Client
	Repo   *storage.Repository
}

// Open creates the database, seeds the cached API key and builds the client.
// Resolved commands are written to the journal.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := os.MkdirAll(cfg.DBDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	repo, err := storage.New(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	deps := gdo.Deps{
		Logger:     logger,
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
		KeyCache:   repo,
		OnCommandResult: func(cmd *dispatch.Command, result dispatch.Result) {
			if err := repo.RecordCommand(context.Background(), storage.CommandRecordOf(cmd, result)); err != nil {
				logger.Warn("journal command failed", "correlation_id", cmd.ID, "err", err)
			}
		},
	}
	key, obtainedAt, err := repo.LoadAPIKey(ctx, cfg.Username)
	switch {
	case err == nil:
		deps.CachedKey = key
		deps.CachedKeyAt = obtainedAt
	case !errors.Is(err, storage.ErrNotFound):
		logger.Warn("cached api key unreadable", "err", err)
	}

	client := gdo.New(ClientConfig(cfg), deps)
	return &App{Client: client, Repo: repo}, nil
}

// ClientConfig maps service configuration onto the client's.
func ClientConfig(cfg config.Config) gdo.Config {
	return gdo.Config{
		Account:  cfg.Username,
		Password: cfg.Password,
		CloudURL: cfg.CloudURL,
		Session: realtime.Config{
			URL:               cfg.RealtimeURL,
			Backoff:           cfg.Backoff,
			StableAfter:       cfg.StableAfter,
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			AuthTimeout:       cfg.AuthTimeout,
			SubscribeTimeout:  cfg.SubscribeTimeout,
		},
		Dispatch: dispatch.Config{
			Timeout:   cfg.CommandTimeout,
			QueueSize: cfg.CommandQueueSize,
		},
		StaleAfter: cfg.StaleAfter,
	}
}

func (a *App) Close() error {
	a.Client.Close()
	return a.Repo.Close()
}
