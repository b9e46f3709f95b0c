package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/micro-ha/ryobi-gdo/addon/internal/adapters/influx"
	"github.com/micro-ha/ryobi-gdo/addon/internal/adapters/mqtt"
	"github.com/micro-ha/ryobi-gdo/addon/internal/app"
	"github.com/micro-ha/ryobi-gdo/addon/internal/cloud"
	"github.com/micro-ha/ryobi-gdo/addon/internal/config"
	httpapi "github.com/micro-ha/ryobi-gdo/addon/internal/http"
	"github.com/micro-ha/ryobi-gdo/addon/internal/http/handlers"
	"github.com/micro-ha/ryobi-gdo/addon/internal/logging"
	"github.com/micro-ha/ryobi-gdo/addon/internal/poller"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	svc, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "err", err)
		os.Exit(1)
	}
	defer svc.Close()

	client := svc.Client
	refresher := poller.New(client, cfg.PollInterval, logger)

	if cfg.APITokenSecret == "" {
		logger.Warn("API_TOKEN_SECRET is empty; local API is unauthenticated")
	}
	api := handlers.New(client, svc.Repo, refresher, logger, cfg.StaticDir)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(api, cfg.APITokenSecret),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := client.Run(groupCtx)
		if errors.Is(err, cloud.ErrInvalidCredentials) {
			// Keep serving the API so the failure stays visible in /healthz.
			logger.Error("realtime session stopped: credentials rejected", "err", err)
			return nil
		}
		return err
	})
	group.Go(func() error {
		refresher.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		logger.Info("server starting", "addr", httpServer.Addr)
		return httpapi.RunServer(groupCtx, httpServer)
	})

	if cfg.MQTT.Enabled() {
		bridge := mqtt.New(mqtt.Config{
			Broker:          cfg.MQTT.Broker,
			ClientID:        cfg.MQTT.ClientID,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			TopicPrefix:     cfg.MQTT.TopicPrefix,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		}, client, logger)
		group.Go(func() error {
			if err := bridge.Run(groupCtx); err != nil {
				logger.Error("mqtt bridge stopped", "err", err)
			}
			return nil
		})
	}

	if cfg.Influx.Enabled() {
		recorder, err := influx.Connect(ctx, influx.Config{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}, logger)
		if err != nil {
			logger.Warn("state history disabled", "err", err)
		} else {
			group.Go(func() error {
				return recorder.Run(groupCtx, client)
			})
		}
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated with error", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
