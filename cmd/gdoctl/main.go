// Command gdoctl runs the opener client in the foreground with an
// interactive console.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/micro-ha/ryobi-gdo/addon/internal/app"
	"github.com/micro-ha/ryobi-gdo/addon/internal/config"
	"github.com/micro-ha/ryobi-gdo/addon/internal/console"
	"github.com/micro-ha/ryobi-gdo/addon/internal/logging"
)

func main() {
	logLevel := flag.String("log-level", "warn", "log level written to stderr")
	dbPath := flag.String("db", "", "database path (defaults to DB_PATH or the add-on path)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err, "(set RYOBI_USERNAME and RYOBI_PASSWORD)")
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelWarn
	}
	logger := logging.NewWithWriter(os.Stderr, level, "text")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	svc, err := app.Open(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer svc.Close()

	repl, err := console.New(svc.Client)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Client.Run(ctx) }()

	repl.Run(ctx, cancel)
	cancel()
	if err := <-done; err != nil {
		fmt.Fprintln(os.Stderr, "session:", err)
	}
}
