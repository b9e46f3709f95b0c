package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Repository persists the API key cache and the command journal.
type Repository struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if logger == nil {
		logger = slog.Default()
	}
	repo := &Repository{db: db, logger: logger.With("component", "storage"), now: func() time.Time { return time.Now().UTC() }}
	if err := repo.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS credentials (
			account TEXT PRIMARY KEY,
			api_key TEXT NOT NULL,
			obtained_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			action TEXT NOT NULL,
			sent_action TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT,
			error TEXT,
			issued_at TEXT NOT NULL,
			resolved_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_device_issued ON commands(device_id, issued_at);`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return r.pruneCommands(ctx)
}

// pruneCommands keeps the journal bounded across restarts.
func (r *Repository) pruneCommands(ctx context.Context) error {
	cutoff := r.now().Add(-journalRetention).Format(sortableTime)
	res, err := r.db.ExecContext(ctx, `DELETE FROM commands WHERE issued_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("prune command journal: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		r.logger.Info("pruned command journal", "rows", rows)
	}
	return nil
}

func toTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromTimePtr(v *time.Time) any {
	if v == nil || v.IsZero() {
		return nil
	}
	return v.UTC().Format(sortableTime)
}

func fromString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
