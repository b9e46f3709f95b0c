package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/micro-ha/ryobi-gdo/addon/internal/dispatch"
)

var ErrNotFound = errors.New("not found")

const (
	journalRetention    = 30 * 24 * time.Hour
	defaultCommandLimit = 50

	// sortableTime keeps a fixed fraction width so stored timestamps order as strings.
	sortableTime = "2006-01-02T15:04:05.000000000Z07:00"
)

// SaveAPIKey implements credentials.KeyCache.
func (r *Repository) SaveAPIKey(ctx context.Context, account, key string, obtainedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (account, api_key, obtained_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			api_key=excluded.api_key,
			obtained_at=excluded.obtained_at`,
		strings.ToLower(strings.TrimSpace(account)),
		key,
		obtainedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// LoadAPIKey returns the cached key for account, or ErrNotFound.
func (r *Repository) LoadAPIKey(ctx context.Context, account string) (string, time.Time, error) {
	var key, obtainedAt string
	err := r.db.QueryRowContext(ctx, `SELECT api_key, obtained_at FROM credentials WHERE account = ?`,
		strings.ToLower(strings.TrimSpace(account))).Scan(&key, &obtainedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	ts, _ := time.Parse(time.RFC3339Nano, obtainedAt)
	return key, ts.UTC(), nil
}

// CommandRecord is one row of the command journal.
type CommandRecord struct {
	ID         string     `json:"id"`
	DeviceID   string     `json:"device_id"`
	Action     string     `json:"action"`
	SentAction string     `json:"sent_action"`
	Status     string     `json:"status"`
	State      string     `json:"state,omitempty"`
	Error      string     `json:"error,omitempty"`
	IssuedAt   time.Time  `json:"issued_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// CommandRecordOf converts a dispatched command and its current result.
func CommandRecordOf(cmd *dispatch.Command, result dispatch.Result) CommandRecord {
	rec := CommandRecord{
		ID:         cmd.ID,
		DeviceID:   cmd.DeviceID,
		Action:     string(cmd.Action),
		SentAction: string(cmd.Sent),
		Status:     string(result.Status),
		State:      result.State,
		IssuedAt:   cmd.IssuedAt.UTC(),
	}
	if result.Err != nil {
		rec.Error = result.Err.Error()
	}
	if !result.ResolvedAt.IsZero() {
		resolved := result.ResolvedAt.UTC()
		rec.ResolvedAt = &resolved
	}
	return rec
}

// RecordCommand upserts a journal row. A resolved row is never downgraded
// back to SENT.
func (r *Repository) RecordCommand(ctx context.Context, rec CommandRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO commands (id, device_id, action, sent_action, status, state, error, issued_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			state=excluded.state,
			error=excluded.error,
			resolved_at=excluded.resolved_at
		WHERE commands.resolved_at IS NULL`,
		rec.ID,
		rec.DeviceID,
		rec.Action,
		rec.SentAction,
		rec.Status,
		fromString(rec.State),
		fromString(rec.Error),
		rec.IssuedAt.UTC().Format(sortableTime),
		fromTimePtr(rec.ResolvedAt),
	)
	return err
}

func (r *Repository) GetCommand(ctx context.Context, id string) (CommandRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, device_id, action, sent_action, status, state, error, issued_at, resolved_at
		FROM commands WHERE id = ?`, id)
	rec, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CommandRecord{}, ErrNotFound
	}
	return rec, err
}

// ListCommands returns the newest commands for a device first.
func (r *Repository) ListCommands(ctx context.Context, deviceID string, limit int) ([]CommandRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultCommandLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, action, sent_action, status, state, error, issued_at, resolved_at
		FROM commands WHERE device_id = ?
		ORDER BY issued_at DESC, id DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []CommandRecord{}
	for rows.Next() {
		rec, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(row scanner) (CommandRecord, error) {
	var (
		rec          CommandRecord
		state, cause sql.NullString
		issuedAt     string
		resolvedAt   sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.DeviceID, &rec.Action, &rec.SentAction, &rec.Status, &state, &cause, &issuedAt, &resolvedAt); err != nil {
		return CommandRecord{}, err
	}
	rec.State = state.String
	rec.Error = cause.String
	if ts, err := time.Parse(time.RFC3339Nano, issuedAt); err == nil {
		rec.IssuedAt = ts.UTC()
	}
	rec.ResolvedAt = toTimePtr(resolvedAt)
	return rec, nil
}
