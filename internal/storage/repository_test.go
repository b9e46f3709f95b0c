package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestAPIKeyRoundTrip(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if _, _, err := repo.LoadAPIKey(ctx, "user@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	obtained := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := repo.SaveAPIKey(ctx, "User@Example.com ", "k1", obtained); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.SaveAPIKey(ctx, "user@example.com", "k2", obtained.Add(time.Hour)); err != nil {
		t.Fatalf("save again: %v", err)
	}

	key, at, err := repo.LoadAPIKey(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if key != "k2" || !at.Equal(obtained.Add(time.Hour)) {
		t.Fatalf("unexpected cached key %q at %v", key, at)
	}
}

func TestCommandJournalKeepsResolvedRows(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	issued := time.Now().UTC().Add(-time.Minute)
	resolved := issued.Add(2 * time.Second)

	sent := CommandRecord{ID: "c1", DeviceID: "gdo-1", Action: "OPEN", SentAction: "OPEN", Status: "SENT", IssuedAt: issued}
	acked := sent
	acked.Status = "ACKED"
	acked.State = "OPENING"
	acked.ResolvedAt = &resolved

	for _, rec := range []CommandRecord{sent, acked, sent} {
		if err := repo.RecordCommand(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := repo.GetCommand(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "ACKED" || got.State != "OPENING" {
		t.Fatalf("resolved row was downgraded: %+v", got)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolved) {
		t.Fatalf("unexpected resolved_at %v", got.ResolvedAt)
	}

	if _, err := repo.GetCommand(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListCommandsNewestFirst(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, id := range []string{"a", "b", "c"} {
		rec := CommandRecord{ID: id, DeviceID: "gdo-1", Action: "CLOSE", SentAction: "CLOSE", Status: "SENT", IssuedAt: base.Add(time.Duration(i) * time.Second)}
		if err := repo.RecordCommand(ctx, rec); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	if err := repo.RecordCommand(ctx, CommandRecord{ID: "other", DeviceID: "gdo-2", Action: "OPEN", SentAction: "OPEN", Status: "SENT", IssuedAt: base}); err != nil {
		t.Fatalf("record other: %v", err)
	}

	items, err := repo.ListCommands(ctx, "gdo-1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != "c" || items[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", items)
	}
}

func TestPruneDropsOldCommands(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	old := CommandRecord{ID: "old", DeviceID: "gdo-1", Action: "OPEN", SentAction: "OPEN", Status: "SENT", IssuedAt: time.Now().UTC().Add(-60 * 24 * time.Hour)}
	if err := repo.RecordCommand(ctx, old); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := repo.pruneCommands(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := repo.GetCommand(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old command pruned, got %v", err)
	}
	if err := repo.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
