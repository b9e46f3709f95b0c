package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeTarget struct {
	mu    sync.Mutex
	ready bool
	err   error
	calls chan string
}

func (f *fakeTarget) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTarget) Refresh(_ context.Context, id string) error {
	f.calls <- id
	return f.err
}

func TestTriggerRefreshPollsImmediately(t *testing.T) {
	target := &fakeTarget{ready: true, calls: make(chan string, 4), err: errors.New("boom")}
	p := New(target, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.TriggerRefresh()
	select {
	case id := <-target.calls:
		if id != "" {
			t.Fatalf("expected refresh of all devices, got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresh not triggered")
	}
}

func TestSkipsWhileNotReady(t *testing.T) {
	target := &fakeTarget{calls: make(chan string, 4)}
	p := New(target, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	if len(target.calls) != 0 {
		t.Fatalf("expected no refresh while not ready, got %d", len(target.calls))
	}
}

func TestTriggerDoesNotBlock(t *testing.T) {
	p := New(&fakeTarget{calls: make(chan string, 1)}, time.Hour, nil)
	for i := 0; i < 5; i++ {
		p.TriggerRefresh()
	}
	if len(p.refreshCh) != 1 {
		t.Fatalf("refresh channel should coalesce, got %d", len(p.refreshCh))
	}
}
