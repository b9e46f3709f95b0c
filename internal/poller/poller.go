package poller

import (
	"context"
	"log/slog"
	"time"
)

const defaultInterval = 5 * time.Minute

// Refresher re-reads device state over HTTP. An empty id means every active device.
type Refresher interface {
	Ready() bool
	Refresh(ctx context.Context, id string) error
}

// Poller complements realtime notifications with periodic HTTP refreshes.
// It only polls while the realtime session is READY, since bootstrap covers
// the reconnect path.
type Poller struct {
	target    Refresher
	interval  time.Duration
	refreshCh chan struct{}
	logger    *slog.Logger
}

func New(target Refresher, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{target: target, interval: interval, refreshCh: make(chan struct{}, 1), logger: logger.With("component", "poller")}
}

func (p *Poller) TriggerRefresh() {
	select {
	case p.refreshCh <- struct{}{}:
	default:
	}
}

func (p *Poller) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(p.interval)
		manual := false
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.refreshCh:
			timer.Stop()
			manual = true
		case <-timer.C:
		}
		if !p.target.Ready() {
			p.logger.Debug("poll skipped; realtime session not ready", "manual", manual)
			continue
		}
		if err := p.target.Refresh(ctx, ""); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("poll failed", "err", err)
		}
	}
}
