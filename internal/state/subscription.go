package state

import (
	"sync"
	"sync/atomic"

	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
)

type ChangeKind string

const (
	ChangeState     ChangeKind = "state"
	ChangeBootstrap ChangeKind = "bootstrap"
	ChangeStale     ChangeKind = "stale"
)

// Change is delivered to subscribers whenever a device's observable state changes.
type Change struct {
	Kind      ChangeKind      `json:"kind"`
	Attribute model.Attribute `json:"attribute,omitempty"`
	Device    model.Device    `json:"device"`
}

const defaultSubscriptionBuffer = 64

// Subscription is a cancellable stream of changes. Slow readers lose the
// oldest undelivered change rather than stalling the store.
type Subscription struct {
	store   *Store
	ch      chan Change
	dropped atomic.Int64
	once    sync.Once
}

// Subscribe registers a new change stream with the given buffer size.
func (s *Store) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	sub := &Subscription{store: s, ch: make(chan Change, buffer)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// C returns the receive side. It is closed by Close.
func (sub *Subscription) C() <-chan Change {
	return sub.ch
}

// Dropped counts changes discarded because the buffer was full.
func (sub *Subscription) Dropped() int64 {
	return sub.dropped.Load()
}

func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.subs, sub)
		close(sub.ch)
		sub.store.mu.Unlock()
	})
}

// publishLocked must be called with s.mu held for writing.
func (s *Store) publishLocked(change Change) {
	for sub := range s.subs {
		select {
		case sub.ch <- change:
			continue
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- change:
		default:
			sub.dropped.Add(1)
		}
	}
}

// CloseSubscriptions ends every open stream. Used on shutdown.
func (s *Store) CloseSubscriptions() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
