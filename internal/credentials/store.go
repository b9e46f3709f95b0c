// Package credentials holds the account secret and the session API key
// derived from it. The key is written only with results from an
// Authenticator and is read by the realtime session and the reconciler.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type KeyStatus string

const (
	KeyMissing     KeyStatus = "missing"
	KeyUntrusted   KeyStatus = "untrusted"
	KeyValid       KeyStatus = "valid"
	KeyNeedsReauth KeyStatus = "needs_reauth"
)

// ErrNoAuthenticator is returned when a key is needed but nothing can mint one.
var ErrNoAuthenticator = errors.New("credentials: no authenticator configured")

// Credential is a point-in-time copy of the store.
type Credential struct {
	Account    string
	Secret     string
	APIKey     string
	ObtainedAt time.Time
	Status     KeyStatus
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{Account:%s Status:%s}", c.Account, c.Status)
}

// LogValue keeps the secret and key out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("account", c.Account),
		slog.String("status", string(c.Status)),
		slog.Time("obtained_at", c.ObtainedAt),
	)
}

// Authenticator exchanges account credentials for an API key.
type Authenticator interface {
	Authenticate(ctx context.Context, cred Credential) (string, error)
}

// rejection is implemented by authenticator errors that can tell a refused
// account apart from a transient failure.
type rejection interface {
	CredentialsRejected() bool
}

// Rejected reports whether err says the account credentials were refused.
func Rejected(err error) bool {
	var r rejection
	return errors.As(err, &r) && r.CredentialsRejected()
}

// KeyCache persists the most recent API key.
type KeyCache interface {
	SaveAPIKey(ctx context.Context, account, key string, obtainedAt time.Time) error
}

type Store struct {
	auth   Authenticator
	logger *slog.Logger
	now    func() time.Time

	refreshMu sync.Mutex

	mu    sync.RWMutex
	cred  Credential
	cache KeyCache
}

func NewStore(account, secret string, auth Authenticator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		auth:   auth,
		logger: logger.With("component", "credentials"),
		now:    func() time.Time { return time.Now().UTC() },
		cred: Credential{
			Account: strings.TrimSpace(account),
			Secret:  secret,
			Status:  KeyMissing,
		},
	}
}

// SetCache enables persistence of freshly minted keys.
func (s *Store) SetCache(cache KeyCache) {
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
}

// Seed installs a previously cached key. It stays untrusted until the first
// authenticated exchange succeeds with it.
func (s *Store) Seed(key string, obtainedAt time.Time) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred.APIKey = key
	s.cred.ObtainedAt = obtainedAt.UTC()
	s.cred.Status = KeyUntrusted
}

func (s *Store) Snapshot() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

func (s *Store) Account() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.Account
}

func (s *Store) Status() KeyStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.Status
}

// APIKey returns the current key if it may be used.
func (s *Store) APIKey() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usableLocked()
}

func (s *Store) usableLocked() (string, bool) {
	switch s.cred.Status {
	case KeyValid, KeyUntrusted:
		return s.cred.APIKey, s.cred.APIKey != ""
	default:
		return "", false
	}
}

// NeedsAuth reports whether EnsureKey would call the authenticator.
func (s *Store) NeedsAuth() bool {
	_, ok := s.APIKey()
	return !ok
}

// Invalidate marks key as rejected. A key that was already replaced is left
// alone so a late rejection of an old key cannot discard a fresh one.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key != "" && key != s.cred.APIKey {
		return
	}
	if s.cred.Status == KeyNeedsReauth {
		return
	}
	s.cred.Status = KeyNeedsReauth
	s.logger.Info("api key invalidated", "account", s.cred.Account)
}

// MarkTrusted records that key was accepted by the cloud.
func (s *Store) MarkTrusted(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" || key != s.cred.APIKey || s.cred.Status != KeyUntrusted {
		return
	}
	s.cred.Status = KeyValid
}

// EnsureKey returns a usable key, authenticating first when there is none.
// Concurrent callers share a single authentication round trip.
func (s *Store) EnsureKey(ctx context.Context) (string, error) {
	if key, ok := s.APIKey(); ok {
		return key, nil
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if key, ok := s.APIKey(); ok {
		return key, nil
	}
	if s.auth == nil {
		return "", ErrNoAuthenticator
	}

	key, err := s.auth.Authenticate(ctx, s.Snapshot())
	if err != nil {
		if Rejected(err) {
			s.mu.Lock()
			s.cred.Status = KeyNeedsReauth
			s.mu.Unlock()
			s.logger.Error("account credentials rejected", "account", s.Account())
		}
		return "", err
	}
	obtainedAt := s.now()

	s.mu.Lock()
	s.cred.APIKey = key
	s.cred.ObtainedAt = obtainedAt
	s.cred.Status = KeyValid
	cache := s.cache
	account := s.cred.Account
	s.mu.Unlock()

	s.logger.Info("api key obtained", "account", account)
	if cache != nil {
		if err := cache.SaveAPIKey(ctx, account, key, obtainedAt); err != nil {
			s.logger.Warn("api key cache write failed", "err", err)
		}
	}
	return key, nil
}
