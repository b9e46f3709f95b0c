package credentials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	calls atomic.Int32
	keys  []string
	err   error
	delay time.Duration
}

func (f *fakeAuth) Authenticate(ctx context.Context, cred Credential) (string, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	if cred.Secret == "" {
		return "", errors.New("missing secret")
	}
	if int(n) <= len(f.keys) {
		return f.keys[n-1], nil
	}
	return fmt.Sprintf("key-%d", n), nil
}

type memoryCache struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memoryCache) SaveAPIKey(_ context.Context, account, key string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]string{}
	}
	m.keys[account] = key
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnsureKeyAuthenticatesOnce(t *testing.T) {
	auth := &fakeAuth{keys: []string{"abc"}}
	store := NewStore("user@example.com", "hunter2", auth, testLogger())

	key, err := store.EnsureKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", key)

	key, err = store.EnsureKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", key)
	assert.EqualValues(t, 1, auth.calls.Load())
	assert.Equal(t, KeyValid, store.Status())
}

func TestInvalidateForcesReauthentication(t *testing.T) {
	auth := &fakeAuth{keys: []string{"first", "second"}}
	store := NewStore("user", "secret", auth, testLogger())

	first, err := store.EnsureKey(context.Background())
	require.NoError(t, err)

	store.Invalidate(first)
	assert.True(t, store.NeedsAuth())
	assert.Equal(t, KeyNeedsReauth, store.Status())

	second, err := store.EnsureKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", second)
	assert.EqualValues(t, 2, auth.calls.Load())
}

func TestInvalidateIgnoresReplacedKey(t *testing.T) {
	auth := &fakeAuth{keys: []string{"fresh"}}
	store := NewStore("user", "secret", auth, testLogger())
	_, err := store.EnsureKey(context.Background())
	require.NoError(t, err)

	store.Invalidate("stale")

	key, ok := store.APIKey()
	assert.True(t, ok)
	assert.Equal(t, "fresh", key)
}

func TestSeededKeyIsUntrustedUntilConfirmed(t *testing.T) {
	auth := &fakeAuth{}
	store := NewStore("user", "secret", auth, testLogger())
	store.Seed("cached", time.Now())

	key, err := store.EnsureKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached", key)
	assert.Equal(t, KeyUntrusted, store.Status())
	assert.Zero(t, auth.calls.Load())

	store.MarkTrusted("cached")
	assert.Equal(t, KeyValid, store.Status())
}

func TestEnsureKeyPropagatesAuthError(t *testing.T) {
	wantErr := errors.New("rejected")
	store := NewStore("user", "secret", &fakeAuth{err: wantErr}, testLogger())

	_, err := store.EnsureKey(context.Background())
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, KeyMissing, store.Status())
}

type refusedError struct{}

func (refusedError) Error() string             { return "account refused" }
func (refusedError) CredentialsRejected() bool { return true }

func TestRejectedAccountNeedsReauth(t *testing.T) {
	store := NewStore("user", "secret", &fakeAuth{err: fmt.Errorf("login: %w", refusedError{})}, testLogger())

	_, err := store.EnsureKey(context.Background())
	require.Error(t, err)
	assert.True(t, Rejected(err))
	assert.Equal(t, KeyNeedsReauth, store.Status())
	assert.True(t, store.NeedsAuth())
}

func TestConcurrentEnsureKeySharesRoundTrip(t *testing.T) {
	auth := &fakeAuth{keys: []string{"shared"}, delay: 20 * time.Millisecond}
	store := NewStore("user", "secret", auth, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := store.EnsureKey(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "shared", key)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, auth.calls.Load())
}

func TestFreshKeyIsCached(t *testing.T) {
	cache := &memoryCache{}
	store := NewStore("user", "secret", &fakeAuth{keys: []string{"persist-me"}}, testLogger())
	store.SetCache(cache)

	_, err := store.EnsureKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "persist-me", cache.keys["user"])
}

func TestCredentialFormattingHidesSecret(t *testing.T) {
	cred := Credential{Account: "user", Secret: "hunter2", APIKey: "k-123", Status: KeyValid}

	assert.NotContains(t, cred.String(), "hunter2")
	assert.NotContains(t, fmt.Sprintf("%v", cred), "hunter2")
	assert.NotContains(t, cred.LogValue().String(), "hunter2")
	assert.NotContains(t, cred.LogValue().String(), "k-123")
}
