package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micro-ha/ryobi-gdo/addon/internal/credentials"
	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	client.sleepFn = func(ctx context.Context, wait time.Duration) error {
		_ = wait
		return ctx.Err()
	}
	return client
}

func TestAuthenticateReturnsAPIKey(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/login", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "user@example.com", r.PostForm.Get("username"))
		assert.Equal(t, "hunter2", r.PostForm.Get("password"))
		_, _ = io.WriteString(w, `{"result":{"auth":{"roles":[]},"metaData":{"wskAuthAttempts":[{"apiKey":"KEY-1","createdDate":"x"}]}}}`)
	}))

	key, err := client.Authenticate(context.Background(), credentials.Credential{Account: "user@example.com", Secret: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, "KEY-1", key)
}

func TestAuthenticateRejectedCredentials(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.Authenticate(context.Background(), credentials.Credential{Account: "user", Secret: "hunter2"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.NotContains(t, err.Error(), "hunter2")
	assert.EqualValues(t, 1, calls.Load(), "credential rejection must not be retried")
	assert.True(t, credentials.Rejected(err))
	assert.False(t, credentials.Rejected(&AuthError{Kind: KindServerError}))
}

func TestAuthenticateStringResultIsRejection(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"result":"Unauthorized"}`)
	}))

	_, err := client.Authenticate(context.Background(), credentials.Credential{Account: "user", Secret: "pw"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"result":{"metaData":{"wskAuthAttempts":[{"apiKey":"late"}]}}}`)
	}))

	key, err := client.Authenticate(context.Background(), credentials.Credential{Account: "user", Secret: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "late", key)
	assert.EqualValues(t, 3, calls.Load())
}

func TestAuthenticateServerErrorAfterRetries(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "boom")
	}))

	_, err := client.Authenticate(context.Background(), credentials.Credential{Account: "user", Secret: "pw"})
	require.ErrorIs(t, err, ErrServerError)
	assert.Contains(t, err.Error(), "status 500")
}

func TestNetworkErrorDoesNotLeakKey(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", &http.Client{Timeout: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	client.sleepFn = func(context.Context, time.Duration) error { return nil }

	_, err := client.ListDevices(context.Background(), "user", "SUPER-SECRET-KEY")
	require.ErrorIs(t, err, ErrNetwork)
	assert.NotContains(t, err.Error(), "SUPER-SECRET-KEY")
}

func TestListDevicesFiltersOpeners(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/devices", r.URL.Path)
		assert.Equal(t, "KEY", r.URL.Query().Get("apiKey"))
		_, _ = io.WriteString(w, `{"result":[
			{"varName":"gdo-1","metaData":{"name":"Left"},"deviceTypeIds":["gdoMasterUnit"],
			 "deviceTypeMap":{"garageDoor_7":{"at":{"doorState":{"value":0,"lastSet":100000}}}}},
			{"varName":"hub-1","metaData":{"name":"Hub"},"deviceTypeIds":["hub"]},
			{"varName":"gdo-2","metaData":{"name":"Right"},"deviceTypeIds":["gdoMasterUnit"]}
		]}`)
	}))

	devices, err := client.ListDevices(context.Background(), "user", "KEY")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "gdo-1", devices[0].ID)
	assert.Equal(t, string(model.DoorClosed), devices[0].State[model.AttributeDoor].Value)
	assert.Equal(t, time.UnixMilli(100000).UTC(), devices[0].State[model.AttributeDoor].At)
	assert.Equal(t, "gdo-2", devices[1].ID)
	assert.Equal(t, []model.Capability{model.CapabilityDoor}, devices[1].Capabilities)
}

func TestListDevicesExpiredKey(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "401", handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) }},
		{name: "string result", handler: func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"result":"Unauthorized"}`)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, tc.handler)
			_, err := client.ListDevices(context.Background(), "user", "old")
			require.ErrorIs(t, err, ErrExpiredKey)
			assert.Equal(t, KindExpiredKey, KindOf(err))
		})
	}
}

func TestFetchDeviceState(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/devices/gdo-1", r.URL.Path)
		_, _ = io.WriteString(w, `{"result":[{"varName":"gdo-1","metaData":{"name":"Left"},
			"deviceTypeMap":{"garageDoor_7":{"at":{"doorState":{"value":1,"lastSet":200000}}},
			"garageLight_7":{"at":{"lightState":{"value":true,"lastSet":200001}}}}}]}`)
	}))

	snap, err := client.FetchDeviceState(context.Background(), "user", "KEY", "gdo-1")
	require.NoError(t, err)
	assert.Equal(t, string(model.DoorOpen), snap.State[model.AttributeDoor].Value)
	assert.Equal(t, string(model.LightOn), snap.State[model.AttributeLight].Value)
	assert.Equal(t, 7, snap.Ports[model.AttributeLight])
}

func TestFetchWithoutKeyIsExpired(t *testing.T) {
	client := NewClient("http://unused.invalid", nil, nil)
	_, err := client.FetchDeviceState(context.Background(), "user", "", "gdo-1")
	require.ErrorIs(t, err, ErrExpiredKey)
}

func TestAuthErrorIsMatchesKindOnly(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &AuthError{Kind: KindNetwork, Op: "login", Err: errors.New("dial")})

	assert.ErrorIs(t, err, ErrNetwork)
	assert.NotErrorIs(t, err, ErrServerError)
	assert.True(t, strings.HasPrefix(err.Error(), "wrapped: cloud login: network"))
}
