package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micro-ha/ryobi-gdo/addon/internal/auth"
	"github.com/micro-ha/ryobi-gdo/addon/internal/credentials"
	"github.com/micro-ha/ryobi-gdo/addon/internal/dispatch"
	"github.com/micro-ha/ryobi-gdo/addon/internal/gdo"
	"github.com/micro-ha/ryobi-gdo/addon/internal/http/handlers"
	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
	"github.com/micro-ha/ryobi-gdo/addon/internal/realtime"
	"github.com/micro-ha/ryobi-gdo/addon/internal/state"
	"github.com/micro-ha/ryobi-gdo/addon/internal/storage"
)

const testSecret = "test-secret"

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubSender struct {
	mu    sync.Mutex
	ready bool
	sent  []realtime.Request
}

func (s *stubSender) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *stubSender) Send(req realtime.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return realtime.ErrNotReady
	}
	s.sent = append(s.sent, req)
	return nil
}

type stubClient struct {
	store      *state.Store
	dispatcher *dispatch.Dispatcher
	sender     *stubSender

	mu        sync.Mutex
	refreshed []string
	keyStatus credentials.KeyStatus
}

func (c *stubClient) Devices() []model.Device { return c.store.Devices() }

func (c *stubClient) Device(id string) (model.Device, error) {
	device, ok := c.store.Device(id)
	if !ok {
		return model.Device{}, gdo.ErrDeviceNotFound
	}
	return device, nil
}

func (c *stubClient) IssueCommand(id string, action model.Action) (*dispatch.Command, error) {
	return c.dispatcher.Issue(id, action)
}

func (c *stubClient) Subscribe(buffer int) *state.Subscription { return c.store.Subscribe(buffer) }

func (c *stubClient) SessionState() realtime.State {
	if c.sender.Ready() {
		return realtime.StateReady
	}
	return realtime.StateConnecting
}

func (c *stubClient) CredentialStatus() credentials.KeyStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keyStatus == "" {
		return credentials.KeyValid
	}
	return c.keyStatus
}

func (c *stubClient) CommandStats() (int, int) { return c.dispatcher.Stats() }

func (c *stubClient) Refresh(_ context.Context, id string) error {
	if id != "" {
		if _, ok := c.store.Device(id); !ok {
			return gdo.ErrDeviceNotFound
		}
	}
	c.mu.Lock()
	c.refreshed = append(c.refreshed, id)
	c.mu.Unlock()
	return nil
}

type testEnv struct {
	server  *httptest.Server
	client  *stubClient
	journal *storage.Repository
	token   string
}

func newTestEnv(t *testing.T, ready bool, timeout time.Duration) *testEnv {
	t.Helper()
	store := state.New(quietLogger)
	store.Bootstrap([]model.DeviceSnapshot{
		{
			ID:           "gdo-1",
			Name:         "Garage",
			Capabilities: []model.Capability{model.CapabilityDoor, model.CapabilityLight},
			Ports:        map[model.Attribute]int{model.AttributeDoor: 7, model.AttributeLight: 7},
			State: map[model.Attribute]model.Reading{
				model.AttributeDoor:  {Value: string(model.DoorClosed), At: time.Unix(100, 0).UTC()},
				model.AttributeLight: {Value: string(model.LightOff), At: time.Unix(100, 0).UTC()},
			},
		},
		{
			ID:           "gdo-2",
			Name:         "Shed",
			Capabilities: []model.Capability{model.CapabilityDoor},
			Ports:        map[model.Attribute]int{model.AttributeDoor: 3},
		},
	})

	journal, err := storage.New(context.Background(), filepath.Join(t.TempDir(), "api.db"), quietLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	sender := &stubSender{ready: ready}
	dispatcher := dispatch.New(dispatch.Config{Timeout: timeout}, sender, store, quietLogger)
	dispatcher.OnResult(func(cmd *dispatch.Command, result dispatch.Result) {
		_ = journal.RecordCommand(context.Background(), storage.CommandRecordOf(cmd, result))
	})
	t.Cleanup(dispatcher.Close)

	client := &stubClient{store: store, dispatcher: dispatcher, sender: sender}
	api := handlers.New(client, journal, nil, quietLogger, "")
	server := httptest.NewServer(NewRouter(api, testSecret))
	t.Cleanup(server.Close)

	token, err := auth.Mint(testSecret, "test", time.Hour, time.Now())
	require.NoError(t, err)
	return &testEnv{server: server, client: client, journal: journal, token: token}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func errorCode(payload map[string]any) string {
	errObj, _ := payload["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t, true, time.Second)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "READY", payload["session"])
	assert.Equal(t, true, payload["ready"])
	assert.EqualValues(t, 2, payload["devices"])
}

func TestHealthDegradesWhenAccountNeedsReauth(t *testing.T) {
	env := newTestEnv(t, false, time.Second)
	env.client.mu.Lock()
	env.client.keyStatus = credentials.KeyNeedsReauth
	env.client.mu.Unlock()

	resp, payload := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", payload["status"])
	assert.Equal(t, "needs_reauth", payload["credentials"])
	assert.Equal(t, false, payload["ready"])
}

func TestAPIRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t, true, time.Second)

	resp, err := http.Get(env.server.URL + "/api/devices")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/devices", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, payload := env.do(t, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items, _ := payload["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "gdo-1", first["id"])
	assert.Equal(t, "CLOSED", first["door"])
}

func TestGetDeviceNotFound(t *testing.T) {
	env := newTestEnv(t, true, time.Second)

	resp, payload := env.do(t, http.MethodGet, "/api/devices/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(payload))

	resp, payload = env.do(t, http.MethodGet, "/api/devices/gdo-2", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Shed", payload["name"])
}

func TestIssueCommandIsJournaledUntilAcked(t *testing.T) {
	env := newTestEnv(t, true, time.Second)

	resp, payload := env.do(t, http.MethodPost, "/api/devices/gdo-1/commands", `{"action":"open"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := payload["correlation_id"].(string)
	require.NotEmpty(t, id)

	resp, payload = env.do(t, http.MethodGet, "/api/commands/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SENT", payload["status"])
	assert.Equal(t, "OPEN", payload["action"])

	require.True(t, env.client.dispatcher.OnAck(id, ""))

	resp, payload = env.do(t, http.MethodGet, "/api/commands/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ACKED", payload["status"])
	assert.Equal(t, "OPENING", payload["state"])

	resp, payload = env.do(t, http.MethodGet, "/api/devices/gdo-1/commands?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items, _ := payload["items"].([]any)
	require.Len(t, items, 1)

	device, err := env.client.Device("gdo-1")
	require.NoError(t, err)
	assert.Equal(t, model.DoorOpening, device.Door)
}

func TestIssueCommandWaitReportsTimeout(t *testing.T) {
	env := newTestEnv(t, false, 50*time.Millisecond)

	resp, payload := env.do(t, http.MethodPost, "/api/devices/gdo-1/commands?wait=true", `{"action":"CLOSE"}`)
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "timed_out", errorCode(payload))

	id, _ := payload["correlation_id"].(string)
	rec, err := env.journal.GetCommand(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "TIMED_OUT", rec.Status)
}

func TestIssueCommandValidation(t *testing.T) {
	env := newTestEnv(t, true, time.Second)

	cases := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"bad json", "/api/devices/gdo-1/commands", `{`, http.StatusBadRequest, "invalid_payload"},
		{"unknown action", "/api/devices/gdo-1/commands", `{"action":"STOP"}`, http.StatusBadRequest, "invalid_action"},
		{"unknown device", "/api/devices/nope/commands", `{"action":"OPEN"}`, http.StatusNotFound, "device_unknown"},
		{"no light", "/api/devices/gdo-2/commands", `{"action":"LIGHT_ON"}`, http.StatusUnprocessableEntity, "unsupported"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, payload := env.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.code, errorCode(payload))
		})
	}
}

func TestRefreshRoutes(t *testing.T) {
	env := newTestEnv(t, true, time.Second)

	resp, _ := env.do(t, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/devices/gdo-2/refresh", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, payload := env.do(t, http.MethodPost, "/api/devices/missing/refresh", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(payload))

	env.client.mu.Lock()
	defer env.client.mu.Unlock()
	assert.Equal(t, []string{"", "gdo-2"}, env.client.refreshed)
}

func TestEventStreamSendsSnapshotThenChanges(t *testing.T) {
	env := newTestEnv(t, true, time.Second)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/events?access_token=" + env.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snapshot struct {
		Kind    string         `json:"kind"`
		Devices []model.Device `json:"devices"`
	}
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "snapshot", snapshot.Kind)
	assert.Len(t, snapshot.Devices, 2)

	changed, err := env.client.store.Merge("gdo-1", model.AttributeDoor, string(model.DoorOpen), time.Unix(200, 0).UTC(), model.SourceRealtime)
	require.NoError(t, err)
	require.True(t, changed)

	var change state.Change
	require.NoError(t, conn.ReadJSON(&change))
	assert.Equal(t, state.ChangeState, change.Kind)
	assert.Equal(t, model.AttributeDoor, change.Attribute)
	assert.Equal(t, model.DoorOpen, change.Device.Door)
}
