// Package cloud talks to the vendor's HTTP API: login for an API key, the
// account device list and per-device detail.
package cloud

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/micro-ha/ryobi-gdo/addon/internal/credentials"
	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
	"github.com/micro-ha/ryobi-gdo/addon/internal/tiwi"
)

const (
	DefaultBaseURL = "https://tti.tiwiconnect.com"

	defaultTimeout   = 10 * time.Second
	maxRetryAttempts = 3
	maxErrorBody     = 256
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	sleepFn    func(ctx context.Context, wait time.Duration) error
}

func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger.With("component", "cloud"),
		now:        func() time.Time { return time.Now().UTC() },
		sleepFn:    sleepContext,
	}
}

type envelope struct {
	Result json.RawMessage `json:"result"`
}

type loginResult struct {
	MetaData struct {
		WskAuthAttempts []struct {
			APIKey string `json:"apiKey"`
		} `json:"wskAuthAttempts"`
	} `json:"metaData"`
}

// Authenticate exchanges the account secret for an API key.
func (c *Client) Authenticate(ctx context.Context, cred credentials.Credential) (string, error) {
	const op = "login"
	if strings.TrimSpace(cred.Account) == "" || cred.Secret == "" {
		return "", &AuthError{Kind: KindInvalidCredentials, Op: op, Detail: "account or secret is empty"}
	}

	form := url.Values{}
	form.Set("username", cred.Account)
	form.Set("password", cred.Secret)

	var key string
	err := c.withRetry(ctx, op, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/login", strings.NewReader(form.Encode()))
		if err != nil {
			return &AuthError{Kind: KindNetwork, Op: op, Err: err}
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		result, err := c.do(req, op, KindInvalidCredentials)
		if err != nil {
			return err
		}
		if isStringResult(result) {
			return &AuthError{Kind: KindInvalidCredentials, Op: op, Detail: stringResult(result)}
		}
		var payload loginResult
		if err := json.Unmarshal(result, &payload); err != nil {
			return &AuthError{Kind: KindServerError, Op: op, Detail: "malformed login response"}
		}
		for _, attempt := range payload.MetaData.WskAuthAttempts {
			if strings.TrimSpace(attempt.APIKey) != "" {
				key = strings.TrimSpace(attempt.APIKey)
				return nil
			}
		}
		return &AuthError{Kind: KindServerError, Op: op, Detail: "login response carried no api key"}
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// ListDevices returns garage door openers on the account in server order.
func (c *Client) ListDevices(ctx context.Context, account, apiKey string) ([]model.DeviceSnapshot, error) {
	const op = "list devices"
	var snapshots []model.DeviceSnapshot
	err := c.withRetry(ctx, op, func() error {
		result, err := c.get(ctx, op, "/api/devices", account, apiKey)
		if err != nil {
			return err
		}
		var entries []tiwi.Device
		if err := json.Unmarshal(result, &entries); err != nil {
			return &AuthError{Kind: KindServerError, Op: op, Detail: "malformed device list"}
		}
		fetchedAt := c.now()
		snapshots = snapshots[:0]
		for _, entry := range entries {
			if strings.TrimSpace(entry.VarName) == "" || !entry.IsOpener() {
				continue
			}
			snapshots = append(snapshots, entry.Snapshot(fetchedAt))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("device list fetched", "count", len(snapshots))
	return snapshots, nil
}

// FetchDeviceState returns the detailed view of one device.
func (c *Client) FetchDeviceState(ctx context.Context, account, apiKey, deviceID string) (model.DeviceSnapshot, error) {
	const op = "fetch device"
	var snapshot model.DeviceSnapshot
	err := c.withRetry(ctx, op, func() error {
		result, err := c.get(ctx, op, "/api/devices/"+url.PathEscape(deviceID), account, apiKey)
		if err != nil {
			return err
		}
		var entries []tiwi.Device
		if err := json.Unmarshal(result, &entries); err != nil {
			var single tiwi.Device
			if err := json.Unmarshal(result, &single); err != nil {
				return &AuthError{Kind: KindServerError, Op: op, Detail: "malformed device detail"}
			}
			entries = []tiwi.Device{single}
		}
		if len(entries) == 0 {
			return &AuthError{Kind: KindServerError, Op: op, Detail: "empty device detail"}
		}
		entry := entries[0]
		if entry.VarName == "" {
			entry.VarName = deviceID
		}
		snapshot = entry.Snapshot(c.now())
		return nil
	})
	return snapshot, err
}

func (c *Client) get(ctx context.Context, op, path, account, apiKey string) (json.RawMessage, error) {
	if apiKey == "" {
		return nil, &AuthError{Kind: KindExpiredKey, Op: op, Detail: "no api key"}
	}
	query := url.Values{}
	query.Set("username", account)
	query.Set("apiKey", apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, &AuthError{Kind: KindNetwork, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	result, err := c.do(req, op, KindExpiredKey)
	if err != nil {
		return nil, err
	}
	if isStringResult(result) {
		return nil, &AuthError{Kind: KindExpiredKey, Op: op, Detail: stringResult(result)}
	}
	return result, nil
}

// do executes req and maps HTTP failures. rejected is the kind used for
// 400/401/403 answers.
func (c *Client) do(req *http.Request, op string, rejected AuthErrorKind) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Kind: rejected, Op: op, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusBadRequest && rejected == KindInvalidCredentials:
		return nil, &AuthError{Kind: rejected, Op: op, Status: resp.StatusCode}
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &AuthError{Kind: KindServerError, Op: op, Status: resp.StatusCode, Detail: strings.TrimSpace(string(body))}
	}

	var payload envelope
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &AuthError{Kind: KindServerError, Op: op, Detail: "malformed response body"}
	}
	if len(payload.Result) == 0 {
		return nil, &AuthError{Kind: KindServerError, Op: op, Detail: "response has no result"}
	}
	return payload.Result, nil
}

func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == maxRetryAttempts {
			break
		}
		c.logger.Debug("cloud request failed; retrying", "op", op, "attempt", attempt, "err", err)
		if err := c.sleepFn(ctx, time.Duration(attempt)*400*time.Millisecond); err != nil {
			return &AuthError{Kind: KindNetwork, Op: op, Err: err}
		}
	}
	return lastErr
}

func isStringResult(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, `"`)
}

func stringResult(raw json.RawMessage) string {
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
