package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"kasirsync/internal/domain"
)

// HTTPBackend talks to the ledger server. It holds one device token and
// fetches a new one when the server says it expired.
type HTTPBackend struct {
	baseURL  string
	deviceID string
	secret   string
	client   *http.Client

	mu    sync.Mutex
	token string
}

func NewHTTPBackend(baseURL, deviceID, secret string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPBackend{
		baseURL:  strings.TrimRight(baseURL, "/"),
		deviceID: deviceID,
		secret:   secret,
		client:   client,
	}
}

type errorBody struct {
	Error    string                 `json:"error"`
	Conflict *domain.ConflictDetail `json:"conflict,omitempty"`
}

func (b *HTTPBackend) Submit(ctx context.Context, action domain.OfflineAction) (domain.SyncAck, error) {
	token, err := b.currentToken(ctx)
	if err != nil {
		return domain.SyncAck{}, err
	}
	body, err := json.Marshal(action)
	if err != nil {
		return domain.SyncAck{}, domain.Fatal("encode action", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/v1/sync/actions", bytes.NewReader(body))
	if err != nil {
		return domain.SyncAck{}, domain.Fatal("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", action.IdempotencyKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return domain.SyncAck{}, domain.Retryable("transport failure", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.SyncAck{}, domain.Retryable("read response", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ack domain.SyncAck
		if err := json.Unmarshal(raw, &ack); err != nil {
			return domain.SyncAck{}, domain.Retryable("decode acknowledgment", err)
		}
		return ack, nil
	}
	return domain.SyncAck{}, statusError(resp, raw)
}

// Refresh exchanges the device secret for a new token.
func (b *HTTPBackend) Refresh(ctx context.Context) error {
	if b.secret == "" {
		return domain.ErrNoRefresh
	}
	body, err := json.Marshal(map[string]string{"device_id": b.deviceID, "secret": b.secret})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/v1/auth/device-token", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("request device token: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request device token: status %d: %s", resp.StatusCode, messageOf(raw))
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode device token: %w", err)
	}
	if out.AccessToken == "" {
		return errors.New("device token response carried no token")
	}
	b.mu.Lock()
	b.token = out.AccessToken
	b.mu.Unlock()
	return nil
}

func (b *HTTPBackend) currentToken(ctx context.Context) (string, error) {
	b.mu.Lock()
	token := b.token
	b.mu.Unlock()
	if token != "" {
		return token, nil
	}
	if err := b.Refresh(ctx); err != nil {
		if errors.Is(err, domain.ErrNoRefresh) {
			return "", domain.Fatal("no device credentials configured", err)
		}
		return "", domain.Retryable("obtain device token", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token, nil
}

func statusError(resp *http.Response, raw []byte) *domain.SyncError {
	code := resp.StatusCode
	msg := messageOf(raw)
	switch {
	case code == http.StatusUnauthorized:
		se := domain.AuthExpired(msg)
		se.StatusCode = code
		return se
	case code == http.StatusConflict:
		var body errorBody
		if err := json.Unmarshal(raw, &body); err == nil && body.Conflict != nil {
			se := domain.Conflicted(*body.Conflict)
			se.StatusCode = code
			return se
		}
		return &domain.SyncError{Kind: domain.SyncConflict, StatusCode: code, Message: msg}
	case code == http.StatusTooEarly, code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return &domain.SyncError{
			Kind:       domain.SyncRetryable,
			StatusCode: code,
			Message:    msg,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	default:
		return &domain.SyncError{Kind: domain.SyncFatal, StatusCode: code, Message: msg}
	}
}

func messageOf(raw []byte) string {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

func retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
