package calllog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNotFound is returned when the backend has no record for a call id.
var ErrNotFound = errors.New("call record not found")

// Record is a call history entry as the backend stores it. Statuses and
// directions are in the provider vocabulary; display shaping happens later.
type Record struct {
	CallID       string    `json:"call_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Direction    string    `json:"direction"`
	Status       string    `json:"status"`
	Duration     int       `json:"duration"`
	StartTime    time.Time `json:"start_time"`
	RecordingURL string    `json:"recording_url,omitempty"`
}

// envelope is the standard backend response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Backend is an HTTP client for the dialer backend's call log endpoints.
type Backend struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewBackend creates a call log backend client. baseURL is the backend
// endpoint (e.g. "https://dialer.example.com"); apiKey authenticates every
// request.
func NewBackend(baseURL, apiKey string) *Backend {
	return &Backend{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// List fetches the most recent call records, newest first.
func (b *Backend) List(ctx context.Context, limit int) ([]Record, error) {
	endpoint := b.baseURL + "/v1/call/logs"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}

	var records []Record
	if err := b.do(ctx, http.MethodGet, endpoint, nil, &records); err != nil {
		return nil, fmt.Errorf("calllog: listing records: %w", err)
	}
	return records, nil
}

// Delete removes a call record from the backend.
func (b *Backend) Delete(ctx context.Context, callID string) error {
	endpoint := b.baseURL + "/v1/call/logs/" + url.PathEscape(callID)
	if err := b.do(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("calllog: deleting record %s: %w", callID, err)
	}
	return nil
}

// updateRequest is the payload for POST /v1/call/update.
type updateRequest struct {
	CallID       string `json:"call_id"`
	Status       string `json:"status"`
	RecordingURL string `json:"recording_url,omitempty"`
}

// Update records a call's final status. The endpoint is idempotent on the
// backend; repeating an update for the same call id is harmless.
func (b *Backend) Update(ctx context.Context, callID, status, recordingURL string) error {
	body := updateRequest{CallID: callID, Status: status, RecordingURL: recordingURL}
	if err := b.do(ctx, http.MethodPost, b.baseURL+"/v1/call/update", body, nil); err != nil {
		return fmt.Errorf("calllog: updating record %s: %w", callID, err)
	}
	return nil
}

// statusResponse is the payload of GET /v1/call/status/{id}.
type statusResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// Status fetches the provider's current status for a single call. Used
// after teardown to replace an optimistic local status with the provider's
// settled one.
func (b *Backend) Status(ctx context.Context, callID string) (string, error) {
	endpoint := b.baseURL + "/v1/call/status/" + url.PathEscape(callID)
	var resp statusResponse
	if err := b.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return "", fmt.Errorf("calllog: fetching status for %s: %w", callID, err)
	}
	return resp.Status, nil
}

// do performs one backend request and decodes the data envelope into out
// when out is non-nil.
func (b *Backend) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return fmt.Errorf("backend error (status %d): %s", resp.StatusCode, env.Error)
		}
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}
