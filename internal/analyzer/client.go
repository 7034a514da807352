// Package analyzer calls the remote video analysis service. The service is
// opaque to ClipSight: it receives a fetchable video URL plus metadata and
// answers with a JSON document that is stored verbatim on the record.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request describes the video to analyze.
type Request struct {
	VideoID  string `json:"video_id"`
	VideoURL string `json:"video_url"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	Duration int    `json:"duration"`
}

// ErrInvalidPayload is returned when the service answers 2xx with something
// other than a JSON object.
var ErrInvalidPayload = errors.New("analyzer returned a non-object payload")

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analyzer returned %d: %s", e.Code, e.Body)
}

// Retryable reports whether a later attempt could succeed. Transport
// failures, timeouts, 429 and 5xx answers are retryable; 4xx answers and
// malformed payloads are not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrInvalidPayload) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code == http.StatusTooManyRequests || status.Code >= 500
	}
	return true
}

// Client posts analysis requests to the configured endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New returns a Client whose calls are bounded by timeout. Analyses take
// minutes, so timeout should be well above the generic HTTP timeout; zero
// leaves the call bounded only by the caller's context.
func New(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Analyze blocks until the service answers and returns its JSON payload.
func (c *Client) Analyze(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal analyze request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analyze request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call analyzer: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read analyzer response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, ErrInvalidPayload
	}
	return json.RawMessage(data), nil
}
