// Package client is the HTTP client of the ClipSight API. It implements the
// pipeline collaborator interfaces so the CLI can drive uploads, polling and
// chat against a remote server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dharsanguruparan/ClipSight/internal/model"
)

const codeVersionConflict = "VERSION_CONFLICT"

// APIError is a non-2xx answer. Message is the server's error text and is
// what callers show to users.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("clipsight api returned %d", e.Status)
	}
	return e.Message
}

// Unwrap maps status codes onto the model sentinels.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return model.ErrNotFound
	case http.StatusConflict:
		if e.Code == codeVersionConflict {
			return model.ErrVersionConflict
		}
	}
	return nil
}

// Client talks to one ClipSight API base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// uploads get their own client without a total timeout; large files are
	// bounded by the caller's context instead.
	uploadClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		uploadClient: &http.Client{},
	}
}

func (c *Client) analysisPath(id string, suffix string) string {
	return c.baseURL + "/api/v1/analyses/" + url.PathEscape(id) + suffix
}

// CreateRecord registers a new video.
func (c *Client) CreateRecord(ctx context.Context, fileName string, sizeBytes int64, durationSeconds int) (*model.AnalysisRecord, error) {
	var rec model.AnalysisRecord
	body := map[string]any{"file_name": fileName, "file_size": sizeBytes, "duration": durationSeconds}
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/api/v1/analyses", body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UploadBlob streams the video bytes and returns the stored object's URL.
func (c *Client) UploadBlob(ctx context.Context, recordID, fileName string, r io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.analysisPath(recordID, "/video"), r)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", ContentTypeFor(fileName))
	req.Header.Set("X-File-Name", fileName)
	var out struct {
		URL string `json:"url"`
	}
	if err := c.send(c.uploadClient, req, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// ContentTypeFor maps a video file name to the type declared on upload.
// Unknown extensions are declared as application/octet-stream.
func ContentTypeFor(fileName string) string {
	switch strings.ToLower(path.Ext(fileName)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	}
	return "application/octet-stream"
}

// SetRecordURL stores the blob URL on the record.
func (c *Client) SetRecordURL(ctx context.Context, recordID, videoURL string) error {
	return c.doJSON(ctx, http.MethodPatch, c.analysisPath(recordID, "/video-url"), map[string]string{"video_url": videoURL}, nil)
}

// TriggerAnalysis asks the server to start the analysis. It returns once the
// request is accepted.
func (c *Client) TriggerAnalysis(ctx context.Context, recordID, fileName string, sizeBytes int64) error {
	body := map[string]any{"file_name": fileName, "file_size": sizeBytes}
	return c.doJSON(ctx, http.MethodPost, c.analysisPath(recordID, "/analyze"), body, nil)
}

// FetchRecord reads the current record.
func (c *Client) FetchRecord(ctx context.Context, recordID string) (*model.AnalysisRecord, error) {
	var rec model.AnalysisRecord
	if err := c.doJSON(ctx, http.MethodGet, c.analysisPath(recordID, ""), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SendChatTurn sends one question with the history before it.
func (c *Client) SendChatTurn(ctx context.Context, recordID, userMessage string, analysisData json.RawMessage, history []model.ChatMessage) (string, error) {
	if history == nil {
		history = []model.ChatMessage{}
	}
	body := map[string]any{"message": userMessage, "history": history}
	if len(analysisData) > 0 {
		body["analysis_data"] = analysisData
	}
	var out struct {
		Reply string `json:"reply"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.analysisPath(recordID, "/chat"), body, &out); err != nil {
		return "", err
	}
	return out.Reply, nil
}

// PersistHistory writes the full history at expectedVersion and returns the
// new version. A stale version yields an error matching
// model.ErrVersionConflict.
func (c *Client) PersistHistory(ctx context.Context, recordID string, history []model.ChatMessage, expectedVersion int) (int, error) {
	body := map[string]any{"history": history, "expected_version": expectedVersion}
	var out struct {
		HistoryVersion int `json:"history_version"`
	}
	if err := c.doJSON(ctx, http.MethodPut, c.analysisPath(recordID, "/chat-history"), body, &out); err != nil {
		return 0, err
	}
	return out.HistoryVersion, nil
}

// PlaybackURL returns a short-lived signed link to the stored video.
func (c *Client) PlaybackURL(ctx context.Context, recordID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.analysisPath(recordID, "/playback-url"), nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *Client) doJSON(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.send(c.httpClient, req, out)
}

func (c *Client) send(hc *http.Client, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Error   string `json:"error"`
			Code    string `json:"code"`
			Details string `json:"details"`
		}
		if json.Unmarshal(data, &envelope) == nil {
			apiErr.Message, apiErr.Code, apiErr.Details = envelope.Error, envelope.Code, envelope.Details
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
