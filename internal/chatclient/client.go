// Package chatclient talks to an OpenAI-compatible chat completions endpoint
// on behalf of the API. Each turn is stateless: the analysis payload, the
// prior history and the new question are sent together.
package chatclient

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

	"github.com/dharsanguruparan/ClipSight/internal/model"
)

const systemPrompt = `You are a short-form video coach. Answer questions about one video using the analysis below.
Be specific: cite timestamps from the analysis and suggest concrete edits. Keep answers under 150 words.

Analysis:
%s`

// ErrNoChoices is returned when the completion carries no message.
var ErrNoChoices = errors.New("no content in chat completion")

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client posts non-streaming completion requests.
type Client struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

func New(endpoint, model, apiKey string, timeout time.Duration) *Client {
	return &Client{
		endpoint:   endpoint,
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Reply answers userMessage in the context of analysis and history.
func (c *Client) Reply(ctx context.Context, analysis json.RawMessage, history []model.ChatMessage, userMessage string) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model:    c.model,
		Messages: buildMessages(analysis, history, userMessage),
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call chat model: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read completion: %w", err)
	}

	var result completionResponse
	if err := json.Unmarshal(data, &result); err != nil {
		if resp.StatusCode >= 300 {
			return "", fmt.Errorf("chat model returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if resp.StatusCode >= 300 {
		if result.Error != nil && result.Error.Message != "" {
			return "", fmt.Errorf("chat model returned %d: %s", resp.StatusCode, result.Error.Message)
		}
		return "", fmt.Errorf("chat model returned %d", resp.StatusCode)
	}
	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", ErrNoChoices
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

func buildMessages(analysis json.RawMessage, history []model.ChatMessage, userMessage string) []message {
	payload := string(analysis)
	var buf bytes.Buffer
	if err := json.Indent(&buf, analysis, "", "  "); err == nil {
		payload = buf.String()
	}
	out := make([]message, 0, len(history)+2)
	out = append(out, message{Role: "system", Content: fmt.Sprintf(systemPrompt, payload)})
	for _, m := range history {
		out = append(out, message{Role: string(m.Role), Content: m.Message})
	}
	return append(out, message{Role: "user", Content: userMessage})
}
