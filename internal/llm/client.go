// Package llm provides a minimal client for OpenAI-compatible chat
// completion APIs. Both the planner and the advisor talk through it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Config describes one chat endpoint. Endpoint is the full completions
// URL, not a base URL.
type Config struct {
	Endpoint          string
	APIKey            string
	Model             string
	Timeout           time.Duration
	RequestsPerMinute int
}

// Client posts chat completion requests to a single endpoint.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
	limiter  *rate.Limiter
}

// New builds a client from configuration. A zero Timeout falls back to
// sixty seconds; a zero RequestsPerMinute disables client-side pacing.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), 1)
	}
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		http:     &http.Client{Timeout: timeout},
		limiter:  limiter,
	}
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// Chat sends a system and a user message and returns the assistant reply.
func (c *Client) Chat(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, []message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
}

// ChatVision sends the user message together with a PNG screenshot,
// base64-encoded, as an image content part.
func (c *Client) ChatVision(ctx context.Context, system, user, pngBase64 string) (string, error) {
	return c.complete(ctx, []message{
		{Role: "system", Content: system},
		{Role: "user", Content: []contentPart{
			{Type: "text", Text: user},
			{Type: "image_url", ImageURL: &imageURL{URL: "data:image/png;base64," + pngBase64}},
		}},
	})
}

func (c *Client) complete(ctx context.Context, messages []message) (string, error) {
	if c.endpoint == "" || c.model == "" {
		return "", fmt.Errorf("chat client misconfigured")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	body, err := json.Marshal(map[string]any{
		"model":    c.model,
		"messages": messages,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("chat error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat response has no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

// StripFences removes a surrounding markdown code fence from a model
// reply so the remainder can be fed to a JSON decoder.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// The opening fence line may carry a language tag.
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
