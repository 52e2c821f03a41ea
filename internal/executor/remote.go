package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"matchline/internal/domain"
)

// RemoteDriver talks to a local browser-automation daemon over HTTP. Each
// primitive is one POST; faults come back as a JSON body with a kind the
// driver maps onto the fault model.
type RemoteDriver struct {
	endpoint string
	http     *http.Client
}

// NewRemote builds a driver for the daemon at endpoint (no trailing slash).
func NewRemote(endpoint string, timeout time.Duration) *RemoteDriver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteDriver{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

func (d *RemoteDriver) Navigate(ctx context.Context, target string) error {
	return d.post(ctx, "/navigate", map[string]any{"target": target}, nil)
}

func (d *RemoteDriver) ClickAt(ctx context.Context, x, y int) error {
	return d.post(ctx, "/click", map[string]any{"x": x, "y": y}, nil)
}

func (d *RemoteDriver) TypeText(ctx context.Context, selector, text string) error {
	return d.post(ctx, "/type", map[string]any{"selector": selector, "text": text}, nil)
}

func (d *RemoteDriver) Scroll(ctx context.Context, amount int) error {
	return d.post(ctx, "/scroll", map[string]any{"amount": amount}, nil)
}

func (d *RemoteDriver) Capture(ctx context.Context) (domain.Observation, error) {
	var obs domain.Observation
	if err := d.post(ctx, "/capture", map[string]any{}, &obs); err != nil {
		return domain.Observation{}, err
	}
	return obs, nil
}

func (d *RemoteDriver) ExtractVisibleText(ctx context.Context) (string, error) {
	var resp struct {
		Text string `json:"text"`
	}
	if err := d.post(ctx, "/extract_text", map[string]any{}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (d *RemoteDriver) SubmitComposedMessage(ctx context.Context) error {
	return d.post(ctx, "/submit", map[string]any{}, nil)
}

func (d *RemoteDriver) Close() error {
	return nil
}

func (d *RemoteDriver) post(ctx context.Context, path string, payload, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return Fatal(path, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return Fatal(path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		// The daemon is unreachable; nothing on this surface can proceed.
		return Fatal(path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var fault struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1024)).Decode(&fault)
		msg := fault.Error
		if msg == "" {
			msg = resp.Status
		}
		switch fault.Kind {
		case "no_more_candidates":
			return ErrNoMoreCandidates
		case "recoverable":
			return Recoverable(path, errors.New(msg))
		default:
			return Fatal(path, errors.New(msg))
		}
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return Fatal(path, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
