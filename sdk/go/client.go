package matchlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Matchline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Run represents the API run model.
type Run struct {
	ID         string  `json:"id"`
	Mode       string  `json:"mode"`
	Shadow     bool    `json:"shadow"`
	Status     string  `json:"status"`
	StopReason string  `json:"stop_reason,omitempty"`
	Processed  int     `json:"processed"`
	Sent       int     `json:"sent"`
	Skipped    int     `json:"skipped"`
	Deferred   int     `json:"deferred"`
	Failed     int     `json:"failed"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID          int64           `json:"id"`
	TS          string          `json:"ts"`
	Type        string          `json:"type"`
	RunID       string          `json:"run_id,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Outcome     string          `json:"outcome,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// SeenRecord represents one deduplication ledger entry.
type SeenRecord struct {
	Fingerprint string  `json:"fingerprint"`
	FirstSeenAt string  `json:"first_seen_at"`
	Sent        bool    `json:"sent"`
	SentAt      *string `json:"sent_at,omitempty"`
}

// QuotaStatus is one quota window as of now.
type QuotaStatus struct {
	Period string `json:"period"`
	Used   int    `json:"used"`
	Limit  int    `json:"limit"`
}

// Status is the workspace status report.
type Status struct {
	Run        *Run          `json:"run,omitempty"`
	Quotas     []QuotaStatus `json:"quotas"`
	LastSendAt string        `json:"last_send_at,omitempty"`
	Cancelled  bool          `json:"cancelled"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// EventPage wraps event listings with a cursor. Cursor is the lowest event id
// in the page; pass it back to page into older events.
type EventPage struct {
	Events []Event `json:"events"`
	Cursor int64   `json:"cursor"`
}

// EventQuery narrows an event listing. Zero values mean no filter.
type EventQuery struct {
	Limit       int
	Cursor      int64
	Type        string
	Fingerprint string
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.apiPath("health"), nil, nil)
}

// Status returns the latest run, quota usage, and the cancellation flag.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.apiPath("status"), nil, &resp)
	return resp, err
}

// Runs returns recent runs, newest first.
func (c *Client) Runs(ctx context.Context, limit int) ([]Run, error) {
	var resp struct {
		Runs []Run `json:"runs"`
	}
	endpoint := c.apiPath("runs")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Runs, err
}

// Run fetches a run by id.
func (c *Client) Run(ctx context.Context, id string) (Run, error) {
	var resp Run
	endpoint := c.apiPath("runs/" + url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunEvents returns the event page for one run.
func (c *Client) RunEvents(ctx context.Context, runID string, q EventQuery) (EventPage, error) {
	var resp EventPage
	endpoint := c.apiPath("runs/"+url.PathEscape(runID)+"/events") + eventQueryString(q)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events across all runs.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, EventQuery{Limit: limit})
	return page.Events, err
}

// EventsPage returns a filtered, paginated event listing.
func (c *Client) EventsPage(ctx context.Context, q EventQuery) (EventPage, error) {
	var resp EventPage
	endpoint := c.apiPath("events") + eventQueryString(q)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Seen returns recent deduplication ledger entries.
func (c *Client) Seen(ctx context.Context, limit int) ([]SeenRecord, error) {
	var resp struct {
		Seen []SeenRecord `json:"seen"`
	}
	endpoint := c.apiPath("seen")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Seen, err
}

// Cancel raises the workspace cancellation flag.
func (c *Client) Cancel(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.apiPath("cancel"), nil, nil)
}

// ClearCancel lowers the cancellation flag.
func (c *Client) ClearCancel(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, c.apiPath("cancel"), nil, nil)
}

func eventQueryString(q EventQuery) string {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor > 0 {
		v.Set("cursor", strconv.FormatInt(q.Cursor, 10))
	}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.Fingerprint != "" {
		v.Set("fingerprint", q.Fingerprint)
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		base = "v0"
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
