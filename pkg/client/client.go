// Package client is a typed HTTP client for the relay API. Workers, the
// mirror and the CLI use it to create feeds, post events, read history,
// claim tasks and check health.
//
// The client mirrors the relay's wire format with its own response types
// and does not import the relay package.
package client

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
	"strings"
	"time"

	"github.com/daviddao/switchboard/pkg/model"
)

// maxResponseSize bounds JSON response reads. Streams are read
// incrementally by pkg/stream and are not subject to it.
const maxResponseSize int64 = 32 << 20

// Client talks to one relay.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a Client for the relay at baseURL. A nil httpClient uses one
// with a 30s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL returns the relay base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// StreamURL returns the SSE endpoint for feedID.
func (c *Client) StreamURL(feedID string) string {
	return c.baseURL + "/feeds/" + url.PathEscape(feedID) + "/stream"
}

// APIError is a non-2xx relay response.
type APIError struct {
	StatusCode int
	Message    string
	Details    []model.FieldError
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "relay: %d %s", e.StatusCode, e.Message)
	for _, d := range e.Details {
		fmt.Fprintf(&b, "; %s %s", d.Field, d.Message)
	}
	return b.String()
}

// Is maps HTTP statuses onto the model error taxonomy.
func (e *APIError) Is(target error) bool {
	switch target {
	case model.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case model.ErrInvalid:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

// --- Feeds ---

// CreateFeed registers a feed.
func (c *Client) CreateFeed(ctx context.Context, name string, policy json.RawMessage) (*model.Feed, error) {
	body := map[string]any{"name": name}
	if len(policy) > 0 {
		body["policy_json"] = policy
	}
	var f model.Feed
	if _, err := c.do(ctx, http.MethodPost, "/feeds", body, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFeed fetches a feed.
func (c *Client) GetFeed(ctx context.Context, feedID string) (*model.Feed, error) {
	var f model.Feed
	if _, err := c.do(ctx, http.MethodGet, "/feeds/"+url.PathEscape(feedID), nil, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// --- Events ---

// PostEvent ingests ev into ev.FeedID. It returns the stored event and
// whether the relay already had it.
func (c *Client) PostEvent(ctx context.Context, ev model.Event) (model.Event, bool, error) {
	var stored model.Event
	status, err := c.do(ctx, http.MethodPost, "/feeds/"+url.PathEscape(ev.FeedID)+"/events", ev, &stored)
	if err != nil {
		return model.Event{}, false, err
	}
	return stored, status == http.StatusOK, nil
}

// Recent reads feed history oldest first. limit 0 uses the relay default;
// a non-nil after returns only events strictly after it.
func (c *Client) Recent(ctx context.Context, feedID string, limit int, after *time.Time) ([]model.Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if after != nil {
		q.Set("after_ts", after.UTC().Format(time.RFC3339Nano))
	}
	path := "/feeds/" + url.PathEscape(feedID) + "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var events []model.Event
	if _, err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// --- Claims ---

// ClaimResult is the relay's answer to a claim request.
type ClaimResult struct {
	Granted     bool   `json:"granted"`
	TaskEventID string `json:"task_event_id"`
	AgentID     string `json:"agent_id"`
}

// Claim asks the relay to run the claim protocol server-side. Zero lease or
// lookback use the relay's defaults.
func (c *Client) Claim(ctx context.Context, feedID, taskEventID, agentID string, lease time.Duration, lookback int) (*ClaimResult, error) {
	body := map[string]any{
		"task_event_id": taskEventID,
		"agent_id":      agentID,
	}
	if lease > 0 {
		body["lease_ms"] = lease.Milliseconds()
	}
	if lookback > 0 {
		body["lookback"] = lookback
	}
	var res ClaimResult
	if _, err := c.do(ctx, http.MethodPost, "/feeds/"+url.PathEscape(feedID)+"/claims", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// --- Health ---

// Health is the relay's GET /health body.
type Health struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Message  string `json:"message,omitempty"`
}

// Health checks the relay. A 503 is returned as a Health with status
// "error" and no error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	return getHealth[Health](ctx, c.httpClient, c.baseURL+"/health")
}

// GetHealth fetches any JSON health document, tolerating 503 bodies. The CLI
// uses it for the mirror's health endpoint too.
func GetHealth[T any](ctx context.Context, endpoint string) (*T, error) {
	return getHealth[T](ctx, &http.Client{Timeout: 10 * time.Second}, endpoint)
}

func getHealth[T any](ctx context.Context, hc *http.Client, endpoint string) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, apiError(resp)
	}
	var v T
	if err := decodeResponse(resp.Body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// --- Transport ---

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, apiError(resp)
	}
	if out != nil {
		if err := decodeResponse(resp.Body, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func decodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var eb struct {
		Error   string             `json:"error"`
		Details []model.FieldError `json:"details"`
	}
	if err := decodeResponse(resp.Body, &eb); err == nil && eb.Error != "" {
		apiErr.Message = eb.Error
		apiErr.Details = eb.Details
	}
	return apiErr
}

// IsAPIError reports whether err is a relay response with the given status.
func IsAPIError(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}
