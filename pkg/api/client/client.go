// Package client is a typed client for the gateway admin and callback API.
package client

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

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://localhost:3000"

// Client provides typed access to the gateway API for operator tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided gateway base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, val := range headers {
		req.Header.Set(k, val)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func bearer(token string) map[string]string {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + strings.TrimSpace(token)}
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Token is an admin access token.
type Token struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Deployment mirrors the gateway's deployment record.
type Deployment struct {
	Key         string     `json:"key"`
	Source      string     `json:"source"`
	Repository  string     `json:"repository,omitempty"`
	PRNumber    *int       `json:"prNumber,omitempty"`
	Branch      string     `json:"branch,omitempty"`
	CommitHash  string     `json:"commitHash"`
	Environment string     `json:"environment"`
	Status      string     `json:"status"`
	RunID       string     `json:"runId,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMS  int64      `json:"durationMs,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Metrics mirrors the scheduler counters.
type Metrics struct {
	TotalDeployments    int64 `json:"totalDeployments"`
	DuplicatesPrevented int64 `json:"duplicatesPrevented"`
	QueueProcessed      int64 `json:"queueProcessed"`
	Errors              int64 `json:"errors"`
}

// Snapshot is the scheduler state returned by GET /api/deployments.
type Snapshot struct {
	ActiveDeployments map[string]Deployment `json:"activeDeployments"`
	Queue             []Deployment          `json:"queue"`
	DeploymentHistory []Deployment          `json:"deploymentHistory"`
	Metrics           Metrics               `json:"metrics"`
	Timestamp         time.Time             `json:"timestamp"`
}

// WebhookEvent is one audit record.
type WebhookEvent struct {
	ID            string    `json:"id"`
	Source        string    `json:"source"`
	EventType     string    `json:"eventType"`
	Action        string    `json:"action,omitempty"`
	Repository    string    `json:"repository,omitempty"`
	EventID       string    `json:"eventId,omitempty"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	DeploymentKey string    `json:"deploymentKey,omitempty"`
	Error         string    `json:"error,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// CompletionRequest reports a CI outcome.
type CompletionRequest struct {
	Status string `json:"status"`
	RunID  string `json:"runId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CompletionResponse is "recorded" or "ignored".
type CompletionResponse struct {
	Status     string      `json:"status"`
	Deployment *Deployment `json:"deployment,omitempty"`
}

// Login exchanges the admin password for a token.
func (c *Client) Login(ctx context.Context, password string) (Token, error) {
	var out Token
	err := c.do(ctx, http.MethodPost, "/api/auth/token", map[string]string{"password": password}, nil, &out)
	return out, err
}

// Deployments fetches the scheduler snapshot.
func (c *Client) Deployments(ctx context.Context, token string) (Snapshot, error) {
	var out Snapshot
	err := c.do(ctx, http.MethodGet, "/api/deployments", nil, bearer(token), &out)
	return out, err
}

// Deployment fetches one deployment by key from the active registry, the
// queue or the history.
func (c *Client) Deployment(ctx context.Context, token, key string) (Deployment, error) {
	var out Deployment
	err := c.do(ctx, http.MethodGet, "/api/deployments/"+url.PathEscape(key), nil, bearer(token), &out)
	return out, err
}

// Events lists recent webhook audit records, newest first.
func (c *Client) Events(ctx context.Context, token string, limit int) ([]WebhookEvent, error) {
	path := "/api/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Events []WebhookEvent `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, bearer(token), &out)
	return out.Events, err
}

// Complete reports a finished deployment using the CI callback token.
func (c *Client) Complete(ctx context.Context, callbackToken, key string, req CompletionRequest) (CompletionResponse, error) {
	var out CompletionResponse
	path := "/api/deployments/" + url.PathEscape(key) + "/complete"
	err := c.do(ctx, http.MethodPost, path, req, map[string]string{"X-Callback-Token": callbackToken}, &out)
	return out, err
}

// SetRepositorySecret stores a per-repository webhook secret.
func (c *Client) SetRepositorySecret(ctx context.Context, token, repository, secret string) error {
	path := "/api/repositories/" + strings.Trim(repository, "/") + "/secret"
	return c.do(ctx, http.MethodPut, path, map[string]string{"secret": secret}, bearer(token), nil)
}
