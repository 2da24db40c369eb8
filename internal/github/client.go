package github

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

	"github.com/skridlevsky/govdesk/internal/metrics"
	"github.com/skridlevsky/govdesk/internal/retry"
)

// DefaultBaseURL is the public GitHub REST endpoint.
const DefaultBaseURL = "https://api.github.com"

// ErrNotFound is matched by APIErrors carrying a 404.
var ErrNotFound = errors.New("github: not found")

// APIError is a non-2xx GitHub response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github API error %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client wraps the GitHub REST API
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	cache      *RepoCache
	policy     retry.Policy
}

// NewClient creates a new GitHub API client
func NewClient(token string, cache *RepoCache) *Client {
	return &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cache:  cache,
		policy: retry.Default,
	}
}

// WithBaseURL returns a copy of the client talking to baseURL.
func (c *Client) WithBaseURL(baseURL string) *Client {
	cp := *c
	if baseURL != "" {
		cp.baseURL = strings.TrimRight(baseURL, "/")
	}
	return &cp
}

// WithToken returns a copy of the client authenticated with token. The
// repository cache is shared.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// doRequest makes an authenticated request to the GitHub API
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Add auth header if token is configured
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "govdesk")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	// Check rate limit
	if resp.StatusCode == http.StatusForbidden {
		if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining == "0" {
			resetTime := resp.Header.Get("X-RateLimit-Reset")
			resp.Body.Close()
			return nil, &APIError{
				StatusCode: http.StatusTooManyRequests,
				Message:    fmt.Sprintf("rate limit exceeded, resets at: %s", resetTime),
			}
		}
	}

	return resp, nil
}

// readErrorAndClose reads an error body and closes it.
func readErrorAndClose(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var parsed struct {
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		msg = parsed.Message
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// do performs one API call under the retry policy and decodes a 2xx body
// into out (when non-nil).
func (c *Client) do(ctx context.Context, operation, method, path string, body, out any) error {
	err := retry.DoVoid(ctx, c.policy, classify, func() error {
		resp, err := c.doRequest(ctx, method, path, body)
		if err != nil {
			status := "error"
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				status = metrics.StatusClass(apiErr.StatusCode)
			}
			metrics.GitHubRequestsTotal.WithLabelValues(operation, status).Inc()
			return err
		}
		metrics.GitHubRequestsTotal.WithLabelValues(operation, metrics.StatusClass(resp.StatusCode)).Inc()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return readErrorAndClose(resp)
		}
		defer resp.Body.Close()

		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &retry.PermanentError{Err: fmt.Errorf("failed to decode response: %w", err)}
		}
		return nil
	})

	var permErr *retry.PermanentError
	for errors.As(err, &permErr) {
		err = permErr.Err
	}
	return err
}

// classify retries transport failures, rate limiting and 5xx responses.
func classify(err error) retry.Action {
	var permErr *retry.PermanentError
	if errors.As(err, &permErr) {
		return retry.Stop
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
			return retry.Stop
		}
	}
	return retry.Retry
}
