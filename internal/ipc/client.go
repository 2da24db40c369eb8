package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skridlevsky/govdesk/internal/cache"
	"github.com/skridlevsky/govdesk/internal/service"
)

// InvokePath is where the backend accepts envelopes.
const InvokePath = "/api/invoke"

// ExceptionError is an unexpected backend failure.
type ExceptionError struct {
	Op      Op
	Message string
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Client calls the backend with typed stubs, one per operation.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Login and votes wait on GitHub and git pushes.
		httpClient: &http.Client{Timeout: 15 * time.Minute},
	}
}

// Invoke sends one envelope and returns the raw response.
func (c *Client) Invoke(ctx context.Context, op Op, params any) (*Response, error) {
	req := Request{ID: uuid.NewString(), Op: op}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params: %w", err)
		}
		req.Params = raw
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+InvokePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Id", req.ID)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend unreachable at %s: %w", c.baseURL, err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response (HTTP %d): %w", op, httpResp.StatusCode, err)
	}
	return &resp, nil
}

func call[T any](ctx context.Context, c *Client, op Op, params any) (service.Response[T], error) {
	resp, err := c.Invoke(ctx, op, params)
	if err != nil {
		return service.Response[T]{}, err
	}
	if resp.Exception != "" {
		return service.Response[T]{}, &ExceptionError{Op: op, Message: resp.Exception}
	}

	out := service.Response[T]{OK: resp.OK, StatusCode: resp.StatusCode, Error: resp.Error}
	if resp.OK && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &out.Data); err != nil {
			return out, fmt.Errorf("failed to decode %s data: %w", op, err)
		}
	}
	return out, nil
}

func (c *Client) StartLogin(ctx context.Context) (service.Response[*service.LoginChallenge], error) {
	return call[*service.LoginChallenge](ctx, c, OpUserStartLogin, nil)
}

func (c *Client) FinishLogin(ctx context.Context, deviceCode string) (service.Response[*cache.User], error) {
	return call[*cache.User](ctx, c, OpUserFinishLogin, DeviceCodeParams{DeviceCode: deviceCode})
}

func (c *Client) GetUser(ctx context.Context) (service.Response[*cache.User], error) {
	return call[*cache.User](ctx, c, OpUserGet, nil)
}

func (c *Client) Logout(ctx context.Context) (service.Response[bool], error) {
	return call[bool](ctx, c, OpUserLogout, nil)
}

func (c *Client) AddCommunity(ctx context.Context, projectURL string) (service.Response[*cache.Community], error) {
	return call[*cache.Community](ctx, c, OpCommunityAdd, CommunityParams{URL: projectURL})
}

func (c *Client) ListCommunities(ctx context.Context) (service.Response[[]*cache.Community], error) {
	return call[[]*cache.Community](ctx, c, OpCommunityList, nil)
}

func (c *Client) SelectCommunity(ctx context.Context, url string) (service.Response[*cache.Community], error) {
	return call[*cache.Community](ctx, c, OpCommunitySelect, CommunityParams{URL: url})
}

func (c *Client) RemoveCommunity(ctx context.Context, url string) (service.Response[bool], error) {
	return call[bool](ctx, c, OpCommunityRemove, CommunityParams{URL: url})
}

func (c *Client) JoinCommunity(ctx context.Context, url string) (service.Response[*cache.Community], error) {
	return call[*cache.Community](ctx, c, OpCommunityJoin, CommunityParams{URL: url})
}

func (c *Client) DeployCommunity(ctx context.Context, projectURL string) (service.Response[*cache.Community], error) {
	return call[*cache.Community](ctx, c, OpCommunityDeploy, CommunityParams{URL: projectURL})
}

func (c *Client) RefreshBallots(ctx context.Context) (service.Response[[]*cache.Ballot], error) {
	return call[[]*cache.Ballot](ctx, c, OpBallotRefresh, nil)
}

func (c *Client) ListBallots(ctx context.Context, params service.ListParams) (service.Response[[]*cache.Ballot], error) {
	return call[[]*cache.Ballot](ctx, c, OpBallotList, params)
}

func (c *Client) GetBallot(ctx context.Context, identifier string) (service.Response[*cache.Ballot], error) {
	return call[*cache.Ballot](ctx, c, OpBallotGet, BallotParams{Identifier: identifier})
}

func (c *Client) QuoteVote(ctx context.Context, identifier string, desiredScoreChange float64) (service.Response[*service.QuoteResult], error) {
	return call[*service.QuoteResult](ctx, c, OpBallotQuote, ScoreParams{Identifier: identifier, DesiredScoreChange: desiredScoreChange})
}

func (c *Client) Vote(ctx context.Context, identifier string, desiredScoreChange float64) (service.Response[*cache.Ballot], error) {
	return call[*cache.Ballot](ctx, c, OpBallotVote, ScoreParams{Identifier: identifier, DesiredScoreChange: desiredScoreChange})
}

func (c *Client) Tally(ctx context.Context, identifier string) (service.Response[*cache.Ballot], error) {
	return call[*cache.Ballot](ctx, c, OpBallotTally, BallotParams{Identifier: identifier})
}

func (c *Client) ListPolicies(ctx context.Context) (service.Response[[]*cache.Policy], error) {
	return call[[]*cache.Policy](ctx, c, OpPolicyList, nil)
}

func (c *Client) RefreshPolicies(ctx context.Context) (service.Response[[]*cache.Policy], error) {
	return call[[]*cache.Policy](ctx, c, OpPolicyRefresh, nil)
}

// ExportLogs streams the backend's application log into w.
func (c *Client) ExportLogs(ctx context.Context, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/logs/export", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("backend unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		var refused Response
		if json.Unmarshal(body, &refused) == nil && refused.Error != "" {
			msg = refused.Error
		}
		return 0, fmt.Errorf("log export failed (HTTP %d): %s", resp.StatusCode, msg)
	}
	return io.Copy(w, resp.Body)
}
