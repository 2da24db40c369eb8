package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Issue represents an issue from GitHub API
type Issue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
		ID    int64  `json:"id"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	PullRequest *struct{} `json:"pull_request,omitempty"` // Present if this is actually a PR
}

// IssueRequest is the body for creating an issue.
type IssueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// IssueUpdate patches an issue. Nil fields are left unchanged.
type IssueUpdate struct {
	Title  *string  `json:"title,omitempty"`
	Body   *string  `json:"body,omitempty"`
	State  *string  `json:"state,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// Comment represents an issue comment from GitHub API
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult is a page of issue search results.
type SearchResult struct {
	TotalCount int     `json:"total_count"`
	Items      []Issue `json:"items"`
}

// ParseIssueURL splits "https://github.com/o/r/issues/N".
func ParseIssueURL(raw string) (owner, repo string, number int, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid issue URL %q: %w", raw, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 4 || parts[2] != "issues" || parts[0] == "" || parts[1] == "" {
		return "", "", 0, fmt.Errorf("invalid issue URL %q", raw)
	}
	number, err = strconv.Atoi(parts[3])
	if err != nil || number <= 0 {
		return "", "", 0, fmt.Errorf("invalid issue number in %q", raw)
	}
	return parts[0], parts[1], number, nil
}

func issuesPath(owner, repo string) string {
	return fmt.Sprintf("/repos/%s/%s/issues", url.PathEscape(owner), url.PathEscape(repo))
}

// CreateIssue opens an issue in owner/repo.
func (c *Client) CreateIssue(ctx context.Context, owner, repo string, req IssueRequest) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, "create_issue", http.MethodPost, issuesPath(owner, repo), req, &issue); err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	return &issue, nil
}

// SearchIssues runs a GitHub issue search query (first 100 results).
func (c *Client) SearchIssues(ctx context.Context, query string) (*SearchResult, error) {
	var result SearchResult
	path := "/search/issues?per_page=100&q=" + url.QueryEscape(query)
	if err := c.do(ctx, "search_issues", http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to search issues: %w", err)
	}
	return &result, nil
}

// UpdateIssue patches issue number in owner/repo.
func (c *Client) UpdateIssue(ctx context.Context, owner, repo string, number int, update IssueUpdate) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("%s/%d", issuesPath(owner, repo), number)
	if err := c.do(ctx, "update_issue", http.MethodPatch, path, update, &issue); err != nil {
		return nil, fmt.Errorf("failed to update issue #%d: %w", number, err)
	}
	return &issue, nil
}

// CreateComment comments on issue number in owner/repo.
func (c *Client) CreateComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	var comment Comment
	path := fmt.Sprintf("%s/%d/comments", issuesPath(owner, repo), number)
	req := struct {
		Body string `json:"body"`
	}{Body: body}
	if err := c.do(ctx, "create_comment", http.MethodPost, path, req, &comment); err != nil {
		return nil, fmt.Errorf("failed to comment on issue #%d: %w", number, err)
	}
	return &comment, nil
}
