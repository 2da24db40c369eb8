package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Repo represents a repository from GitHub API
type Repo struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
	HTMLURL       string `json:"html_url"`
	CloneURL      string `json:"clone_url"`
	Owner         struct {
		Login string `json:"login"`
		Type  string `json:"type"` // User or Organization
	} `json:"owner"`
	Permissions struct {
		Admin bool `json:"admin"`
		Push  bool `json:"push"`
	} `json:"permissions"`
}

// OwnedByOrg reports whether the repository belongs to an organization.
func (r *Repo) OwnedByOrg() bool {
	return r.Owner.Type == "Organization"
}

// ParseRepoURL extracts owner and name from "https://github.com/o/r(.git)",
// "github.com/o/r" or "o/r".
func ParseRepoURL(raw string) (owner, repo string, err error) {
	s := strings.TrimSpace(raw)
	if strings.Contains(s, "://") {
		u, perr := url.Parse(s)
		if perr != nil {
			return "", "", fmt.Errorf("invalid repository URL %q: %w", raw, perr)
		}
		s = u.Host + u.Path
	}
	s = strings.TrimPrefix(s, "www.")
	s = strings.TrimPrefix(s, "github.com/")
	s = strings.TrimSuffix(strings.Trim(s, "/"), ".git")

	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository URL %q (expected https://github.com/owner/repo)", raw)
	}
	return parts[0], parts[1], nil
}

// RepoURL is the canonical https URL for owner/repo.
func RepoURL(owner, repo string) string {
	return fmt.Sprintf("https://github.com/%s/%s", owner, repo)
}

// GetRepo fetches a repository, consulting the cache first.
func (c *Client) GetRepo(ctx context.Context, owner, repo string) (*Repo, error) {
	key := owner + "/" + repo
	if c.cache != nil {
		if r, found := c.cache.Get(key); found {
			return r, nil
		}
	}

	var r Repo
	path := fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(repo))
	if err := c.do(ctx, "get_repo", http.MethodGet, path, nil, &r); err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.Update(key, &r)
	}
	return &r, nil
}

// RepoExists reports whether owner/repo is visible to the token.
func (c *Client) RepoExists(ctx context.Context, owner, repo string) (bool, error) {
	_, err := c.GetRepo(ctx, owner, repo)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// HasCommits reports whether branch (or the default branch when empty) has
// at least one commit. Empty repositories answer 409.
func (c *Client) HasCommits(ctx context.Context, owner, repo, branch string) (bool, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits?per_page=1", url.PathEscape(owner), url.PathEscape(repo))
	if branch != "" {
		path += "&sha=" + url.QueryEscape(branch)
	}

	var commits []struct {
		SHA string `json:"sha"`
	}
	err := c.do(ctx, "list_commits", http.MethodGet, path, nil, &commits)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusConflict || apiErr.StatusCode == http.StatusNotFound) {
			return false, nil
		}
		return false, err
	}
	return len(commits) > 0, nil
}

// CreateRepoRequest is the body for creating a user repository.
type CreateRepoRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Private     bool   `json:"private"`
	AutoInit    bool   `json:"auto_init"`
}

// CreateRepo creates a repository owned by the authenticated user.
func (c *Client) CreateRepo(ctx context.Context, req CreateRepoRequest) (*Repo, error) {
	var r Repo
	if err := c.do(ctx, "create_repo", http.MethodPost, "/user/repos", req, &r); err != nil {
		return nil, fmt.Errorf("failed to create repository %s: %w", req.Name, err)
	}
	if c.cache != nil {
		c.cache.Update(r.FullName, &r)
	}
	return &r, nil
}
