package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// User is the authenticated GitHub account.
type User struct {
	Login     string `json:"login"`
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// Membership is the authenticated user's standing in an organization.
type Membership struct {
	State string `json:"state"` // active or pending
	Role  string `json:"role"`  // admin or member
}

// IsActiveAdmin reports whether the membership grants admin rights.
func (m *Membership) IsActiveAdmin() bool {
	return m.State == "active" && m.Role == "admin"
}

// GetAuthenticatedUser fetches the user owning the token.
func (c *Client) GetAuthenticatedUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, "get_user", http.MethodGet, "/user", nil, &u); err != nil {
		return nil, fmt.Errorf("failed to fetch authenticated user: %w", err)
	}
	return &u, nil
}

// GetOrgMembership returns the authenticated user's membership in org.
func (c *Client) GetOrgMembership(ctx context.Context, org string) (*Membership, error) {
	var m Membership
	path := "/user/memberships/orgs/" + url.PathEscape(org)
	if err := c.do(ctx, "get_org_membership", http.MethodGet, path, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
