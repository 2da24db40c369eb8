package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/skridlevsky/govdesk/internal/cache"
	"github.com/skridlevsky/govdesk/internal/github"
	"github.com/skridlevsky/govdesk/internal/gov4git"
)

// Identity repositories every member owns.
const (
	IdentityPublicRepo  = "gov4git-identity-public"
	IdentityPrivateRepo = "gov4git-identity-private"
)

// LoginChallenge is shown to the user while the device flow is pending.
type LoginChallenge struct {
	DeviceCode              string    `json:"deviceCode"`
	UserCode                string    `json:"userCode"`
	VerificationURI         string    `json:"verificationUri"`
	VerificationURIComplete string    `json:"verificationUriComplete,omitempty"`
	ExpiresAt               time.Time `json:"expiresAt"`
	Interval                int64     `json:"interval"`
}

// UserService signs the user in and out.
type UserService struct {
	deps *Deps

	mu      sync.Mutex
	pending map[string]*oauth2.DeviceAuthResponse
}

// StartLogin begins a device flow and returns the code to enter on GitHub.
func (s *UserService) StartLogin(ctx context.Context) (Response[*LoginChallenge], error) {
	return respond(s.startLogin(ctx))
}

func (s *UserService) startLogin(ctx context.Context) (*LoginChallenge, error) {
	auth, err := s.deps.DeviceFlow.Start(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	now := time.Now()
	for code, a := range s.pending {
		if !a.Expiry.IsZero() && now.After(a.Expiry) {
			delete(s.pending, code)
		}
	}
	s.pending[auth.DeviceCode] = auth
	s.mu.Unlock()

	return &LoginChallenge{
		DeviceCode:              auth.DeviceCode,
		UserCode:                auth.UserCode,
		VerificationURI:         auth.VerificationURI,
		VerificationURIComplete: auth.VerificationURIComplete,
		ExpiresAt:               auth.Expiry,
		Interval:                auth.Interval,
	}, nil
}

// FinishLogin waits for the user to authorise deviceCode, then caches the
// account and makes sure its identity repositories exist.
func (s *UserService) FinishLogin(ctx context.Context, deviceCode string) (Response[*cache.User], error) {
	return respond(s.finishLogin(ctx, deviceCode))
}

func (s *UserService) finishLogin(ctx context.Context, deviceCode string) (*cache.User, error) {
	s.mu.Lock()
	auth, ok := s.pending[deviceCode]
	s.mu.Unlock()
	if !ok {
		return nil, fail(http.StatusBadRequest, "unknown or expired device code")
	}

	token, err := s.deps.DeviceFlow.Exchange(ctx, auth)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		s.forget(deviceCode)
		return nil, fail(http.StatusUnauthorized, "login failed: %v", err)
	}
	s.forget(deviceCode)
	s.deps.sessionChanged()

	gh := s.deps.GitHub(token)
	ghUser, err := gh.GetAuthenticatedUser(ctx)
	if err != nil {
		return nil, err
	}

	if err := ensureIdentityRepos(ctx, gh, ghUser.Login); err != nil {
		return nil, err
	}

	u := &cache.User{
		Login:            ghUser.Login,
		ID:               ghUser.ID,
		Name:             ghUser.Name,
		AvatarURL:        ghUser.AvatarURL,
		Token:            token,
		MemberPublicURL:  github.RepoURL(ghUser.Login, IdentityPublicRepo) + ".git",
		MemberPrivateURL: github.RepoURL(ghUser.Login, IdentityPrivateRepo) + ".git",
	}
	if err := s.deps.Store.UpsertUser(ctx, u); err != nil {
		return nil, err
	}

	s.deps.logger().Info("user logged in", "login", u.Login)
	return u, nil
}

func (s *UserService) forget(deviceCode string) {
	s.mu.Lock()
	delete(s.pending, deviceCode)
	s.mu.Unlock()
}

// ensureIdentityRepos creates the public and private identity repositories
// when they are missing.
func ensureIdentityRepos(ctx context.Context, gh GitHub, login string) error {
	repos := []struct {
		name    string
		private bool
	}{
		{IdentityPublicRepo, false},
		{IdentityPrivateRepo, true},
	}
	for _, r := range repos {
		exists, err := gh.RepoExists(ctx, login, r.name)
		if err != nil {
			return fmt.Errorf("failed to check %s: %w", r.name, err)
		}
		if exists {
			continue
		}
		_, err = gh.CreateRepo(ctx, github.CreateRepoRequest{
			Name:        r.name,
			Description: "gov4git identity",
			Private:     r.private,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Get returns the signed-in user. When a community is selected and the
// user belongs to it, the voting credit balance is refreshed first.
func (s *UserService) Get(ctx context.Context) (Response[*cache.User], error) {
	return respond(s.get(ctx))
}

func (s *UserService) get(ctx context.Context) (*cache.User, error) {
	u, err := s.deps.currentUser(ctx)
	if err != nil {
		return nil, err
	}

	c, err := s.deps.Store.GetSelectedCommunity(ctx)
	if errors.Is(err, cache.ErrNotFound) {
		return u, nil
	}
	if err != nil {
		return nil, err
	}
	if c.IsMember {
		refreshCredits(ctx, s.deps, u, c)
	}
	return u, nil
}

// liveCredits reads the user's balance in community c from its ledger and
// caches it as the current balance. Balances are per community, so the
// cached value is only valid until another community is selected.
func liveCredits(ctx context.Context, deps *Deps, u *cache.User, c *cache.Community) (float64, error) {
	credits, err := deps.Governance(c.ConfigPath).UserBalance(ctx, u.Login, gov4git.VotingCreditsKey)
	if err != nil {
		return 0, fmt.Errorf("failed to read voting credits in %s: %w", c.Name, err)
	}
	if err := deps.Store.UpdateVotingCredits(ctx, u.Login, credits); err != nil {
		deps.logger().Warn("failed to cache voting credits", "user", u.Login, "error", err)
	}
	u.VotingCredits = credits
	return credits, nil
}

// refreshCredits is liveCredits for callers that can carry on without it.
func refreshCredits(ctx context.Context, deps *Deps, u *cache.User, c *cache.Community) (float64, bool) {
	credits, err := liveCredits(ctx, deps, u, c)
	if err != nil {
		deps.logger().Warn("failed to refresh voting credits", "user", u.Login, "community", c.URL, "error", err)
		return 0, false
	}
	return credits, true
}

// Logout forgets the user and their cached ballots.
func (s *UserService) Logout(ctx context.Context) (Response[bool], error) {
	if err := s.deps.Store.DeleteUsers(ctx); err != nil {
		return Response[bool]{}, err
	}
	s.mu.Lock()
	clear(s.pending)
	s.mu.Unlock()
	s.deps.sessionChanged()
	return Success(true), nil
}
