package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/skridlevsky/govdesk/internal/cache"
	"github.com/skridlevsky/govdesk/internal/github"
	"github.com/skridlevsky/govdesk/internal/gov4git"
)

// Store is the subset of the cache the services use.
type Store interface {
	UpsertUser(ctx context.Context, u *cache.User) error
	GetUser(ctx context.Context) (*cache.User, error)
	UpdateVotingCredits(ctx context.Context, login string, credits float64) error
	DeleteUsers(ctx context.Context) error

	UpsertCommunity(ctx context.Context, c *cache.Community) error
	GetCommunity(ctx context.Context, url string) (*cache.Community, error)
	GetSelectedCommunity(ctx context.Context) (*cache.Community, error)
	ListCommunities(ctx context.Context) ([]*cache.Community, error)
	SelectCommunity(ctx context.Context, url string) error
	DeleteCommunity(ctx context.Context, url string) error

	ReplaceBallots(ctx context.Context, communityURL, user string, ballots []*cache.Ballot) error
	ReplaceBallot(ctx context.Context, b *cache.Ballot) error
	GetBallot(ctx context.Context, communityURL, user, identifier string) (*cache.Ballot, error)
	ListBallots(ctx context.Context, filter cache.BallotFilter) ([]*cache.Ballot, error)
	CountBallots(ctx context.Context) (int, error)

	ReplacePolicies(ctx context.Context, communityURL string, policies []*cache.Policy) error
	ListPolicies(ctx context.Context, communityURL string) ([]*cache.Policy, error)
}

// GitHub is the GitHub API surface the services call, bound to one token.
type GitHub interface {
	GetAuthenticatedUser(ctx context.Context) (*github.User, error)
	GetRepo(ctx context.Context, owner, repo string) (*github.Repo, error)
	RepoExists(ctx context.Context, owner, repo string) (bool, error)
	HasCommits(ctx context.Context, owner, repo, branch string) (bool, error)
	CreateRepo(ctx context.Context, req github.CreateRepoRequest) (*github.Repo, error)
	GetOrgMembership(ctx context.Context, org string) (*github.Membership, error)
	SearchIssues(ctx context.Context, query string) (*github.SearchResult, error)
	CreateIssue(ctx context.Context, owner, repo string, req github.IssueRequest) (*github.Issue, error)
	UpdateIssue(ctx context.Context, owner, repo string, number int, update github.IssueUpdate) (*github.Issue, error)
	CreateComment(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error)
}

// Governance is the gov4git command surface for one community config.
type Governance interface {
	InitID(ctx context.Context) error
	UserBalance(ctx context.Context, user, key string) (float64, error)
	ListBallots(ctx context.Context, onlyOpen bool) ([]gov4git.BallotAd, error)
	ShowBallot(ctx context.Context, name string) (*gov4git.BallotView, error)
	TrackVotes(ctx context.Context, name string) (*gov4git.VoteTracking, error)
	Vote(ctx context.Context, name, choice string, strength float64) error
	Tally(ctx context.Context, name string) error
	ListMembers(ctx context.Context, group string) ([]string, error)
	ListPolicies(ctx context.Context) ([]gov4git.Policy, error)
	Deploy(ctx context.Context, token, project, release string) error
}

// DeviceAuthorizer runs the OAuth device flow.
type DeviceAuthorizer interface {
	Start(ctx context.Context) (*oauth2.DeviceAuthResponse, error)
	Exchange(ctx context.Context, auth *oauth2.DeviceAuthResponse) (string, error)
}

// LogSource exports the application log.
type LogSource interface {
	Export(w io.Writer) (int64, error)
}

// Deps are the collaborators shared by every service.
type Deps struct {
	Store      Store
	GitHub     func(token string) GitHub
	Governance func(configPath string) Governance
	DeviceFlow DeviceAuthorizer
	Logs       LogSource

	// DataDir holds per-community gov4git configs and the gov4git cache.
	DataDir string
	// Release pins the gov4git release used by deployments.
	Release string
	Logger  *slog.Logger

	// SessionChanged, when set, runs after login and logout.
	SessionChanged func()
	// ConfigRemoved, when set, runs after a community's config is deleted.
	ConfigRemoved func(configPath string)
}

func (d *Deps) sessionChanged() {
	if d.SessionChanged != nil {
		d.SessionChanged()
	}
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// currentUser returns the signed-in user or a 401 failure.
func (d *Deps) currentUser(ctx context.Context) (*cache.User, error) {
	u, err := d.Store.GetUser(ctx)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, errUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	if u.Token == "" {
		return nil, errUnauthenticated
	}
	return u, nil
}

// session returns the signed-in user and the selected community.
func (d *Deps) session(ctx context.Context) (*cache.User, *cache.Community, error) {
	u, err := d.currentUser(ctx)
	if err != nil {
		return nil, nil, err
	}
	c, err := d.Store.GetSelectedCommunity(ctx)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil, fail(http.StatusBadRequest, MsgNoCommunity)
	}
	if err != nil {
		return nil, nil, err
	}
	if c.ConfigPath == "" {
		return nil, nil, fail(http.StatusBadRequest, "community %s has no gov4git config", c.URL)
	}
	return u, c, nil
}

// Services groups the application services.
type Services struct {
	User      *UserService
	Community *CommunityService
	Ballot    *BallotService
	Policy    *PolicyService
	Log       *LogService
}

// New wires every service to deps.
func New(deps *Deps) *Services {
	return &Services{
		User:      &UserService{deps: deps, pending: make(map[string]*oauth2.DeviceAuthResponse)},
		Community: &CommunityService{deps: deps},
		Ballot:    &BallotService{deps: deps},
		Policy:    &PolicyService{deps: deps},
		Log:       &LogService{deps: deps},
	}
}
