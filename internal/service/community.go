package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/skridlevsky/govdesk/internal/cache"
	"github.com/skridlevsky/govdesk/internal/github"
	"github.com/skridlevsky/govdesk/internal/gov4git"
)

// Governance repository suffixes appended to the project name.
const (
	govPublicSuffix  = "-gov.public"
	govPrivateSuffix = "-gov.private"
)

// JoinRequestTitle is the title of the issue asking maintainers to add the
// user to the community.
const JoinRequestTitle = "I'd like to join this project's community"

const joinRequestLabel = "gov4git:join"

// JoinWithdrawnComment is posted when a community with a pending join
// request is removed.
const JoinWithdrawnComment = "Withdrawn: the requester removed this community from govdesk."

// CommunityService manages the communities the user participates in.
type CommunityService struct {
	deps *Deps
}

// Add registers the community governing projectURL and selects it.
func (s *CommunityService) Add(ctx context.Context, projectURL string) (Response[*cache.Community], error) {
	return respond(s.add(ctx, projectURL))
}

func (s *CommunityService) add(ctx context.Context, projectURL string) (*cache.Community, error) {
	u, err := s.deps.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	owner, repo, err := github.ParseRepoURL(projectURL)
	if err != nil {
		return nil, fail(http.StatusBadRequest, "%v", err)
	}

	gh := s.deps.GitHub(u.Token)
	project, err := gh.GetRepo(ctx, owner, repo)
	if errors.Is(err, github.ErrNotFound) {
		return nil, fail(http.StatusNotFound, "project %s/%s not found", owner, repo)
	}
	if err != nil {
		return nil, err
	}

	govPublic, govPrivate := repo+govPublicSuffix, repo+govPrivateSuffix
	for _, name := range []string{govPublic, govPrivate} {
		exists, err := gh.RepoExists(ctx, owner, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fail(http.StatusBadRequest, "%s/%s is not a gov4git community: repository %s not found", owner, repo, name)
		}
		hasCommits, err := gh.HasCommits(ctx, owner, name, "")
		if err != nil {
			return nil, err
		}
		if !hasCommits {
			return nil, fail(http.StatusBadRequest, "%s/%s is not a gov4git community: repository %s is empty", owner, repo, name)
		}
	}

	govRepo, err := gh.GetRepo(ctx, owner, govPublic)
	if err != nil {
		return nil, err
	}
	memberBranch := "main"
	if idRepo, err := gh.GetRepo(ctx, u.Login, IdentityPublicRepo); err == nil && idRepo.DefaultBranch != "" {
		memberBranch = idRepo.DefaultBranch
	}

	configPath := s.configPath(owner, repo)
	cfg := gov4git.NewConfigFile(u.Token,
		github.RepoURL(owner, govPublic)+".git",
		github.RepoURL(owner, govPrivate)+".git",
		govRepo.DefaultBranch,
		u.MemberPublicURL, u.MemberPrivateURL, memberBranch,
	)
	cfg.CacheDir = filepath.Join(s.deps.DataDir, "cache")
	if err := gov4git.WriteConfig(configPath, cfg); err != nil {
		return nil, err
	}

	gov := s.deps.Governance(configPath)
	hasID, err := gh.HasCommits(ctx, u.Login, IdentityPublicRepo, "")
	if err != nil {
		return nil, err
	}
	if !hasID {
		if err := gov.InitID(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialise identity: %w", err)
		}
	}

	isMember := false
	members, err := gov.ListMembers(ctx, gov4git.EverybodyGroup)
	if err != nil {
		s.deps.logger().Warn("failed to list community members", "project", projectURL, "error", err)
	} else {
		isMember = containsFold(members, u.Login)
	}

	c := &cache.Community{
		URL:           github.RepoURL(owner, repo),
		Name:          repo,
		ProjectURL:    github.RepoURL(owner, repo),
		GovPublicURL:  cfg.GovPublicURL,
		GovPrivateURL: cfg.GovPrivateURL,
		Branch:        govRepo.DefaultBranch,
		ConfigPath:    configPath,
		IsMember:      isMember,
		IsMaintainer:  project.Permissions.Admin || project.Permissions.Push,
	}
	if existing, err := s.deps.Store.GetCommunity(ctx, c.URL); err == nil {
		c.JoinRequestURL = existing.JoinRequestURL
	}
	if err := s.deps.Store.UpsertCommunity(ctx, c); err != nil {
		return nil, err
	}
	if err := s.deps.Store.SelectCommunity(ctx, c.URL); err != nil {
		return nil, err
	}
	c.Selected = true

	s.deps.logger().Info("community added", "url", c.URL, "member", c.IsMember, "maintainer", c.IsMaintainer)
	return c, nil
}

func (s *CommunityService) configPath(owner, repo string) string {
	return filepath.Join(s.deps.DataDir, "communities", owner+"__"+repo+".json")
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// List returns every known community.
func (s *CommunityService) List(ctx context.Context) (Response[[]*cache.Community], error) {
	return respond(s.deps.Store.ListCommunities(ctx))
}

// Select makes url the active community and reloads the balance held there.
func (s *CommunityService) Select(ctx context.Context, url string) (Response[*cache.Community], error) {
	return respond(s.selectCommunity(ctx, url))
}

func (s *CommunityService) selectCommunity(ctx context.Context, url string) (*cache.Community, error) {
	if err := s.deps.Store.SelectCommunity(ctx, url); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, fail(http.StatusNotFound, "community %s not found", url)
		}
		return nil, err
	}
	c, err := s.deps.Store.GetCommunity(ctx, url)
	if err != nil {
		return nil, err
	}
	if c.IsMember {
		if u, err := s.deps.currentUser(ctx); err == nil {
			refreshCredits(ctx, s.deps, u, c)
		}
	}
	return c, nil
}

// Remove forgets a community and deletes its gov4git config.
func (s *CommunityService) Remove(ctx context.Context, url string) (Response[bool], error) {
	return respond(s.remove(ctx, url))
}

func (s *CommunityService) remove(ctx context.Context, url string) (bool, error) {
	c, err := s.deps.Store.GetCommunity(ctx, url)
	if errors.Is(err, cache.ErrNotFound) {
		return false, fail(http.StatusNotFound, "community %s not found", url)
	}
	if err != nil {
		return false, err
	}
	if err := s.deps.Store.DeleteCommunity(ctx, url); err != nil {
		return false, err
	}
	if c.ConfigPath != "" {
		if err := os.Remove(c.ConfigPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.deps.logger().Warn("failed to remove gov4git config", "path", c.ConfigPath, "error", err)
		}
		if s.deps.ConfigRemoved != nil {
			s.deps.ConfigRemoved(c.ConfigPath)
		}
	}
	if c.JoinRequestURL != "" && !c.IsMember {
		s.withdrawJoinRequest(ctx, c.JoinRequestURL)
	}
	return true, nil
}

// withdrawJoinRequest closes a pending join issue. Failures are logged only;
// the community is already gone locally.
func (s *CommunityService) withdrawJoinRequest(ctx context.Context, issueURL string) {
	log := s.deps.logger().With("issue", issueURL)

	u, err := s.deps.currentUser(ctx)
	if err != nil {
		log.Info("join request left open: not logged in")
		return
	}
	owner, repo, number, err := github.ParseIssueURL(issueURL)
	if err != nil {
		log.Warn("join request left open", "error", err)
		return
	}

	gh := s.deps.GitHub(u.Token)
	if _, err := gh.CreateComment(ctx, owner, repo, number, JoinWithdrawnComment); err != nil {
		log.Warn("failed to comment on join request", "error", err)
		return
	}
	closed := "closed"
	if _, err := gh.UpdateIssue(ctx, owner, repo, number, github.IssueUpdate{State: &closed}); err != nil {
		log.Warn("failed to close join request", "error", err)
	}
}

// RequestToJoin opens (or reuses) an issue asking to be added as a member.
func (s *CommunityService) RequestToJoin(ctx context.Context, url string) (Response[*cache.Community], error) {
	return respond(s.requestToJoin(ctx, url))
}

func (s *CommunityService) requestToJoin(ctx context.Context, url string) (*cache.Community, error) {
	u, err := s.deps.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.deps.Store.GetCommunity(ctx, url)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, fail(http.StatusNotFound, "community %s not found", url)
	}
	if err != nil {
		return nil, err
	}
	if c.IsMember {
		return nil, fail(http.StatusBadRequest, "already a member of %s", c.Name)
	}

	owner, repo, err := github.ParseRepoURL(c.ProjectURL)
	if err != nil {
		return nil, fail(http.StatusBadRequest, "%v", err)
	}
	gh := s.deps.GitHub(u.Token)

	query := fmt.Sprintf(`repo:%s/%s is:issue is:open author:%s in:title "%s"`, owner, repo, u.Login, JoinRequestTitle)
	found, err := gh.SearchIssues(ctx, query)
	if err != nil {
		return nil, err
	}

	issueURL := ""
	for _, issue := range found.Items {
		if issue.PullRequest == nil && issue.Title == JoinRequestTitle {
			issueURL = issue.HTMLURL
			break
		}
	}
	if issueURL == "" {
		issue, err := gh.CreateIssue(ctx, owner, repo, github.IssueRequest{
			Title:  JoinRequestTitle,
			Body:   joinRequestBody(u, c),
			Labels: []string{joinRequestLabel},
		})
		if err != nil {
			return nil, err
		}
		issueURL = issue.HTMLURL
	}

	c.JoinRequestURL = issueURL
	if err := s.deps.Store.UpsertCommunity(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func joinRequestBody(u *cache.User, c *cache.Community) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Your public repo\n\n%s\n\n", strings.TrimSuffix(u.MemberPublicURL, ".git"))
	fmt.Fprintf(&b, "### Your public branch\n\n%s\n\n", c.Branch)
	fmt.Fprintf(&b, "### Your email (optional)\n\n_No response_\n")
	return b.String()
}

// Deploy creates the governance repositories for projectURL and adds the
// resulting community. Organization projects require an admin.
func (s *CommunityService) Deploy(ctx context.Context, projectURL string) (Response[*cache.Community], error) {
	return respond(s.deploy(ctx, projectURL))
}

func (s *CommunityService) deploy(ctx context.Context, projectURL string) (*cache.Community, error) {
	u, err := s.deps.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	owner, repo, err := github.ParseRepoURL(projectURL)
	if err != nil {
		return nil, fail(http.StatusBadRequest, "%v", err)
	}

	gh := s.deps.GitHub(u.Token)
	project, err := gh.GetRepo(ctx, owner, repo)
	if errors.Is(err, github.ErrNotFound) {
		return nil, fail(http.StatusNotFound, "project %s/%s not found", owner, repo)
	}
	if err != nil {
		return nil, err
	}

	if project.OwnedByOrg() {
		m, err := gh.GetOrgMembership(ctx, owner)
		if err != nil && !errors.Is(err, github.ErrNotFound) {
			return nil, err
		}
		if m == nil || !m.IsActiveAdmin() {
			return nil, fail(http.StatusForbidden, "you must be an admin of the %s organization to deploy", owner)
		}
	} else if !strings.EqualFold(project.Owner.Login, u.Login) {
		return nil, fail(http.StatusForbidden, "only %s can deploy a community for %s/%s", project.Owner.Login, owner, repo)
	}

	if err := s.deps.Governance("").Deploy(ctx, u.Token, owner+"/"+repo, s.deps.Release); err != nil {
		return nil, fmt.Errorf("failed to deploy community: %w", err)
	}
	s.deps.logger().Info("community deployed", "project", owner+"/"+repo)

	return s.add(ctx, projectURL)
}
