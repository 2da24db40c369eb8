package service

import (
	"context"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/oauth2"

	"github.com/skridlevsky/govdesk/internal/cache"
	"github.com/skridlevsky/govdesk/internal/github"
	"github.com/skridlevsky/govdesk/internal/gov4git"
)

// memStore is an in-memory Store.
type memStore struct {
	mu          sync.Mutex
	users       map[string]*cache.User
	communities map[string]*cache.Community
	ballots     map[string]*cache.Ballot
	policies    map[string][]*cache.Policy
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[string]*cache.User{},
		communities: map[string]*cache.Community{},
		ballots:     map[string]*cache.Ballot{},
		policies:    map[string][]*cache.Policy{},
	}
}

func ballotKey(community, user, id string) string {
	return community + "|" + user + "|" + id
}

func (m *memStore) UpsertUser(_ context.Context, u *cache.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.Login] = &cp
	return nil
}

func (m *memStore) GetUser(context.Context) (*cache.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		cp := *u
		return &cp, nil
	}
	return nil, cache.ErrNotFound
}

func (m *memStore) UpdateVotingCredits(_ context.Context, login string, credits float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[login]
	if !ok {
		return cache.ErrNotFound
	}
	u.VotingCredits = credits
	return nil
}

func (m *memStore) DeleteUsers(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = map[string]*cache.User{}
	m.ballots = map[string]*cache.Ballot{}
	return nil
}

func (m *memStore) UpsertCommunity(_ context.Context, c *cache.Community) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.communities[c.URL]; ok {
		c.Selected = existing.Selected
	}
	cp := *c
	m.communities[c.URL] = &cp
	return nil
}

func (m *memStore) GetCommunity(_ context.Context, url string) (*cache.Community, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.communities[url]
	if !ok {
		return nil, cache.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) GetSelectedCommunity(context.Context) (*cache.Community, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.communities {
		if c.Selected {
			cp := *c
			return &cp, nil
		}
	}
	return nil, cache.ErrNotFound
}

func (m *memStore) ListCommunities(context.Context) ([]*cache.Community, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*cache.Community{}
	for _, c := range m.communities {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) SelectCommunity(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.communities[url]; !ok {
		return cache.ErrNotFound
	}
	for k, c := range m.communities {
		c.Selected = k == url
	}
	return nil
}

func (m *memStore) DeleteCommunity(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.communities[url]; !ok {
		return cache.ErrNotFound
	}
	delete(m.communities, url)
	for k, b := range m.ballots {
		if b.CommunityURL == url {
			delete(m.ballots, k)
		}
	}
	return nil
}

func (m *memStore) ReplaceBallots(_ context.Context, communityURL, user string, ballots []*cache.Ballot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, b := range m.ballots {
		if b.CommunityURL == communityURL && b.User == user {
			delete(m.ballots, k)
		}
	}
	for _, b := range ballots {
		b.CommunityURL = communityURL
		b.User = user
		cp := *b
		m.ballots[ballotKey(communityURL, user, b.Identifier)] = &cp
	}
	return nil
}

func (m *memStore) ReplaceBallot(_ context.Context, b *cache.Ballot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.ballots[ballotKey(b.CommunityURL, b.User, b.Identifier)] = &cp
	return nil
}

func (m *memStore) GetBallot(_ context.Context, communityURL, user, identifier string) (*cache.Ballot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.ballots[ballotKey(communityURL, user, identifier)]
	if !ok {
		return nil, cache.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) ListBallots(_ context.Context, f cache.BallotFilter) ([]*cache.Ballot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*cache.Ballot{}
	for _, b := range m.ballots {
		switch {
		case f.CommunityURL != "" && b.CommunityURL != f.CommunityURL,
			f.User != "" && b.User != f.User,
			f.Status != "" && b.Status != f.Status,
			f.Label != "" && b.Label != f.Label,
			f.Search != "" && !strings.Contains(strings.ToLower(b.Title), strings.ToLower(f.Search)):
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Identifier < out[j].Identifier
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) CountBallots(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ballots), nil
}

func (m *memStore) ReplacePolicies(_ context.Context, communityURL string, policies []*cache.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[communityURL] = policies
	return nil
}

func (m *memStore) ListPolicies(_ context.Context, communityURL string) ([]*cache.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*cache.Policy{}, m.policies[communityURL]...), nil
}

// fakeGitHub dispatches to optional func fields; unset fields answer with
// benign defaults.
type fakeGitHub struct {
	GetAuthenticatedUserFn func(ctx context.Context) (*github.User, error)
	GetRepoFn              func(ctx context.Context, owner, repo string) (*github.Repo, error)
	RepoExistsFn           func(ctx context.Context, owner, repo string) (bool, error)
	HasCommitsFn           func(ctx context.Context, owner, repo, branch string) (bool, error)
	CreateRepoFn           func(ctx context.Context, req github.CreateRepoRequest) (*github.Repo, error)
	GetOrgMembershipFn     func(ctx context.Context, org string) (*github.Membership, error)
	SearchIssuesFn         func(ctx context.Context, query string) (*github.SearchResult, error)
	CreateIssueFn          func(ctx context.Context, owner, repo string, req github.IssueRequest) (*github.Issue, error)
	UpdateIssueFn          func(ctx context.Context, owner, repo string, number int, update github.IssueUpdate) (*github.Issue, error)
	CreateCommentFn        func(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error)
}

func (f *fakeGitHub) GetAuthenticatedUser(ctx context.Context) (*github.User, error) {
	return f.GetAuthenticatedUserFn(ctx)
}

func (f *fakeGitHub) GetRepo(ctx context.Context, owner, repo string) (*github.Repo, error) {
	if f.GetRepoFn == nil {
		r := &github.Repo{Name: repo, FullName: owner + "/" + repo, DefaultBranch: "main"}
		r.Owner.Login = owner
		return r, nil
	}
	return f.GetRepoFn(ctx, owner, repo)
}

func (f *fakeGitHub) RepoExists(ctx context.Context, owner, repo string) (bool, error) {
	if f.RepoExistsFn == nil {
		return true, nil
	}
	return f.RepoExistsFn(ctx, owner, repo)
}

func (f *fakeGitHub) HasCommits(ctx context.Context, owner, repo, branch string) (bool, error) {
	if f.HasCommitsFn == nil {
		return true, nil
	}
	return f.HasCommitsFn(ctx, owner, repo, branch)
}

func (f *fakeGitHub) CreateRepo(ctx context.Context, req github.CreateRepoRequest) (*github.Repo, error) {
	return f.CreateRepoFn(ctx, req)
}

func (f *fakeGitHub) GetOrgMembership(ctx context.Context, org string) (*github.Membership, error) {
	return f.GetOrgMembershipFn(ctx, org)
}

func (f *fakeGitHub) SearchIssues(ctx context.Context, query string) (*github.SearchResult, error) {
	return f.SearchIssuesFn(ctx, query)
}

func (f *fakeGitHub) CreateIssue(ctx context.Context, owner, repo string, req github.IssueRequest) (*github.Issue, error) {
	return f.CreateIssueFn(ctx, owner, repo, req)
}

func (f *fakeGitHub) UpdateIssue(ctx context.Context, owner, repo string, number int, update github.IssueUpdate) (*github.Issue, error) {
	return f.UpdateIssueFn(ctx, owner, repo, number, update)
}

func (f *fakeGitHub) CreateComment(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error) {
	return f.CreateCommentFn(ctx, owner, repo, number, body)
}

// fakeLedger simulates gov4git for one community: votes are pending until
// tallied, tallies turn credits into scores quadratically.
type fakeLedger struct {
	mu       sync.Mutex
	ballots  map[string]*gov4git.BallotAd
	credits  map[string]float64 // "ballot|user" -> tallied credits
	pending  map[string]float64 // "ballot|user" -> pending credits
	balances map[string]float64
	members  []string
	policies []gov4git.Policy
	voter    string // the local user, owner of pending votes

	voteErr   error
	voteCalls atomic.Int32
	listCalls atomic.Int32
	initCalls atomic.Int32
	deploys   []string
	listGate  chan struct{}
}

func newFakeLedger(voter string) *fakeLedger {
	return &fakeLedger{
		ballots:  map[string]*gov4git.BallotAd{},
		credits:  map[string]float64{},
		pending:  map[string]float64{},
		balances: map[string]float64{},
		voter:    voter,
	}
}

func (l *fakeLedger) addBallot(name, title, motionType string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ballots[name] = &gov4git.BallotAd{
		Name:       name,
		Title:      title,
		Choices:    []string{"prioritize"},
		MotionType: motionType,
		URL:        "https://github.com/acme/widgets/issues/1",
	}
}

func (l *fakeLedger) InitID(context.Context) error {
	l.initCalls.Add(1)
	return nil
}

func (l *fakeLedger) UserBalance(_ context.Context, user, _ string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[user], nil
}

func (l *fakeLedger) ListBallots(context.Context, bool) ([]gov4git.BallotAd, error) {
	l.listCalls.Add(1)
	if l.listGate != nil {
		<-l.listGate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []gov4git.BallotAd{}
	for _, ad := range l.ballots {
		out = append(out, *ad)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *fakeLedger) ShowBallot(_ context.Context, name string) (*gov4git.BallotView, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ad, ok := l.ballots[name]
	if !ok {
		return nil, &gov4git.CommandError{Command: "ballot show", Message: "ballot not found"}
	}
	view := &gov4git.BallotView{
		Ad: *ad,
		Tally: gov4git.BallotTally{
			Scores:       map[string]float64{},
			ScoresByUser: map[string]map[string]gov4git.UserVote{},
		},
	}
	for key, credits := range l.credits {
		ballot, user, _ := strings.Cut(key, "|")
		if ballot != name {
			continue
		}
		score := math.Copysign(math.Sqrt(math.Abs(credits)), credits)
		view.Tally.Scores["prioritize"] += score
		view.Tally.ScoresByUser[user] = map[string]gov4git.UserVote{"prioritize": {Score: score, Strength: credits}}
	}
	return view, nil
}

func (l *fakeLedger) TrackVotes(_ context.Context, name string) (*gov4git.VoteTracking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := &gov4git.VoteTracking{}
	if p, ok := l.pending[name+"|"+l.voter]; ok && p != 0 {
		t.PendingVotes = append(t.PendingVotes, gov4git.PendingVote{Choice: "prioritize", Strength: p})
	}
	return t, nil
}

func (l *fakeLedger) Vote(_ context.Context, name, _ string, strength float64) error {
	l.voteCalls.Add(1)
	if l.voteErr != nil {
		return l.voteErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[name+"|"+l.voter] += strength
	l.balances[l.voter] -= strength
	return nil
}

func (l *fakeLedger) Tally(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, p := range l.pending {
		if strings.HasPrefix(key, name+"|") {
			l.credits[key] += p
			delete(l.pending, key)
		}
	}
	return nil
}

func (l *fakeLedger) ListMembers(context.Context, string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.members...), nil
}

func (l *fakeLedger) setMembers(members ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.members = members
}

func (l *fakeLedger) ListPolicies(context.Context) ([]gov4git.Policy, error) {
	return l.policies, nil
}

func (l *fakeLedger) Deploy(_ context.Context, _, project, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deploys = append(l.deploys, project)
	return nil
}

type fakeDeviceFlow struct {
	StartFn    func(ctx context.Context) (*oauth2.DeviceAuthResponse, error)
	ExchangeFn func(ctx context.Context, auth *oauth2.DeviceAuthResponse) (string, error)
}

func (f *fakeDeviceFlow) Start(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	return f.StartFn(ctx)
}

func (f *fakeDeviceFlow) Exchange(ctx context.Context, auth *oauth2.DeviceAuthResponse) (string, error) {
	return f.ExchangeFn(ctx, auth)
}

type stringLogs string

func (s stringLogs) Export(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, string(s))
	return int64(n), err
}
