package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/skridlevsky/govdesk/internal/cache"
	"github.com/skridlevsky/govdesk/internal/gov4git"
	"github.com/skridlevsky/govdesk/internal/metrics"
	"github.com/skridlevsky/govdesk/internal/voting"
)

// BallotService reads, prices and votes on ballots.
type BallotService struct {
	deps *Deps

	refreshes singleflight.Group
	votes     singleflight.Group
}

// ListParams filters List.
type ListParams struct {
	Status cache.BallotStatus `json:"status,omitempty"`
	Label  string             `json:"label,omitempty"`
	Search string             `json:"search,omitempty"`
}

// QuoteResult is the priced vote together with what it was priced against.
type QuoteResult struct {
	Ballot           *cache.Ballot `json:"ballot"`
	AvailableCredits float64       `json:"availableCredits"`
	Bounds           voting.Bounds `json:"bounds"`
	Quote            voting.Quote  `json:"quote"`
	Submittable      bool          `json:"submittable"`
}

// Refresh reloads every ballot of the selected community from the ledger
// and rewrites the cache. Concurrent refreshes for the same community and
// user share one run, which completes even if every caller goes away.
func (s *BallotService) Refresh(ctx context.Context) (Response[[]*cache.Ballot], error) {
	return respond(s.refresh(ctx))
}

func (s *BallotService) refresh(ctx context.Context) ([]*cache.Ballot, error) {
	u, c, err := s.deps.session(ctx)
	if err != nil {
		return nil, err
	}

	key := c.URL + "\x00" + u.Login
	runCtx := context.WithoutCancel(ctx)
	v, err, _ := s.refreshes.Do(key, func() (any, error) {
		return s.reload(runCtx, u, c)
	})
	if err != nil {
		metrics.CacheRefreshesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.CacheRefreshesTotal.WithLabelValues("success").Inc()
	return v.([]*cache.Ballot), nil
}

// RefreshSelected is the refresher's entry point. It is a no-op when nobody
// is logged in or no community is selected.
func (s *BallotService) RefreshSelected(ctx context.Context) (int, error) {
	ballots, err := s.refresh(ctx)
	var f *Failure
	if errors.As(err, &f) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(ballots), nil
}

func (s *BallotService) reload(ctx context.Context, u *cache.User, c *cache.Community) ([]*cache.Ballot, error) {
	gov := s.deps.Governance(c.ConfigPath)

	ads, err := gov.ListBallots(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list ballots: %w", err)
	}

	ballots := make([]*cache.Ballot, 0, len(ads))
	for _, ad := range ads {
		b, err := loadBallot(ctx, gov, u.Login, ad.Name)
		if err != nil {
			return nil, err
		}
		ballots = append(ballots, b)
	}

	if err := s.deps.Store.ReplaceBallots(ctx, c.URL, u.Login, ballots); err != nil {
		return nil, err
	}
	s.countCached(ctx)

	s.syncMembership(ctx, gov, u, c)
	if c.IsMember {
		refreshCredits(ctx, s.deps, u, c)
	}

	s.deps.logger().Info("ballots refreshed", "community", c.URL, "user", u.Login, "count", len(ballots))
	return ballots, nil
}

// syncMembership re-reads the everybody group so an accepted join request
// takes effect without re-adding the community. Failures keep the cached flag.
func (s *BallotService) syncMembership(ctx context.Context, gov Governance, u *cache.User, c *cache.Community) {
	members, err := gov.ListMembers(ctx, gov4git.EverybodyGroup)
	if err != nil {
		s.deps.logger().Warn("failed to list community members", "community", c.URL, "error", err)
		return
	}
	isMember := containsFold(members, u.Login)
	if isMember == c.IsMember {
		return
	}
	c.IsMember = isMember
	if err := s.deps.Store.UpsertCommunity(ctx, c); err != nil {
		s.deps.logger().Warn("failed to update membership", "community", c.URL, "error", err)
		return
	}
	s.deps.logger().Info("membership changed", "community", c.URL, "user", u.Login, "member", isMember)
}

func (s *BallotService) countCached(ctx context.Context) {
	n, err := s.deps.Store.CountBallots(ctx)
	if err != nil {
		s.deps.logger().Warn("failed to count cached ballots", "error", err)
		return
	}
	metrics.CachedBallots.Set(float64(n))
}

// loadBallot builds the cached view of one ballot for login.
func loadBallot(ctx context.Context, gov Governance, login, name string) (*cache.Ballot, error) {
	view, err := gov.ShowBallot(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to show ballot %s: %w", name, err)
	}
	tracking, err := gov.TrackVotes(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to track votes on %s: %w", name, err)
	}

	b := &cache.Ballot{
		Identifier:  view.Ad.Name,
		Label:       labelFor(view.Ad.MotionType),
		Title:       view.Ad.Title,
		Description: view.Ad.Description,
		IssueURL:    view.Ad.URL,
		Choices:     view.Ad.Choices,
		Status:      statusFor(view.Ad),
	}
	if b.Identifier == "" {
		b.Identifier = name
	}

	choice := b.Choice()
	b.Score = view.Tally.Scores[choice]

	tallied := view.Tally.ScoresByUser[login][choice]
	p := voting.NewPosition(tallied.Score, tracking.PendingCredits(choice))
	b.TalliedScore = p.TalliedScore
	b.TalliedCredits = p.TalliedCredits
	b.PendingCredits = p.PendingCredits
	b.PendingScoreDiff = voting.PendingScoreDiff(p)
	return b, nil
}

func labelFor(motionType string) string {
	switch motionType {
	case "concern":
		return cache.LabelIssues
	case "proposal":
		return cache.LabelPullRequests
	default:
		return cache.LabelOther
	}
}

func statusFor(ad gov4git.BallotAd) cache.BallotStatus {
	switch {
	case ad.Cancelled:
		return cache.BallotCancelled
	case ad.Closed:
		return cache.BallotClosed
	case ad.Frozen:
		return cache.BallotFrozen
	default:
		return cache.BallotOpen
	}
}

func position(b *cache.Ballot) voting.Position {
	return voting.Position{
		TalliedScore:   b.TalliedScore,
		TalliedCredits: b.TalliedCredits,
		PendingCredits: b.PendingCredits,
	}
}

// List returns cached ballots for the selected community, refreshing first
// when nothing is cached yet.
func (s *BallotService) List(ctx context.Context, params ListParams) (Response[[]*cache.Ballot], error) {
	return respond(s.list(ctx, params))
}

func (s *BallotService) list(ctx context.Context, params ListParams) ([]*cache.Ballot, error) {
	u, c, err := s.deps.session(ctx)
	if err != nil {
		return nil, err
	}

	existing, err := s.deps.Store.ListBallots(ctx, cache.BallotFilter{CommunityURL: c.URL, User: u.Login, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		if _, err := s.refresh(ctx); err != nil {
			return nil, err
		}
	}

	return s.deps.Store.ListBallots(ctx, cache.BallotFilter{
		CommunityURL: c.URL,
		User:         u.Login,
		Status:       params.Status,
		Label:        params.Label,
		Search:       params.Search,
	})
}

// Get returns one cached ballot.
func (s *BallotService) Get(ctx context.Context, identifier string) (Response[*cache.Ballot], error) {
	return respond(s.get(ctx, identifier))
}

func (s *BallotService) get(ctx context.Context, identifier string) (*cache.Ballot, error) {
	u, c, err := s.deps.session(ctx)
	if err != nil {
		return nil, err
	}
	return s.cached(ctx, u, c, identifier)
}

func (s *BallotService) cached(ctx context.Context, u *cache.User, c *cache.Community, identifier string) (*cache.Ballot, error) {
	b, err := s.deps.Store.GetBallot(ctx, c.URL, u.Login, identifier)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, fail(http.StatusNotFound, "ballot %s not found", identifier)
	}
	return b, err
}

// Quote prices desiredScoreChange on a ballot against the user's credits.
// The change is clamped to what the balance allows.
func (s *BallotService) Quote(ctx context.Context, identifier string, desiredScoreChange float64) (Response[*QuoteResult], error) {
	return respond(s.quote(ctx, identifier, desiredScoreChange))
}

func (s *BallotService) quote(ctx context.Context, identifier string, desiredScoreChange float64) (*QuoteResult, error) {
	u, c, err := s.deps.session(ctx)
	if err != nil {
		return nil, err
	}
	b, err := s.cached(ctx, u, c, identifier)
	if err != nil {
		return nil, err
	}
	available, err := s.available(ctx, u, c)
	if err != nil {
		return nil, err
	}
	return priceVote(b, available, desiredScoreChange), nil
}

// available is what the user can spend in c. Non-members have nothing.
func (s *BallotService) available(ctx context.Context, u *cache.User, c *cache.Community) (float64, error) {
	if !c.IsMember {
		return 0, nil
	}
	return liveCredits(ctx, s.deps, u, c)
}

func priceVote(b *cache.Ballot, available, desiredScoreChange float64) *QuoteResult {
	p := position(b)
	q := voting.QuoteFor(p, desiredScoreChange, available)
	return &QuoteResult{
		Ballot:           b,
		AvailableCredits: available,
		Bounds:           voting.ComputeBounds(p, available),
		Quote:            q,
		Submittable:      q.Submittable() && b.Status == cache.BallotOpen,
	}
}

// Vote moves the user's score on a ballot by desiredScoreChange (clamped)
// and submits the resulting credit strength to the ledger.
func (s *BallotService) Vote(ctx context.Context, identifier string, desiredScoreChange float64) (Response[*cache.Ballot], error) {
	return respond(s.vote(ctx, identifier, desiredScoreChange))
}

func (s *BallotService) vote(ctx context.Context, identifier string, desiredScoreChange float64) (*cache.Ballot, error) {
	u, c, err := s.deps.session(ctx)
	if err != nil {
		return nil, err
	}
	if !c.IsMember {
		return nil, fail(http.StatusForbidden, "you are not a member of %s", c.Name)
	}
	b, err := s.cached(ctx, u, c, identifier)
	if err != nil {
		return nil, err
	}
	if b.Status != cache.BallotOpen {
		metrics.VotesTotal.WithLabelValues("closed").Inc()
		return nil, fail(http.StatusConflict, MsgBallotClosed)
	}

	available, err := s.available(ctx, u, c)
	if err != nil {
		return nil, err
	}
	q := voting.QuoteFor(position(b), desiredScoreChange, available)
	if !q.Submittable() {
		metrics.VotesTotal.WithLabelValues("noop").Inc()
		return nil, fail(http.StatusBadRequest, MsgVoteWouldNotApply)
	}

	key := c.URL + "\x00" + u.Login + "\x00" + identifier + "\x00" + strconv.FormatFloat(q.VoteStrengthInCredits, 'g', -1, 64)
	runCtx := context.WithoutCancel(ctx)
	v, err, _ := s.votes.Do(key, func() (any, error) {
		return s.submit(runCtx, u, c, b, q)
	})
	if err != nil {
		return nil, err
	}
	return v.(*cache.Ballot), nil
}

func (s *BallotService) submit(ctx context.Context, u *cache.User, c *cache.Community, b *cache.Ballot, q voting.Quote) (*cache.Ballot, error) {
	gov := s.deps.Governance(c.ConfigPath)
	log := s.deps.logger().With("community", c.URL, "ballot", b.Identifier, "user", u.Login)

	err := gov.Vote(ctx, b.Identifier, b.Choice(), q.VoteStrengthInCredits)
	if voting.IsBallotClosed(err) {
		metrics.VotesTotal.WithLabelValues("closed").Inc()
		log.Info("vote rejected: ballot closed")
		b.Status = cache.BallotClosed
		if err := s.deps.Store.ReplaceBallot(ctx, b); err != nil {
			log.Warn("failed to mark ballot closed", "error", err)
		}
		return nil, fail(http.StatusConflict, MsgBallotClosed)
	}
	if err != nil {
		metrics.VotesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to submit vote: %w", err)
	}
	metrics.VotesTotal.WithLabelValues("submitted").Inc()
	log.Info("vote submitted", "strength", q.VoteStrengthInCredits, "new_score", q.NewTotalScore)

	return s.reloadOne(ctx, u, c, b.Identifier)
}

// Tally folds submitted votes into a ballot. Maintainers only.
func (s *BallotService) Tally(ctx context.Context, identifier string) (Response[*cache.Ballot], error) {
	return respond(s.tally(ctx, identifier))
}

func (s *BallotService) tally(ctx context.Context, identifier string) (*cache.Ballot, error) {
	u, c, err := s.deps.session(ctx)
	if err != nil {
		return nil, err
	}
	if !c.IsMaintainer {
		return nil, fail(http.StatusForbidden, "only maintainers of %s can tally", c.Name)
	}
	if _, err := s.cached(ctx, u, c, identifier); err != nil {
		return nil, err
	}

	if err := s.deps.Governance(c.ConfigPath).Tally(context.WithoutCancel(ctx), identifier); err != nil {
		return nil, fmt.Errorf("failed to tally %s: %w", identifier, err)
	}
	return s.reloadOne(context.WithoutCancel(ctx), u, c, identifier)
}

// reloadOne rewrites one ballot from the ledger and refreshes credits.
func (s *BallotService) reloadOne(ctx context.Context, u *cache.User, c *cache.Community, identifier string) (*cache.Ballot, error) {
	b, err := loadBallot(ctx, s.deps.Governance(c.ConfigPath), u.Login, identifier)
	if err != nil {
		return nil, err
	}
	b.CommunityURL = c.URL
	b.User = u.Login
	if err := s.deps.Store.ReplaceBallot(ctx, b); err != nil {
		return nil, err
	}
	if c.IsMember {
		refreshCredits(ctx, s.deps, u, c)
	}
	return b, nil
}
