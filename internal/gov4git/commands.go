package gov4git

import (
	"context"
	"strconv"
)

// VotingCreditsKey is the balance key holding a member's voting credits.
const VotingCreditsKey = "voting_credits"

// EverybodyGroup contains every community member.
const EverybodyGroup = "everybody"

// BallotAd describes a ballot as advertised by the community.
type BallotAd struct {
	Name              string   `json:"name"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	Choices           []string `json:"choices"`
	Strategy          string   `json:"strategy"`
	ParticipantsGroup string   `json:"participants_group"`
	MotionID          string   `json:"motion_id"`
	MotionType        string   `json:"motion_type"`
	URL               string   `json:"url"`
	Frozen            bool     `json:"frozen"`
	Closed            bool     `json:"closed"`
	Cancelled         bool     `json:"cancelled"`
}

// UserVote is a user's tallied position on one choice.
type UserVote struct {
	Score    float64 `json:"score"`
	Strength float64 `json:"strength"`
}

// BallotTally is the last tally written to the ledger.
type BallotTally struct {
	Scores       map[string]float64             `json:"scores"`
	ScoresByUser map[string]map[string]UserVote `json:"scores_by_user"`
}

// BallotView is the result of "ballot show".
type BallotView struct {
	Ad    BallotAd    `json:"ballot_ad"`
	Tally BallotTally `json:"ballot_tally"`
}

// PendingVote is a vote submitted by the local user but not yet tallied.
type PendingVote struct {
	Choice   string  `json:"choice"`
	Strength float64 `json:"strength"`
}

// VoteTracking is the result of "ballot track".
type VoteTracking struct {
	PendingVotes  []PendingVote `json:"pending_votes"`
	AcceptedVotes []PendingVote `json:"accepted_votes"`
	RejectedVotes []PendingVote `json:"rejected_votes"`
}

// PendingCredits sums pending strengths for choice.
func (t VoteTracking) PendingCredits(choice string) float64 {
	var total float64
	for _, v := range t.PendingVotes {
		if v.Choice == choice {
			total += v.Strength
		}
	}
	return total
}

// Policy is a motion policy installed in the community.
type Policy struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
}

// InitID initialises the member identity repositories.
func (c *Client) InitID(ctx context.Context) error {
	_, err := c.Invoke(ctx, "init-id")
	return err
}

// UserBalance returns a member's balance under key.
func (c *Client) UserBalance(ctx context.Context, user, key string) (float64, error) {
	return call[float64](ctx, c, "user", "balance", "get", "--user", user, "--key", key)
}

// ListBallots lists ballots, optionally only open ones.
func (c *Client) ListBallots(ctx context.Context, onlyOpen bool) ([]BallotAd, error) {
	args := []string{"ballot", "list"}
	if onlyOpen {
		args = append(args, "--open")
	}
	return call[[]BallotAd](ctx, c, args...)
}

// ShowBallot returns a ballot with its current tally.
func (c *Client) ShowBallot(ctx context.Context, name string) (*BallotView, error) {
	view, err := call[BallotView](ctx, c, "ballot", "show", "--name", name)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// TrackVotes returns the local user's untallied votes on a ballot.
func (c *Client) TrackVotes(ctx context.Context, name string) (*VoteTracking, error) {
	t, err := call[VoteTracking](ctx, c, "ballot", "track", "--name", name)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Vote submits strength credits towards choice.
func (c *Client) Vote(ctx context.Context, name, choice string, strength float64) error {
	_, err := c.Invoke(ctx, "ballot", "vote",
		"--name", name,
		"--choices", choice,
		"--strengths", strconv.FormatFloat(strength, 'f', -1, 64),
	)
	return err
}

// Tally folds all submitted votes into the ballot's tally.
func (c *Client) Tally(ctx context.Context, name string) error {
	_, err := c.Invoke(ctx, "ballot", "tally", "--name", name)
	return err
}

// ListMembers lists the users in group.
func (c *Client) ListMembers(ctx context.Context, group string) ([]string, error) {
	return call[[]string](ctx, c, "group", "member", "list", "--name", group)
}

// ListPolicies lists the community's motion policies.
func (c *Client) ListPolicies(ctx context.Context) ([]Policy, error) {
	return call[[]Policy](ctx, c, "motion", "policies")
}

// Deploy creates the governance repositories for a GitHub project.
func (c *Client) Deploy(ctx context.Context, token, project, release string) error {
	args := []string{"github", "deploy", "--token", token, "--project", project}
	if release != "" {
		args = append(args, "--release", release)
	}
	_, err := c.Invoke(ctx, args...)
	return err
}
