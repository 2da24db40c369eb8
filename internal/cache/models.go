// Package cache persists the client's view of users, communities, ballots
// and policies. Rows are reloaded wholesale from gov4git and GitHub; the
// cache is never a system of record.
package cache

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a cached row does not exist.
var ErrNotFound = errors.New("cache: not found")

// User is the signed-in GitHub account and its identity repositories.
type User struct {
	Login            string    `json:"login"`
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	AvatarURL        string    `json:"avatarUrl"`
	Token            string    `json:"-"`
	MemberPublicURL  string    `json:"memberPublicUrl"`
	MemberPrivateURL string    `json:"memberPrivateUrl"`
	// VotingCredits is the balance in the selected community.
	VotingCredits    float64   `json:"votingCredits"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Community is a governed project and its pair of ledger repositories.
type Community struct {
	URL            string    `json:"url"`
	Name           string    `json:"name"`
	ProjectURL     string    `json:"projectUrl"`
	GovPublicURL   string    `json:"govPublicUrl"`
	GovPrivateURL  string    `json:"govPrivateUrl"`
	Branch         string    `json:"branch"`
	ConfigPath     string    `json:"configPath"`
	Selected       bool      `json:"selected"`
	IsMember       bool      `json:"isMember"`
	IsMaintainer   bool      `json:"isMaintainer"`
	JoinRequestURL string    `json:"joinRequestUrl,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// BallotStatus is the lifecycle state reported by gov4git.
type BallotStatus string

const (
	BallotOpen      BallotStatus = "open"
	BallotFrozen    BallotStatus = "frozen"
	BallotClosed    BallotStatus = "closed"
	BallotCancelled BallotStatus = "cancelled"
)

// Ballot labels group motions by the GitHub object they mirror.
const (
	LabelIssues       = "issues"
	LabelPullRequests = "pull-requests"
	LabelOther        = "other"
)

// Ballot is one motion's ballot as seen by one user in one community.
type Ballot struct {
	CommunityURL     string       `json:"communityUrl"`
	User             string       `json:"user"`
	Identifier       string       `json:"identifier"`
	Label            string       `json:"label"`
	Title            string       `json:"title"`
	Description      string       `json:"description"`
	IssueURL         string       `json:"issueUrl"`
	Choices          []string     `json:"choices"`
	Score            float64      `json:"score"`
	TalliedScore     float64      `json:"talliedScore"`
	TalliedCredits   float64      `json:"talliedCredits"`
	PendingScoreDiff float64      `json:"pendingScoreDiff"`
	PendingCredits   float64      `json:"pendingCredits"`
	Status           BallotStatus `json:"status"`
	FetchedAt        time.Time    `json:"fetchedAt"`
}

// Choice is the choice votes are cast on; gov4git motion ballots carry one.
func (b *Ballot) Choice() string {
	if len(b.Choices) == 0 {
		return ""
	}
	return b.Choices[0]
}

// Policy is a motion policy advertised by the community.
type Policy struct {
	CommunityURL string `json:"communityUrl"`
	Name         string `json:"name"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Kind         string `json:"kind"`
}

// BallotFilter narrows ListBallots. Zero fields match everything.
type BallotFilter struct {
	CommunityURL string
	User         string
	Status       BallotStatus
	Label        string
	Search       string
	Limit        int
}
