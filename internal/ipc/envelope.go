// Package ipc carries service calls between the UI client and the backend
// as a typed request/response envelope over a closed set of operations.
package ipc

import "encoding/json"

// Op names one remote operation.
type Op string

const (
	OpUserStartLogin  Op = "user.startLogin"
	OpUserFinishLogin Op = "user.finishLogin"
	OpUserGet         Op = "user.get"
	OpUserLogout      Op = "user.logout"

	OpCommunityAdd    Op = "community.add"
	OpCommunityList   Op = "community.list"
	OpCommunitySelect Op = "community.select"
	OpCommunityRemove Op = "community.remove"
	OpCommunityJoin   Op = "community.join"
	OpCommunityDeploy Op = "community.deploy"

	OpBallotRefresh Op = "ballot.refresh"
	OpBallotList    Op = "ballot.list"
	OpBallotGet     Op = "ballot.get"
	OpBallotQuote   Op = "ballot.quote"
	OpBallotVote    Op = "ballot.vote"
	OpBallotTally   Op = "ballot.tally"

	OpPolicyList    Op = "policy.list"
	OpPolicyRefresh Op = "policy.refresh"
)

// Ops is every operation the dispatcher serves.
var Ops = []Op{
	OpUserStartLogin, OpUserFinishLogin, OpUserGet, OpUserLogout,
	OpCommunityAdd, OpCommunityList, OpCommunitySelect, OpCommunityRemove, OpCommunityJoin, OpCommunityDeploy,
	OpBallotRefresh, OpBallotList, OpBallotGet, OpBallotQuote, OpBallotVote, OpBallotTally,
	OpPolicyList, OpPolicyRefresh,
}

// Request is one call.
type Request struct {
	ID     string          `json:"id"`
	Op     Op              `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. Exception is set instead of Error when the
// call failed unexpectedly.
type Response struct {
	ID         string          `json:"id"`
	OK         bool            `json:"ok"`
	StatusCode int             `json:"statusCode"`
	Error      string          `json:"error,omitempty"`
	Exception  string          `json:"exception,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Params for operations that take arguments.
type (
	DeviceCodeParams struct {
		DeviceCode string `json:"deviceCode"`
	}

	CommunityParams struct {
		URL string `json:"url"`
	}

	BallotParams struct {
		Identifier string `json:"identifier"`
	}

	ScoreParams struct {
		Identifier         string  `json:"identifier"`
		DesiredScoreChange float64 `json:"desiredScoreChange"`
	}
)
