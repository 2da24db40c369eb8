package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/skridlevsky/govdesk/internal/cache"
	"github.com/skridlevsky/govdesk/internal/github"
	"github.com/skridlevsky/govdesk/internal/gov4git"
)

const communityURL = "https://github.com/acme/widgets"

type testEnv struct {
	store  *memStore
	gh     *fakeGitHub
	ledger *fakeLedger
	flow   *fakeDeviceFlow
	deps   *Deps
	svc    *Services
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		store:  newMemStore(),
		gh:     &fakeGitHub{},
		ledger: newFakeLedger("alice"),
		flow:   &fakeDeviceFlow{},
	}
	e.deps = &Deps{
		Store:      e.store,
		GitHub:     func(string) GitHub { return e.gh },
		Governance: func(string) Governance { return e.ledger },
		DeviceFlow: e.flow,
		Logs:       stringLogs("line one\nline two\n"),
		DataDir:    t.TempDir(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	e.svc = New(e.deps)
	return e
}

func (e *testEnv) login(t *testing.T, credits float64) {
	t.Helper()
	require.NoError(t, e.store.UpsertUser(context.Background(), &cache.User{
		Login:           "alice",
		Token:           "tok",
		VotingCredits:   credits,
		MemberPublicURL: "https://github.com/alice/gov4git-identity-public.git",
	}))
	e.ledger.balances["alice"] = credits
}

func (e *testEnv) selectCommunity(t *testing.T, member, maintainer bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.UpsertCommunity(ctx, &cache.Community{
		URL:          communityURL,
		Name:         "widgets",
		ProjectURL:   communityURL,
		ConfigPath:   filepath.Join(e.deps.DataDir, "widgets.json"),
		Branch:       "main",
		IsMember:     member,
		IsMaintainer: maintainer,
	}))
	require.NoError(t, e.store.SelectCommunity(ctx, communityURL))
	if member {
		e.ledger.setMembers("alice")
	} else {
		e.ledger.setMembers()
	}
}

// --- user ---

func TestUser_GetWithoutLoginIs401(t *testing.T) {
	e := newTestEnv(t)

	resp, err := e.svc.User.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, MsgNotLoggedIn, resp.Error)
}

func TestUser_LoginFlow(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.flow.StartFn = func(context.Context) (*oauth2.DeviceAuthResponse, error) {
		return &oauth2.DeviceAuthResponse{
			DeviceCode:      "dev-1",
			UserCode:        "ABCD-1234",
			VerificationURI: "https://github.com/login/device",
			Expiry:          time.Now().Add(15 * time.Minute),
			Interval:        5,
		}, nil
	}
	e.flow.ExchangeFn = func(_ context.Context, auth *oauth2.DeviceAuthResponse) (string, error) {
		assert.Equal(t, "dev-1", auth.DeviceCode)
		return "gho_token", nil
	}
	e.gh.GetAuthenticatedUserFn = func(context.Context) (*github.User, error) {
		return &github.User{Login: "alice", ID: 42, Name: "Alice"}, nil
	}
	e.gh.RepoExistsFn = func(_ context.Context, owner, repo string) (bool, error) {
		assert.Equal(t, "alice", owner)
		return repo == IdentityPublicRepo, nil
	}
	var created []github.CreateRepoRequest
	e.gh.CreateRepoFn = func(_ context.Context, req github.CreateRepoRequest) (*github.Repo, error) {
		created = append(created, req)
		return &github.Repo{Name: req.Name}, nil
	}

	challenge, err := e.svc.User.StartLogin(ctx)
	require.NoError(t, err)
	require.True(t, challenge.OK)
	assert.Equal(t, "ABCD-1234", challenge.Data.UserCode)

	unknown, err := e.svc.User.FinishLogin(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, unknown.StatusCode)

	resp, err := e.svc.User.FinishLogin(ctx, "dev-1")
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "alice", resp.Data.Login)
	assert.Equal(t, "https://github.com/alice/gov4git-identity-private.git", resp.Data.MemberPrivateURL)

	require.Len(t, created, 1)
	assert.Equal(t, IdentityPrivateRepo, created[0].Name)
	assert.True(t, created[0].Private)

	cached, err := e.store.GetUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gho_token", cached.Token)

	// The device code is single use.
	again, err := e.svc.User.FinishLogin(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, again.StatusCode)
}

func TestUser_FinishLoginDenied(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.flow.StartFn = func(context.Context) (*oauth2.DeviceAuthResponse, error) {
		return &oauth2.DeviceAuthResponse{DeviceCode: "dev-2"}, nil
	}
	e.flow.ExchangeFn = func(context.Context, *oauth2.DeviceAuthResponse) (string, error) {
		return "", errors.New("access_denied")
	}

	_, err := e.svc.User.StartLogin(ctx)
	require.NoError(t, err)

	resp, err := e.svc.User.FinishLogin(ctx, "dev-2")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Error, "access_denied")
}

func TestUser_GetRefreshesCredits(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, 5)
	e.selectCommunity(t, true, false)
	e.ledger.balances["alice"] = 30

	resp, err := e.svc.User.Get(context.Background())
	require.NoError(t, err)
	require.True(t, resp.OK)
	assert.Equal(t, 30.0, resp.Data.VotingCredits)

	u, err := e.store.GetUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30.0, u.VotingCredits)
}

func TestUser_Logout(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, 5)
	resets := 0
	e.deps.SessionChanged = func() { resets++ }

	resp, err := e.svc.User.Logout(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, 1, resets)

	get, err := e.svc.User.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get.StatusCode)
}

// --- community ---

func TestCommunity_Add(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, 0)
	ctx := context.Background()

	e.gh.GetRepoFn = func(_ context.Context, owner, repo string) (*github.Repo, error) {
		r := &github.Repo{Name: repo, FullName: owner + "/" + repo, DefaultBranch: "main"}
		r.Owner.Login = owner
		if repo == "widgets" {
			r.Permissions.Push = true
		}
		return r, nil
	}
	e.gh.HasCommitsFn = func(_ context.Context, owner, repo, _ string) (bool, error) {
		return !(owner == "alice" && repo == IdentityPublicRepo), nil
	}
	e.ledger.members = []string{"Alice", "bob"}

	resp, err := e.svc.Community.Add(ctx, "https://github.com/acme/widgets.git")
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)

	c := resp.Data
	assert.Equal(t, communityURL, c.URL)
	assert.Equal(t, "https://github.com/acme/widgets-gov.public.git", c.GovPublicURL)
	assert.True(t, c.IsMember)
	assert.True(t, c.IsMaintainer)
	assert.True(t, c.Selected)
	assert.Equal(t, int32(1), e.ledger.initCalls.Load())

	data, err := os.ReadFile(c.ConfigPath)
	require.NoError(t, err)
	var cfg gov4git.ConfigFile
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, "tok", cfg.Auth[c.GovPrivateURL].AccessToken)
	assert.Equal(t, "https://github.com/alice/gov4git-identity-public.git", cfg.MemberPublicURL)

	selected, err := e.store.GetSelectedCommunity(ctx)
	require.NoError(t, err)
	assert.Equal(t, communityURL, selected.URL)
}

func TestCommunity_AddFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("not logged in", func(t *testing.T) {
		e := newTestEnv(t)
		resp, err := e.svc.Community.Add(ctx, communityURL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("invalid url", func(t *testing.T) {
		e := newTestEnv(t)
		e.login(t, 0)
		resp, err := e.svc.Community.Add(ctx, "not a url")
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("project missing", func(t *testing.T) {
		e := newTestEnv(t)
		e.login(t, 0)
		e.gh.GetRepoFn = func(context.Context, string, string) (*github.Repo, error) {
			return nil, &github.APIError{StatusCode: http.StatusNotFound}
		}
		resp, err := e.svc.Community.Add(ctx, communityURL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("governance repo missing", func(t *testing.T) {
		e := newTestEnv(t)
		e.login(t, 0)
		e.gh.RepoExistsFn = func(_ context.Context, _, repo string) (bool, error) {
			return !strings.HasSuffix(repo, "-gov.private"), nil
		}
		resp, err := e.svc.Community.Add(ctx, communityURL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, resp.Error, "widgets-gov.private not found")
	})

	t.Run("governance repo empty", func(t *testing.T) {
		e := newTestEnv(t)
		e.login(t, 0)
		e.gh.HasCommitsFn = func(_ context.Context, _, repo, _ string) (bool, error) {
			return repo != "widgets-gov.public", nil
		}
		resp, err := e.svc.Community.Add(ctx, communityURL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, resp.Error, "is empty")
	})

	t.Run("github failure is an exception", func(t *testing.T) {
		e := newTestEnv(t)
		e.login(t, 0)
		e.gh.GetRepoFn = func(context.Context, string, string) (*github.Repo, error) {
			return nil, &github.APIError{StatusCode: http.StatusBadGateway, Message: "bad gateway"}
		}
		_, err := e.svc.Community.Add(ctx, communityURL)
		assert.Error(t, err)
	})
}

func TestCommunity_SelectAndRemove(t *testing.T) {
	e := newTestEnv(t)
	e.selectCommunity(t, true, false)
	ctx := context.Background()

	cfgPath := filepath.Join(e.deps.DataDir, "widgets.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte("{}"), 0o600))

	missing, err := e.svc.Community.Select(ctx, "https://github.com/acme/none")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	sel, err := e.svc.Community.Select(ctx, communityURL)
	require.NoError(t, err)
	assert.True(t, sel.Data.Selected)

	list, err := e.svc.Community.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list.Data, 1)

	var forgotten string
	e.deps.ConfigRemoved = func(path string) { forgotten = path }

	rm, err := e.svc.Community.Remove(ctx, communityURL)
	require.NoError(t, err)
	assert.True(t, rm.OK)
	_, err = os.Stat(cfgPath)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, cfgPath, forgotten)

	again, err := e.svc.Community.Remove(ctx, communityURL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, again.StatusCode)
}

func TestCommunity_RemoveWithdrawsPendingJoinRequest(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, 0)
	e.selectCommunity(t, false, false)
	ctx := context.Background()

	c, err := e.store.GetCommunity(ctx, communityURL)
	require.NoError(t, err)
	c.JoinRequestURL = "https://github.com/acme/widgets/issues/9"
	require.NoError(t, e.store.UpsertCommunity(ctx, c))

	var commented, closed bool
	e.gh.CreateCommentFn = func(_ context.Context, owner, repo string, number int, body string) (*github.Comment, error) {
		assert.Equal(t, "acme/widgets#9", fmt.Sprintf("%s/%s#%d", owner, repo, number))
		assert.Equal(t, JoinWithdrawnComment, body)
		commented = true
		return &github.Comment{ID: 1}, nil
	}
	e.gh.UpdateIssueFn = func(_ context.Context, _, _ string, number int, update github.IssueUpdate) (*github.Issue, error) {
		require.NotNil(t, update.State)
		assert.Equal(t, "closed", *update.State)
		closed = true
		return &github.Issue{Number: number, State: "closed"}, nil
	}

	rm, err := e.svc.Community.Remove(ctx, communityURL)
	require.NoError(t, err)
	assert.True(t, rm.OK)
	assert.True(t, commented)
	assert.True(t, closed)
}

func TestCommunity_RemoveIgnoresWithdrawFailure(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, 0)
	e.selectCommunity(t, false, false)
	ctx := context.Background()

	c, err := e.store.GetCommunity(ctx, communityURL)
	require.NoError(t, err)
	c.JoinRequestURL = "https://github.com/acme/widgets/issues/9"
	require.NoError(t, e.store.UpsertCommunity(ctx, c))

	e.gh.CreateCommentFn = func(context.Context, string, string, int, string) (*github.Comment, error) {
		return nil, &github.APIError{StatusCode: http.StatusForbidden, Message: "locked"}
	}

	rm, err := e.svc.Community.Remove(ctx, communityURL)
	require.NoError(t, err)
	assert.True(t, rm.OK)
}

func TestCommunity_RequestToJoin(t *testing.T) {
	ctx := context.Background()

	t.Run("reuses open issue", func(t *testing.T) {
		e := newTestEnv(t)
		e.login(t, 0)
		e.selectCommunity(t, false, false)
		e.gh.SearchIssuesFn = func(_ context.Context, q string) (*github.SearchResult, error) {
			assert.Contains(t, q, "repo:acme/widgets")
			assert.Contains(t, q, "author:alice")
			return &github.SearchResult{Items: []github.Issue{{Number: 3, Title: JoinRequestTitle, HTMLURL: "https://github.com/acme/widgets/issues/3"}}}, nil
		}
		e.gh.CreateIssueFn = func(context.Context, string, string, github.IssueRequest) (*github.Issue, error) {
			t.Fatal("must not create a second join issue")
			return nil, nil
		}

		resp, err := e.svc.Community.RequestToJoin(ctx, communityURL)
		require.NoError(t, err)
		require.True(t, resp.OK, resp.Error)
		assert.Equal(t, "https://github.com/acme/widgets/issues/3", resp.Data.JoinRequestURL)
	})

	t.Run("creates issue", func(t *testing.T) {
		e := newTestEnv(t)
		e.login(t, 0)
		e.selectCommunity(t, false, false)
		e.gh.SearchIssuesFn = func(context.Context, string) (*github.SearchResult, error) {
			return &github.SearchResult{}, nil
		}
		e.gh.CreateIssueFn = func(_ context.Context, owner, repo string, req github.IssueRequest) (*github.Issue, error) {
			assert.Equal(t, "acme", owner)
			assert.Equal(t, "widgets", repo)
			assert.Equal(t, JoinRequestTitle, req.Title)
			assert.Contains(t, req.Body, "https://github.com/alice/gov4git-identity-public")
			return &github.Issue{Number: 9, HTMLURL: "https://github.com/acme/widgets/issues/9"}, nil
		}

		resp, err := e.svc.Community.RequestToJoin(ctx, communityURL)
		require.NoError(t, err)
		require.True(t, resp.OK, resp.Error)

		c, err := e.store.GetCommunity(ctx, communityURL)
		require.NoError(t, err)
		assert.Equal(t, "https://github.com/acme/widgets/issues/9", c.JoinRequestURL)
	})

	t.Run("already member", func(t *testing.T) {
		e := newTestEnv(t)
		e.login(t, 0)
		e.selectCommunity(t, true, false)
		resp, err := e.svc.Community.RequestToJoin(ctx, communityURL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestCommunity_Deploy(t *testing.T) {
	ctx := context.Background()

	orgRepo := func(_ context.Context, owner, repo string) (*github.Repo, error) {
		r := &github.Repo{Name: repo, DefaultBranch: "main"}
		r.Owner.Login = owner
		r.Owner.Type = "Organization"
		return r, nil
	}

	t.Run("org member without admin", func(t *testing.T) {
		e := newTestEnv(t)
		e.login(t, 0)
		e.gh.GetRepoFn = orgRepo
		e.gh.GetOrgMembershipFn = func(context.Context, string) (*github.Membership, error) {
			return &github.Membership{State: "active", Role: "member"}, nil
		}
		resp, err := e.svc.Community.Deploy(ctx, communityURL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Empty(t, e.ledger.deploys)
	})

	t.Run("not an org member", func(t *testing.T) {
		e := newTestEnv(t)
		e.login(t, 0)
		e.gh.GetRepoFn = orgRepo
		e.gh.GetOrgMembershipFn = func(context.Context, string) (*github.Membership, error) {
			return nil, &github.APIError{StatusCode: http.StatusNotFound}
		}
		resp, err := e.svc.Community.Deploy(ctx, communityURL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("org admin deploys and adds", func(t *testing.T) {
		e := newTestEnv(t)
		e.login(t, 0)
		e.gh.GetRepoFn = orgRepo
		e.gh.GetOrgMembershipFn = func(context.Context, string) (*github.Membership, error) {
			return &github.Membership{State: "active", Role: "admin"}, nil
		}
		resp, err := e.svc.Community.Deploy(ctx, communityURL)
		require.NoError(t, err)
		require.True(t, resp.OK, resp.Error)
		assert.Equal(t, []string{"acme/widgets"}, e.ledger.deploys)
		assert.True(t, resp.Data.Selected)
	})

	t.Run("personal repo of someone else", func(t *testing.T) {
		e := newTestEnv(t)
		e.login(t, 0)
		resp, err := e.svc.Community.Deploy(ctx, "https://github.com/bob/tool")
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

// --- ballots ---

func TestBallot_VoteTallyRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, 10)
	e.selectCommunity(t, true, true)
	e.ledger.addBallot("pmp/motion/1", "Fix login", "concern")
	ctx := context.Background()

	refreshed, err := e.svc.Ballot.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, refreshed.OK, refreshed.Error)
	require.Len(t, refreshed.Data, 1)
	assert.Equal(t, cache.LabelIssues, refreshed.Data[0].Label)

	quote, err := e.svc.Ballot.Quote(ctx, "pmp/motion/1", 2)
	require.NoError(t, err)
	require.True(t, quote.OK)
	assert.Equal(t, 4.0, quote.Data.Quote.VoteStrengthInCredits)
	assert.True(t, quote.Data.Submittable)

	voted, err := e.svc.Ballot.Vote(ctx, "pmp/motion/1", 2)
	require.NoError(t, err)
	require.True(t, voted.OK, voted.Error)
	assert.Equal(t, 4.0, voted.Data.PendingCredits)
	assert.Equal(t, 2.0, voted.Data.PendingScoreDiff)
	assert.Equal(t, 0.0, voted.Data.Score)

	tallied, err := e.svc.Ballot.Tally(ctx, "pmp/motion/1")
	require.NoError(t, err)
	require.True(t, tallied.OK, tallied.Error)
	assert.Equal(t, 2.0, tallied.Data.Score)
	assert.Equal(t, 2.0, tallied.Data.TalliedScore)
	assert.Equal(t, 0.0, tallied.Data.PendingScoreDiff)

	u, err := e.store.GetUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6.0, u.VotingCredits)
}

func TestBallot_VoteGuards(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, member bool) *testEnv {
		e := newTestEnv(t)
		e.login(t, 10)
		e.selectCommunity(t, member, false)
		e.ledger.addBallot("pmp/motion/1", "Fix login", "concern")
		_, err := e.svc.Ballot.Refresh(ctx)
		require.NoError(t, err)
		return e
	}

	t.Run("no-op", func(t *testing.T) {
		e := setup(t, true)
		resp, err := e.svc.Ballot.Vote(ctx, "pmp/motion/1", 0)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, MsgVoteWouldNotApply, resp.Error)
		assert.Equal(t, int32(0), e.ledger.voteCalls.Load())
	})

	t.Run("closed ballot", func(t *testing.T) {
		e := setup(t, true)
		e.ledger.voteErr = &gov4git.CommandError{Command: "ballot vote", Message: "vote rejected: Ballot Is Closed"}

		resp, err := e.svc.Ballot.Vote(ctx, "pmp/motion/1", 1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, MsgBallotClosed, resp.Error)

		b, err := e.store.GetBallot(ctx, communityURL, "alice", "pmp/motion/1")
		require.NoError(t, err)
		assert.Equal(t, cache.BallotClosed, b.Status)

		// Once cached as closed the CLI is not called again.
		resp, err = e.svc.Ballot.Vote(ctx, "pmp/motion/1", 1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, int32(1), e.ledger.voteCalls.Load())
	})

	t.Run("generic failure is an exception", func(t *testing.T) {
		e := setup(t, true)
		e.ledger.voteErr = &gov4git.CommandError{Command: "ballot vote", Message: "push rejected"}

		_, err := e.svc.Ballot.Vote(ctx, "pmp/motion/1", 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "push rejected")
	})

	t.Run("not a member", func(t *testing.T) {
		e := setup(t, false)
		resp, err := e.svc.Ballot.Vote(ctx, "pmp/motion/1", 1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("unknown ballot", func(t *testing.T) {
		e := setup(t, true)
		resp, err := e.svc.Ballot.Vote(ctx, "pmp/motion/404", 1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("tally requires maintainer", func(t *testing.T) {
		e := setup(t, true)
		resp, err := e.svc.Ballot.Tally(ctx, "pmp/motion/1")
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestBallot_QuoteClampsToCredits(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, 9)
	e.selectCommunity(t, true, false)
	e.ledger.addBallot("pmp/motion/1", "Fix login", "concern")
	ctx := context.Background()

	_, err := e.svc.Ballot.Refresh(ctx)
	require.NoError(t, err)

	resp, err := e.svc.Ballot.Quote(ctx, "pmp/motion/1", 10)
	require.NoError(t, err)
	require.True(t, resp.OK)
	assert.Equal(t, 3.0, resp.Data.Bounds.MaxScore)
	assert.Equal(t, 3.0, resp.Data.Quote.DesiredScoreChange)
	assert.Equal(t, 9.0, resp.Data.Quote.VoteStrengthInCredits)
}

func TestBallot_CreditsFollowSelectedCommunity(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, 100)
	e.selectCommunity(t, true, false)
	ctx := context.Background()

	const gadgetsURL = "https://github.com/acme/gadgets"
	gadgetsPath := filepath.Join(e.deps.DataDir, "gadgets.json")
	gadgets := newFakeLedger("alice")
	gadgets.balances["alice"] = 1
	gadgets.setMembers("alice")
	gadgets.addBallot("b1", "Ship it", "concern")
	e.deps.Governance = func(path string) Governance {
		if path == gadgetsPath {
			return gadgets
		}
		return e.ledger
	}
	require.NoError(t, e.store.UpsertCommunity(ctx, &cache.Community{
		URL:        gadgetsURL,
		Name:       "gadgets",
		ProjectURL: gadgetsURL,
		ConfigPath: gadgetsPath,
		IsMember:   true,
	}))

	sel, err := e.svc.Community.Select(ctx, gadgetsURL)
	require.NoError(t, err)
	require.True(t, sel.OK, sel.Error)
	u, err := e.store.GetUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, u.VotingCredits)

	refreshed, err := e.svc.Ballot.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, refreshed.OK, refreshed.Error)

	// Back to widgets, where the balance is 100, then to gadgets again.
	_, err = e.svc.Community.Select(ctx, communityURL)
	require.NoError(t, err)
	got, err := e.svc.User.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Data.VotingCredits)
	_, err = e.svc.Community.Select(ctx, gadgetsURL)
	require.NoError(t, err)

	quote, err := e.svc.Ballot.Quote(ctx, "b1", 10)
	require.NoError(t, err)
	require.True(t, quote.OK, quote.Error)
	assert.Equal(t, 1.0, quote.Data.AvailableCredits)
	assert.Equal(t, 1.0, quote.Data.Bounds.MaxScore)
	assert.Equal(t, 1.0, quote.Data.Quote.VoteStrengthInCredits)

	voted, err := e.svc.Ballot.Vote(ctx, "b1", 10)
	require.NoError(t, err)
	require.True(t, voted.OK, voted.Error)
	assert.Equal(t, 1.0, voted.Data.PendingCredits)
	assert.Equal(t, 0.0, gadgets.balances["alice"])
	assert.Equal(t, 100.0, e.ledger.balances["alice"])
}

func TestBallot_RefreshPicksUpAcceptedJoin(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, 10)
	e.selectCommunity(t, false, false)
	e.ledger.addBallot("pmp/motion/1", "Fix login", "concern")
	ctx := context.Background()

	_, err := e.svc.Ballot.Refresh(ctx)
	require.NoError(t, err)
	resp, err := e.svc.Ballot.Vote(ctx, "pmp/motion/1", 1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	quote, err := e.svc.Ballot.Quote(ctx, "pmp/motion/1", 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, quote.Data.AvailableCredits)
	assert.False(t, quote.Data.Submittable)

	// The join request is accepted on the ledger.
	e.ledger.setMembers("alice")
	_, err = e.svc.Ballot.Refresh(ctx)
	require.NoError(t, err)

	c, err := e.store.GetCommunity(ctx, communityURL)
	require.NoError(t, err)
	assert.True(t, c.IsMember)
	assert.True(t, c.Selected)

	voted, err := e.svc.Ballot.Vote(ctx, "pmp/motion/1", 1)
	require.NoError(t, err)
	require.True(t, voted.OK, voted.Error)
	assert.Equal(t, int32(1), e.ledger.voteCalls.Load())

	// Leaving the group is picked up the same way.
	e.ledger.setMembers()
	_, err = e.svc.Ballot.Refresh(ctx)
	require.NoError(t, err)
	c, err = e.store.GetCommunity(ctx, communityURL)
	require.NoError(t, err)
	assert.False(t, c.IsMember)
}

func TestBallot_RefreshIsSingleFlight(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, 0)
	e.selectCommunity(t, false, false)
	e.ledger.addBallot("pmp/motion/1", "A", "concern")
	e.ledger.listGate = make(chan struct{})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Response[[]*cache.Ballot], 2)
	refresh := func(i int) {
		defer wg.Done()
		resp, err := e.svc.Ballot.Refresh(ctx)
		assert.NoError(t, err)
		results[i] = resp
	}

	wg.Add(1)
	go refresh(0)
	require.Eventually(t, func() bool { return e.ledger.listCalls.Load() == 1 }, time.Second, time.Millisecond)
	wg.Add(1)
	go refresh(1)
	time.Sleep(50 * time.Millisecond)
	close(e.ledger.listGate)
	wg.Wait()

	assert.Equal(t, int32(1), e.ledger.listCalls.Load())
	assert.Len(t, results[0].Data, 1)
	assert.Len(t, results[1].Data, 1)
}

func TestBallot_ListRefreshesWhenEmpty(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, 0)
	e.selectCommunity(t, false, false)
	e.ledger.addBallot("pmp/motion/1", "Fix login", "concern")
	e.ledger.addBallot("pmp/motion/2", "Add dark mode", "proposal")
	ctx := context.Background()

	resp, err := e.svc.Ballot.List(ctx, ListParams{Label: cache.LabelPullRequests})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "pmp/motion/2", resp.Data[0].Identifier)
	assert.Equal(t, int32(1), e.ledger.listCalls.Load())

	all, err := e.svc.Ballot.List(ctx, ListParams{})
	require.NoError(t, err)
	assert.Len(t, all.Data, 2)
	assert.Equal(t, int32(1), e.ledger.listCalls.Load())

	got, err := e.svc.Ballot.Get(ctx, "pmp/motion/1")
	require.NoError(t, err)
	assert.Equal(t, "Fix login", got.Data.Title)
}

func TestBallot_NoCommunitySelected(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, 0)

	resp, err := e.svc.Ballot.List(context.Background(), ListParams{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, MsgNoCommunity, resp.Error)

	n, err := e.svc.Ballot.RefreshSelected(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, cache.BallotOpen, statusFor(gov4git.BallotAd{}))
	assert.Equal(t, cache.BallotFrozen, statusFor(gov4git.BallotAd{Frozen: true}))
	assert.Equal(t, cache.BallotClosed, statusFor(gov4git.BallotAd{Frozen: true, Closed: true}))
	assert.Equal(t, cache.BallotCancelled, statusFor(gov4git.BallotAd{Closed: true, Cancelled: true}))
}

// --- policies and logs ---

func TestPolicy_ListLoadsOnce(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, 0)
	e.selectCommunity(t, true, false)
	e.ledger.policies = []gov4git.Policy{{Name: "pmp-issue-v1", Title: "Issues", Kind: "concern"}}
	ctx := context.Background()

	resp, err := e.svc.Policy.List(ctx)
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, communityURL, resp.Data[0].CommunityURL)

	e.ledger.policies = nil
	cached, err := e.svc.Policy.List(ctx)
	require.NoError(t, err)
	assert.Len(t, cached.Data, 1)

	refreshed, err := e.svc.Policy.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, refreshed.Data)
}

func TestLog_Export(t *testing.T) {
	e := newTestEnv(t)
	var buf bytes.Buffer
	n, err := e.svc.Log.Export(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, "line one\nline two\n", buf.String())
}

func TestRespond(t *testing.T) {
	resp, err := respond("x", nil)
	require.NoError(t, err)
	assert.Equal(t, Success("x"), resp)

	resp, err = respond("", fail(http.StatusConflict, "busy"))
	require.NoError(t, err)
	assert.Equal(t, Response[string]{StatusCode: http.StatusConflict, Error: "busy"}, resp)

	boom := errors.New("boom")
	_, err = respond("", boom)
	assert.ErrorIs(t, err, boom)

	var r Result = Success(3)
	ok, code, _ := r.Status()
	assert.True(t, ok)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3, r.Payload())
}
