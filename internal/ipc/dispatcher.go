package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/skridlevsky/govdesk/internal/cache"
	"github.com/skridlevsky/govdesk/internal/service"
)

// HandlerFunc serves one operation.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (service.Result, error)

// Dispatcher routes requests through an explicit operation table.
type Dispatcher struct {
	handlers map[Op]HandlerFunc
	logger   *slog.Logger
}

// NewDispatcher builds the operation table over svc.
func NewDispatcher(svc *service.Services, logger *slog.Logger) *Dispatcher {
	return newDispatcher(map[Op]HandlerFunc{
		OpUserStartLogin: noParams(svc.User.StartLogin),
		OpUserFinishLogin: withParams(func(ctx context.Context, p DeviceCodeParams) (service.Response[*cache.User], error) {
			return svc.User.FinishLogin(ctx, p.DeviceCode)
		}),
		OpUserGet:    noParams(svc.User.Get),
		OpUserLogout: noParams(svc.User.Logout),

		OpCommunityAdd: withParams(func(ctx context.Context, p CommunityParams) (service.Response[*cache.Community], error) {
			return svc.Community.Add(ctx, p.URL)
		}),
		OpCommunityList: noParams(svc.Community.List),
		OpCommunitySelect: withParams(func(ctx context.Context, p CommunityParams) (service.Response[*cache.Community], error) {
			return svc.Community.Select(ctx, p.URL)
		}),
		OpCommunityRemove: withParams(func(ctx context.Context, p CommunityParams) (service.Response[bool], error) {
			return svc.Community.Remove(ctx, p.URL)
		}),
		OpCommunityJoin: withParams(func(ctx context.Context, p CommunityParams) (service.Response[*cache.Community], error) {
			return svc.Community.RequestToJoin(ctx, p.URL)
		}),
		OpCommunityDeploy: withParams(func(ctx context.Context, p CommunityParams) (service.Response[*cache.Community], error) {
			return svc.Community.Deploy(ctx, p.URL)
		}),

		OpBallotRefresh: noParams(svc.Ballot.Refresh),
		OpBallotList:    withParams(svc.Ballot.List),
		OpBallotGet: withParams(func(ctx context.Context, p BallotParams) (service.Response[*cache.Ballot], error) {
			return svc.Ballot.Get(ctx, p.Identifier)
		}),
		OpBallotQuote: withParams(func(ctx context.Context, p ScoreParams) (service.Response[*service.QuoteResult], error) {
			return svc.Ballot.Quote(ctx, p.Identifier, p.DesiredScoreChange)
		}),
		OpBallotVote: withParams(func(ctx context.Context, p ScoreParams) (service.Response[*cache.Ballot], error) {
			return svc.Ballot.Vote(ctx, p.Identifier, p.DesiredScoreChange)
		}),
		OpBallotTally: withParams(func(ctx context.Context, p BallotParams) (service.Response[*cache.Ballot], error) {
			return svc.Ballot.Tally(ctx, p.Identifier)
		}),

		OpPolicyList:    noParams(svc.Policy.List),
		OpPolicyRefresh: noParams(svc.Policy.Refresh),
	}, logger)
}

func newDispatcher(handlers map[Op]HandlerFunc, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{handlers: handlers, logger: logger}
}

func noParams[T any](fn func(context.Context) (service.Response[T], error)) HandlerFunc {
	return func(ctx context.Context, _ json.RawMessage) (service.Result, error) {
		return fn(ctx)
	}
}

func withParams[P, T any](fn func(context.Context, P) (service.Response[T], error)) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (service.Result, error) {
		var p P
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &p); err != nil {
				return service.Fail[T](http.StatusBadRequest, fmt.Sprintf("invalid params: %v", err)), nil
			}
		}
		return fn(ctx, p)
	}
}

// Dispatch runs req. It never returns an error: unexpected failures and
// panics are logged and reported as an Exception.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (resp Response) {
	resp.ID = req.ID

	h, ok := d.handlers[req.Op]
	if !ok {
		resp.StatusCode = http.StatusBadRequest
		resp.Error = fmt.Sprintf("unknown operation %q", req.Op)
		return resp
	}

	log := d.logger.With("op", req.Op, "request_id", req.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("operation panicked", "panic", r, "stack", string(debug.Stack()))
			resp = exception(req.ID, fmt.Errorf("internal error: %v", r))
		}
	}()

	result, err := h(ctx, req.Params)
	if err != nil {
		log.Error("operation failed", "error", err)
		return exception(req.ID, err)
	}

	ok, code, msg := result.Status()
	resp.OK = ok
	resp.StatusCode = code
	resp.Error = msg
	if ok {
		data, err := json.Marshal(result.Payload())
		if err != nil {
			log.Error("failed to encode result", "error", err)
			return exception(req.ID, err)
		}
		resp.Data = data
	} else {
		log.Info("operation refused", "status", code, "error", msg)
	}
	return resp
}

func exception(id string, err error) Response {
	return Response{
		ID:         id,
		StatusCode: http.StatusInternalServerError,
		Exception:  err.Error(),
	}
}
