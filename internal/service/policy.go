package service

import (
	"context"
	"fmt"
	"io"

	"github.com/skridlevsky/govdesk/internal/cache"
)

// PolicyService lists the selected community's motion policies.
type PolicyService struct {
	deps *Deps
}

// List returns cached policies, loading them on first use.
func (s *PolicyService) List(ctx context.Context) (Response[[]*cache.Policy], error) {
	return respond(s.list(ctx))
}

func (s *PolicyService) list(ctx context.Context) ([]*cache.Policy, error) {
	_, c, err := s.deps.session(ctx)
	if err != nil {
		return nil, err
	}
	policies, err := s.deps.Store.ListPolicies(ctx, c.URL)
	if err != nil {
		return nil, err
	}
	if len(policies) > 0 {
		return policies, nil
	}
	return s.reload(ctx, c)
}

// Refresh reloads policies from the ledger.
func (s *PolicyService) Refresh(ctx context.Context) (Response[[]*cache.Policy], error) {
	return respond(s.refresh(ctx))
}

func (s *PolicyService) refresh(ctx context.Context) ([]*cache.Policy, error) {
	_, c, err := s.deps.session(ctx)
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, c)
}

func (s *PolicyService) reload(ctx context.Context, c *cache.Community) ([]*cache.Policy, error) {
	found, err := s.deps.Governance(c.ConfigPath).ListPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	policies := make([]*cache.Policy, 0, len(found))
	for _, p := range found {
		policies = append(policies, &cache.Policy{
			CommunityURL: c.URL,
			Name:         p.Name,
			Title:        p.Title,
			Description:  p.Description,
			Kind:         p.Kind,
		})
	}
	if err := s.deps.Store.ReplacePolicies(ctx, c.URL, policies); err != nil {
		return nil, err
	}
	return policies, nil
}

// LogService exposes the application log for bug reports.
type LogService struct {
	deps *Deps
}

// Export copies the application log to w.
func (s *LogService) Export(w io.Writer) (int64, error) {
	if s.deps.Logs == nil {
		return 0, fmt.Errorf("log export unavailable: no log file configured")
	}
	return s.deps.Logs.Export(w)
}
