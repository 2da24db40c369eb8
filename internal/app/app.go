// Package app wires the backend's collaborators together and owns their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jonboulle/clockwork"

	"github.com/skridlevsky/govdesk/internal/api"
	"github.com/skridlevsky/govdesk/internal/cache"
	"github.com/skridlevsky/govdesk/internal/config"
	"github.com/skridlevsky/govdesk/internal/db"
	"github.com/skridlevsky/govdesk/internal/github"
	"github.com/skridlevsky/govdesk/internal/gov4git"
	"github.com/skridlevsky/govdesk/internal/ipc"
	"github.com/skridlevsky/govdesk/internal/logging"
	"github.com/skridlevsky/govdesk/internal/refresh"
	"github.com/skridlevsky/govdesk/internal/service"
)

// App is the application context: every long-lived handle the backend
// needs, created once in New and released in Close.
type App struct {
	Config     *config.Config
	Logger     *logging.Logger
	Database   *db.Postgres
	Store      *cache.Store
	Services   *service.Services
	Dispatcher *ipc.Dispatcher
	Refresher  *refresh.Refresher

	router     *api.RouterResult
	governance *gov4git.Clients
	repoCache  *github.RepoCache
}

// New builds the application. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Logger, err = logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return nil, err
	}
	log := a.Logger.Logger

	a.Database, err = db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{})
	if err != nil {
		return nil, err
	}
	if err = db.Migrate(ctx, a.Database.Pool()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	a.Store = cache.NewStore(a.Database.Pool())

	a.repoCache = github.NewRepoCache(cfg.RepoCacheTTL)
	gh := github.NewClient("", a.repoCache).WithBaseURL(cfg.GitHubAPIURL)

	a.governance = gov4git.NewClients(gov4git.NewExecRunner(cfg.Gov4GitBin), cfg.Gov4GitVerbose)

	a.Services = service.New(&service.Deps{
		Store: a.Store,
		GitHub: func(token string) service.GitHub {
			return gh.WithToken(token)
		},
		Governance: func(configPath string) service.Governance {
			return a.governance.For(configPath)
		},
		DeviceFlow: github.NewDeviceFlow(cfg.GitHubClientID),
		Logs:       a.Logger,
		DataDir:    cfg.DataDir,
		Release:    cfg.Gov4GitRelease,
		Logger:     log,

		// Cached repository permissions belong to the previous token.
		SessionChanged: a.repoCache.Clear,
		ConfigRemoved:  a.governance.Forget,
	})
	a.Dispatcher = ipc.NewDispatcher(a.Services, log)

	a.Refresher = refresh.New(clockwork.NewRealClock(), log,
		refresh.Job{
			Name:     "ballots",
			Interval: cfg.RefreshInterval,
			Run: func(ctx context.Context) error {
				n, err := a.Services.Ballot.RefreshSelected(ctx)
				if err == nil && n > 0 {
					log.Debug("ballots refreshed", "count", n)
				}
				return err
			},
		},
		refresh.Job{
			Name:     "repo-cache",
			Interval: cfg.RepoCacheTTL,
			Run: func(context.Context) error {
				if n := a.repoCache.CleanExpired(); n > 0 {
					log.Debug("expired repositories evicted", "count", n, "remaining", a.repoCache.Count())
				}
				return nil
			},
		},
	)

	a.router = api.NewRouter(&api.RouterConfig{
		Invoker:     a.Dispatcher,
		Database:    a.Database,
		Refresher:   a.Refresher,
		Logs:        a.Services.Log,
		CORSOrigins: cfg.CORSOrigins,
		Development: cfg.Development(),
		Logger:      log,
	})

	return a, nil
}

// Start launches background refreshes.
func (a *App) Start(ctx context.Context) {
	a.Refresher.Run(ctx)
}

// Handler is the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.router.Router
}

// Close releases everything in reverse order of creation. Safe on a
// partially built or nil App.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Refresher != nil {
		a.Refresher.Stop()
	}
	if a.router != nil {
		a.router.RateLimiters.Stop()
	}
	if a.Database != nil {
		a.Database.Close()
	}
	if a.Logger != nil {
		a.Logger.Info("shutdown complete")
		a.Logger.Close()
	}
}
