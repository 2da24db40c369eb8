// Package metrics holds the Prometheus collectors for govdesk.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// External CLI metrics
var (
	// CLIInvocationsTotal counts gov4git invocations by subcommand and outcome
	CLIInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "govdesk_cli_invocations_total",
			Help: "Total gov4git invocations by command and status",
		},
		[]string{"command", "status"},
	)

	// CLIDuration tracks gov4git invocation latency in seconds
	CLIDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "govdesk_cli_duration_seconds",
			Help:    "gov4git invocation duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"command"},
	)
)

// GitHub API metrics
var (
	GitHubRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "govdesk_github_requests_total",
			Help: "Total GitHub API requests by operation and HTTP status class",
		},
		[]string{"operation", "status"},
	)
)

// Voting and cache metrics
var (
	VotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "govdesk_votes_total",
			Help: "Vote submissions by result (submitted, closed, noop, failed)",
		},
		[]string{"result"},
	)

	CacheRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "govdesk_cache_refreshes_total",
			Help: "Ballot cache refreshes by status",
		},
		[]string{"status"},
	)

	CachedBallots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "govdesk_cached_ballots",
			Help: "Number of ballots in the local cache",
		},
	)
)

// StatusClass collapses an HTTP status code into 2xx/3xx/4xx/5xx.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "error"
	}
}
