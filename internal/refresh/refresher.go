// Package refresh keeps the local cache warm by running periodic jobs in the
// background.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// JobStatus is reported by the health endpoint.
type JobStatus struct {
	LastRun   time.Time `json:"lastRun"`
	Status    string    `json:"status"`
	LastError string    `json:"lastError,omitempty"`
	Runs      int       `json:"runs"`
}

// Refresher runs each job on its own ticker until stopped.
type Refresher struct {
	jobs   []Job
	clock  clockwork.Clock
	logger *slog.Logger

	statusMu sync.RWMutex
	status   map[string]*JobStatus

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a refresher. Jobs with a non-positive interval are skipped.
func New(clock clockwork.Clock, logger *slog.Logger, jobs ...Job) *Refresher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Refresher{
		clock:  clock,
		logger: logger,
		status: make(map[string]*JobStatus),
		stopCh: make(chan struct{}),
	}
	for _, j := range jobs {
		if j.Interval <= 0 {
			logger.Info("refresh job disabled", "job", j.Name)
			continue
		}
		r.jobs = append(r.jobs, j)
		r.status[j.Name] = &JobStatus{Status: "pending"}
	}
	return r
}

// Run starts one loop per job and returns immediately.
func (r *Refresher) Run(ctx context.Context) {
	for _, j := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, j)
	}
	r.logger.Info("refresher started", "jobs", len(r.jobs))
}

// Stop waits for running jobs to finish. Safe to call multiple times.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
		r.logger.Info("refresher stopped")
	})
}

func (r *Refresher) loop(ctx context.Context, j Job) {
	defer r.wg.Done()

	// Run immediately on startup
	r.runOnce(ctx, j)

	ticker := r.clock.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.runOnce(ctx, j)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Refresher) runOnce(ctx context.Context, j Job) {
	r.setStatus(j.Name, func(s *JobStatus) {
		s.LastRun = r.clock.Now()
		s.Status = "running"
	})

	err := j.Run(ctx)

	r.setStatus(j.Name, func(s *JobStatus) {
		s.Runs++
		if err != nil {
			s.Status = "error"
			s.LastError = err.Error()
			return
		}
		s.Status = "ok"
		s.LastError = ""
	})
	if err != nil {
		r.logger.Warn("refresh job failed", "job", j.Name, "error", err)
	}
}

func (r *Refresher) setStatus(name string, fn func(*JobStatus)) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	fn(r.status[name])
}

// Status returns a snapshot of every job's status.
func (r *Refresher) Status() map[string]JobStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()

	out := make(map[string]JobStatus, len(r.status))
	for name, s := range r.status {
		out[name] = *s
	}
	return out
}

// Healthy reports whether no job's last run failed.
func (r *Refresher) Healthy() bool {
	for _, s := range r.Status() {
		if s.Status == "error" {
			return false
		}
	}
	return true
}
