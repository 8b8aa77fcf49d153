// Package maintenance runs the background housekeeping jobs: session TTL
// sweeps and periodic catalog reindexing.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentrouter/internal/catalog"
	"github.com/basket/agentrouter/internal/conversation"
)

// Config holds the dependencies for the maintenance runner. Specs use cron
// syntax including descriptors like "@every 1m".
type Config struct {
	Sessions *conversation.Store
	Indexer  *catalog.Indexer

	SessionSweepSpec string
	ReindexSpec      string

	Logger *slog.Logger
}

// Runner schedules and executes housekeeping jobs.
type Runner struct {
	cron   *cronlib.Cron
	logger *slog.Logger
}

func New(cfg Config) (*Runner, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "maintenance")

	c := cronlib.New()
	r := &Runner{cron: c, logger: logger}

	if cfg.Sessions != nil && cfg.SessionSweepSpec != "" {
		if _, err := c.AddFunc(cfg.SessionSweepSpec, func() {
			r.sweepSessions(cfg.Sessions)
		}); err != nil {
			return nil, fmt.Errorf("session sweep spec %q: %w", cfg.SessionSweepSpec, err)
		}
	}
	if cfg.Indexer != nil && cfg.ReindexSpec != "" {
		if _, err := c.AddFunc(cfg.ReindexSpec, func() {
			r.reindex(cfg.Indexer)
		}); err != nil {
			return nil, fmt.Errorf("reindex spec %q: %w", cfg.ReindexSpec, err)
		}
	}
	return r, nil
}

// Start begins running scheduled jobs in background goroutines.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("maintenance runner started", "jobs", len(r.cron.Entries()))
}

// Stop halts scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("maintenance runner stopped")
}

// Jobs reports how many jobs are scheduled.
func (r *Runner) Jobs() int {
	return len(r.cron.Entries())
}

func (r *Runner) sweepSessions(sessions *conversation.Store) {
	if n := sessions.Sweep(time.Now()); n > 0 {
		r.logger.Info("session sweep", "evicted", n)
	}
}

func (r *Runner) reindex(indexer *catalog.Indexer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	n, err := indexer.Reindex(ctx)
	if err != nil {
		r.logger.Error("catalog reindex failed", "error", err)
		return
	}
	r.logger.Info("catalog reindexed", "entries", n)
}
