package etl

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/factfeed/factfeed/internal/errors"
)

// TickerSource supplies the universe of tickers for scheduled runs.
// It is re-evaluated on every trigger so universe file edits take
// effect without a restart.
type TickerSource func() ([]string, error)

// Scheduler triggers incremental pipeline runs on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	pipeline *Pipeline
	source   TickerSource

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a Scheduler for the given cron spec (standard
// 5-field format).
func NewScheduler(spec string, pipeline *Pipeline, source TickerSource) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(),
		pipeline: pipeline,
		source:   source,
	}

	if _, err := s.cron.AddFunc(spec, s.trigger); err != nil {
		return nil, errors.Wrapf(err, "invalid schedule %q", spec)
	}
	return s, nil
}

// Start begins scheduled execution.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	log.Info("scheduler started")
}

// Stop halts the schedule and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("scheduler stopped")
}

// trigger runs one incremental pass over the current universe.
func (s *Scheduler) trigger() {
	tickers, err := s.source()
	if err != nil {
		log.Error("failed to load ticker universe", "error", err)
		return
	}
	if len(tickers) == 0 {
		log.Warn("ticker universe empty, nothing to run")
		return
	}

	log.Info("scheduled incremental run starting", "tickers", len(tickers))

	jobs, err := s.pipeline.RunIncremental(context.Background(), tickers)
	if err != nil {
		log.Error("scheduled run aborted", "error", err)
		return
	}

	var failed, skipped int
	for i := range jobs {
		switch {
		case jobs[i].Skipped:
			skipped++
		case jobs[i].Status == StatusFailed:
			failed++
		}
	}
	log.Info("scheduled incremental run finished",
		"jobs", len(jobs), "failed", failed, "skipped", skipped)
}
