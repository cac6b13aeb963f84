// Package scheduler drives the two worker loops: one scanner tick per
// minute and staggered closer invocations within the minute.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"perpbot-go/internal/config"
)

// ScanFunc runs one scanner tick.
type ScanFunc func(ctx context.Context)

// CloseFunc runs one closer tick.
type CloseFunc func(ctx context.Context)

// Scheduler wraps the cron runner with the trading cadence. Scanner workers
// are self-bounded to stay under the minute; closer workers are staggered by
// second offsets so one of them fires every few seconds.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
	ctx  context.Context
}

// New builds a scheduler; jobs inherit ctx for shutdown.
func New(ctx context.Context, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log,
		ctx:  ctx,
	}
}

// Register wires the scanner cron and one closer entry per second offset.
func (s *Scheduler) Register(cfg config.Schedule, scan ScanFunc, close CloseFunc) error {
	if _, err := s.cron.AddFunc(cfg.ScannerCron, func() {
		// The scanner must finish well inside its minute.
		ctx, cancel := context.WithTimeout(s.ctx, 55*time.Second)
		defer cancel()
		scan(ctx)
	}); err != nil {
		return fmt.Errorf("register scanner: %w", err)
	}

	for _, offset := range cfg.CloserOffsets {
		if offset < 0 || offset > 59 {
			return fmt.Errorf("closer offset %d out of range", offset)
		}
		spec := fmt.Sprintf("%d * * * * *", offset)
		if _, err := s.cron.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(s.ctx, 15*time.Second)
			defer cancel()
			close(ctx)
		}); err != nil {
			return fmt.Errorf("register closer at +%ds: %w", offset, err)
		}
	}
	return nil
}

// Start begins dispatching jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop halts dispatch and waits for running jobs to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}
