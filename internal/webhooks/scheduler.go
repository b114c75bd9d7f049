package webhooks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/DevnProgg/MyPay/pkg/log"
)

// Scheduler periodically retries due events in process.
type Scheduler struct {
	processor *Processor
	interval  time.Duration
	batchSize int
	logger    *zerolog.Logger
}

func NewScheduler(p *Processor, interval time.Duration, batchSize int) *Scheduler {
	return &Scheduler{processor: p, interval: interval, batchSize: batchSize, logger: log.Component("webhook-scheduler")}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("webhook retry scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("webhook retry scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scan, bounded by the interval.
func (s *Scheduler) Tick(ctx context.Context) int {
	tickCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	n, err := s.processor.RetryDue(tickCtx, s.processor.nowFunc(), s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("webhook retry scan failed")
	}
	if n > 0 {
		s.logger.Info().Int("count", n).Msg("webhook retries handled")
	}
	return n
}
