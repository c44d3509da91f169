package server

import (
	"context"
	"log"
	"time"

	"flowdesk/internal/scanner"
)

// sweeper runs the scheduled sweep on an interval while the server is up,
// the in-process equivalent of the external cron hitting the sweep
// endpoint. Each pass commits per item, so stopping mid-run is safe.
type sweeper struct {
	scanner  *scanner.Scanner
	interval time.Duration
	logger   *log.Logger
}

func startSweeper(ctx context.Context, sc *scanner.Scanner, interval time.Duration, logger *log.Logger) {
	if interval <= 0 {
		return
	}
	s := &sweeper{scanner: sc, interval: interval, logger: logger}
	go s.run(ctx)
}

func (s *sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sum, err := s.scanner.Sweep(ctx)
			if err != nil {
				s.logf("sweeper: sweep failed: %v", err)
				continue
			}
			if sum.Moved+sum.Tagged+sum.Reminded+sum.Failed > 0 {
				s.logf("sweeper: moved=%d tagged=%d reminded=%d failed=%d", sum.Moved, sum.Tagged, sum.Reminded, sum.Failed)
			}
		}
	}
}

func (s *sweeper) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
