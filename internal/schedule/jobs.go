package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/junho-song/marketdeck/internal/session"
	"github.com/junho-song/marketdeck/internal/timeframe"
	"github.com/junho-song/marketdeck/pkg/logger"
)

// WarmRefreshJob recomputes the default kline window for each tracked
// symbol around market open so first reads land on fresh data
type WarmRefreshJob struct {
	session  *session.Session
	logger   *logger.Logger
	symbols  []string
	schedule string
}

// NewWarmRefreshJob creates the market-open warm refresh job
func NewWarmRefreshJob(s *session.Session, log *logger.Logger, symbols []string, schedule string) *WarmRefreshJob {
	return &WarmRefreshJob{
		session:  s,
		logger:   log.WithComponent("job.warm_refresh"),
		symbols:  symbols,
		schedule: schedule,
	}
}

// Name returns the job name
func (j *WarmRefreshJob) Name() string {
	return "warm_refresh"
}

// Schedule returns the cron expression
func (j *WarmRefreshJob) Schedule() string {
	return j.schedule
}

// Run warms every tracked symbol; one failed symbol does not stop the
// rest
func (j *WarmRefreshJob) Run(ctx context.Context) error {
	var failed int
	for _, symbol := range j.symbols {
		if err := j.session.WarmRefresh(ctx, symbol, timeframe.Window1Y); err != nil {
			failed++
			j.logger.WithError(err).WithField("symbol", symbol).Warn("Warm refresh failed for symbol")
		}
	}

	if failed == len(j.symbols) && failed > 0 {
		return fmt.Errorf("warm refresh failed for all %d symbols", failed)
	}
	return nil
}

// SweepJob drops aged-out error entries so transient upstream outages
// do not pin memory forever
type SweepJob struct {
	session  *session.Session
	logger   *logger.Logger
	maxAge   time.Duration
	schedule string
}

// NewSweepJob creates the error sweep job
func NewSweepJob(s *session.Session, log *logger.Logger, maxAge time.Duration, schedule string) *SweepJob {
	return &SweepJob{
		session:  s,
		logger:   log.WithComponent("job.sweep"),
		maxAge:   maxAge,
		schedule: schedule,
	}
}

// Name returns the job name
func (j *SweepJob) Name() string {
	return "error_sweep"
}

// Schedule returns the cron expression
func (j *SweepJob) Schedule() string {
	return j.schedule
}

// Run sweeps all stores
func (j *SweepJob) Run(ctx context.Context) error {
	n := j.session.SweepErrors(j.maxAge)
	if n > 0 {
		j.logger.WithField("swept", n).Info("Swept aged error entries")
	}
	return nil
}
