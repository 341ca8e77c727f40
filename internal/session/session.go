// Package session owns the per-session state of the dashboard core:
// the result caches, the refresh orchestrator and the analysis job
// poller. Everything is constructed explicitly so nothing leaks past
// Close and tests can assemble sessions in isolation.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/junho-song/marketdeck/internal/cache"
	"github.com/junho-song/marketdeck/internal/jobs"
	"github.com/junho-song/marketdeck/internal/market"
	"github.com/junho-song/marketdeck/internal/refresh"
	"github.com/junho-song/marketdeck/internal/timeframe"
	"github.com/junho-song/marketdeck/pkg/config"
	"github.com/junho-song/marketdeck/pkg/logger"
)

// Services bundles the upstream collaborators a session depends on.
// The upstream client satisfies all four; tests swap in fakes.
type Services struct {
	Klines   market.KlineService
	Analysis market.AnalysisService
	Sectors  market.SectorService
	News     market.NewsService
}

// Session is the application-scoped coordination context
type Session struct {
	Klines   *cache.Store[market.KlineResult]
	Sectors  *cache.Store[market.SectorHeat]
	News     *cache.Store[[]market.NewsEvent]
	Refresh  *refresh.Orchestrator
	Analysis *jobs.Poller

	svc      Services
	log      *logger.Logger
	unsubJob func()
}

// New wires the session: caches over the upstream fetchers, the
// orchestrator over the kline cache, and the poller whose successful
// jobs invalidate the sector and news read models.
func New(cfg *config.Config, log *logger.Logger, svc Services, sched jobs.Scheduler) *Session {
	s := &Session{
		svc: svc,
		log: log.WithComponent("session"),
	}

	s.Klines = cache.New(func(ctx context.Context, fp cache.Fingerprint) (market.KlineResult, error) {
		return svc.Klines.GetIndexKline(ctx, fp.Symbol, fp.Start, fp.End, fp.Granularity, false)
	}, log.WithComponent("cache.klines"))

	s.Sectors = cache.New(func(ctx context.Context, fp cache.Fingerprint) (market.SectorHeat, error) {
		return svc.Sectors.GetSectorHeat(ctx)
	}, log.WithComponent("cache.sectors"))

	s.News = cache.New(func(ctx context.Context, fp cache.Fingerprint) ([]market.NewsEvent, error) {
		return svc.News.GetNewsEvents(ctx)
	}, log.WithComponent("cache.news"))

	s.Refresh = refresh.New(func(ctx context.Context, fp cache.Fingerprint) error {
		// Recompute only; the result arrives via the post-invalidation
		// refetch
		_, err := svc.Klines.GetIndexKline(ctx, fp.Symbol, fp.Start, fp.End, fp.Granularity, true)
		return err
	}, refresh.ParseScope(cfg.Refresh.Scope), log.WithComponent("refresh"), s.Klines)

	s.Analysis = jobs.New(svc.Analysis, sched, cfg.Poll.Interval, cfg.Poll.MaxAttempts, log.WithComponent("jobs"))

	// A finished analysis changes what sector heat and news should
	// show, so drop those read models on success
	s.unsubJob = s.Analysis.Subscribe(func(j jobs.Job) {
		if j.State != jobs.StateSucceeded {
			return
		}
		n := s.Sectors.Invalidate(cache.MatchDataset(market.DatasetSectorHeat))
		n += s.News.Invalidate(cache.MatchDataset(market.DatasetNewsEvents))
		s.log.WithFields(map[string]interface{}{
			"job_id":      j.ID,
			"invalidated": n,
		}).Info("Invalidated read models after analysis")
	})

	return s
}

// Close tears the session down: the poller stops and no further
// notifications are emitted
func (s *Session) Close() {
	if s.unsubJob != nil {
		s.unsubJob()
	}
	s.Analysis.Close()
	s.log.Info("Session closed")
}

// KlineFingerprint resolves a window selector into the fingerprint of
// one kline request
func KlineFingerprint(symbol string, w timeframe.Window, ref time.Time, granularity string) (cache.Fingerprint, error) {
	r, err := timeframe.Resolve(w, ref)
	if err != nil {
		return cache.Fingerprint{}, err
	}

	return cache.Fingerprint{
		Dataset:     market.DatasetIndexKline,
		Symbol:      symbol,
		Start:       r.StartDate(),
		End:         r.EndDate(),
		Granularity: granularity,
	}, nil
}

// SectorFingerprint is the single slot of the sector heat read model
func SectorFingerprint() cache.Fingerprint {
	return cache.Fingerprint{Dataset: market.DatasetSectorHeat}
}

// NewsFingerprint is the single slot of the news read model
func NewsFingerprint() cache.Fingerprint {
	return cache.Fingerprint{Dataset: market.DatasetNewsEvents}
}

// WarmRefresh recomputes one kline window upstream, seeds the result
// directly into the cache and downgrades the remaining window
// variants. Used by the scheduled market-open job.
func (s *Session) WarmRefresh(ctx context.Context, symbol string, w timeframe.Window) error {
	fp, err := KlineFingerprint(symbol, w, time.Now(), market.GranularityDay)
	if err != nil {
		return err
	}

	result, err := s.svc.Klines.GetIndexKline(ctx, fp.Symbol, fp.Start, fp.End, fp.Granularity, true)
	if err != nil {
		return fmt.Errorf("warm refresh %s: %w", symbol, err)
	}

	s.Klines.Write(fp, result)
	s.Klines.Invalidate(func(other cache.Fingerprint) bool {
		return other.Dataset == market.DatasetIndexKline && other != fp
	})

	s.log.WithFields(map[string]interface{}{
		"symbol": symbol,
		"window": string(w),
		"bars":   len(result.Bars),
	}).Info("Warm refresh completed")

	return nil
}

// SweepErrors drops aged-out error entries from every store
func (s *Session) SweepErrors(maxAge time.Duration) int {
	n := s.Klines.Sweep(maxAge)
	n += s.Sectors.Sweep(maxAge)
	n += s.News.Sweep(maxAge)
	return n
}
