package market

import "context"

// KlineService fetches index klines with their regime timeline.
// force=true asks the upstream to bypass its own cache and recompute.
type KlineService interface {
	GetIndexKline(ctx context.Context, symbol, start, end, granularity string, force bool) (KlineResult, error)
}

// AnalysisService submits news-driven analysis jobs and reports their status
type AnalysisService interface {
	SubmitAnalysisJob(ctx context.Context, kind string) (string, error)
	GetJobStatus(ctx context.Context, jobID string) (JobStatusResult, error)
}

// SectorService reads the sector heat map
type SectorService interface {
	GetSectorHeat(ctx context.Context) (SectorHeat, error)
}

// NewsService reads recent market news events
type NewsService interface {
	GetNewsEvents(ctx context.Context) ([]NewsEvent, error)
}
