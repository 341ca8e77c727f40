package market

import (
	"encoding/json"
	"time"
)

// Dataset identifiers used in cache fingerprints
const (
	DatasetIndexKline = "index-kline"
	DatasetSectorHeat = "sector-heat"
	DatasetNewsEvents = "news-events"
)

// Granularity values accepted by the kline endpoint
const (
	GranularityDay   = "day"
	GranularityWeek  = "week"
	GranularityMonth = "month"
)

// Bar is one OHLCV candle
type Bar struct {
	Date   string  `json:"date"` // YYYY-MM-DD
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// RegimePeriod is one classified market-behavior period.
// Produced by the upstream regime classifier; never mutated here.
type RegimePeriod struct {
	Label    string  `json:"label"`    // e.g. bull, bear, ranging
	Return   float64 `json:"return"`   // signed percentage contribution
	Position int     `json:"position"` // sequence position, chronological
}

// KlineResult is the kline endpoint payload: bars plus the regime
// timeline classified over the same window
type KlineResult struct {
	Symbol  string         `json:"symbol"`
	Bars    []Bar          `json:"bars"`
	Regimes []RegimePeriod `json:"regimes"`
}

// SectorEntry is one sector in the heat map
type SectorEntry struct {
	Name    string   `json:"name"`
	Change  float64  `json:"change"` // day change, signed percentage
	Leaders []string `json:"leaders,omitempty"`
}

// SectorHeat is the sector heat map read model
type SectorHeat struct {
	Sectors []SectorEntry `json:"sectors"`
	AsOf    time.Time     `json:"as_of"`
}

// NewsEvent is one market news headline
type NewsEvent struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

// JobStatus is the backend-reported analysis job status
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further backend transition can occur
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// JobStatusResult is the job status endpoint payload
type JobStatusResult struct {
	Status JobStatus       `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Reason string          `json:"reason,omitempty"` // failure reason, if failed
}
