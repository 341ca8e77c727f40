package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/junho-song/marketdeck/internal/cache"
	"github.com/junho-song/marketdeck/internal/jobs"
	"github.com/junho-song/marketdeck/internal/market"
	"github.com/junho-song/marketdeck/internal/refresh"
	"github.com/junho-song/marketdeck/internal/regime"
	"github.com/junho-song/marketdeck/internal/session"
	"github.com/junho-song/marketdeck/internal/timeframe"
	"github.com/junho-song/marketdeck/pkg/logger"
)

// DeckHandler serves the dashboard API on top of the session core
type DeckHandler struct {
	session *session.Session
	logger  *logger.Logger
	now     func() time.Time
}

// NewDeckHandler creates a new dashboard handler
func NewDeckHandler(s *session.Session, log *logger.Logger) *DeckHandler {
	return &DeckHandler{
		session: s,
		logger:  log,
		now:     time.Now,
	}
}

// EntryResponse is the wire form of a cache entry snapshot
type EntryResponse struct {
	Fingerprint string      `json:"fingerprint"`
	Status      string      `json:"status"`
	UpdatedAt   *time.Time  `json:"updated_at,omitempty"`
	Data        interface{} `json:"data,omitempty"`
	Error       string      `json:"error,omitempty"`
}

func entryResponse(fp cache.Fingerprint, status cache.Status, updatedAt time.Time, data interface{}, err error) EntryResponse {
	resp := EntryResponse{
		Fingerprint: fp.String(),
		Status:      string(status),
	}
	if !updatedAt.IsZero() {
		resp.UpdatedAt = &updatedAt
	}
	if status != cache.StatusAbsent {
		resp.Data = data
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// klineFingerprint builds the fingerprint from request query params
func (h *DeckHandler) klineFingerprint(r *http.Request) (cache.Fingerprint, error) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		symbol = "KOSPI"
	}

	window := r.URL.Query().Get("window")
	if window == "" {
		window = string(timeframe.Window1Y)
	}

	granularity := r.URL.Query().Get("granularity")
	if granularity == "" {
		granularity = market.GranularityDay
	}

	return session.KlineFingerprint(symbol, timeframe.Window(window), h.now(), granularity)
}

// GetKline returns the cached kline entry, starting a fetch if needed
// GET /api/kline?symbol=KOSPI&window=3y&granularity=day
func (h *DeckHandler) GetKline(w http.ResponseWriter, r *http.Request) {
	fp, err := h.klineFingerprint(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	e := h.session.Klines.Read(r.Context(), fp)
	respondJSON(w, http.StatusOK, entryResponse(fp, e.Status, e.UpdatedAt, e.Value, e.Err))
}

// RefreshRequest selects the kline window to recompute
type RefreshRequest struct {
	Symbol      string `json:"symbol"`
	Window      string `json:"window"`
	Granularity string `json:"granularity,omitempty"`
}

// RefreshKline forces a backend recomputation for one kline window
// POST /api/kline/refresh
func (h *DeckHandler) RefreshKline(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Symbol == "" {
		req.Symbol = "KOSPI"
	}
	if req.Window == "" {
		req.Window = string(timeframe.Window1Y)
	}
	if req.Granularity == "" {
		req.Granularity = market.GranularityDay
	}

	fp, err := session.KlineFingerprint(req.Symbol, timeframe.Window(req.Window), h.now(), req.Granularity)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.session.Refresh.Force(r.Context(), fp); err != nil {
		if errors.Is(err, refresh.ErrInFlight) {
			respondError(w, http.StatusConflict, "Refresh already in progress")
			return
		}
		h.logger.WithError(err).Error("Forced refresh failed")
		respondError(w, http.StatusBadGateway, "Refresh failed, previous data kept")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":      "refreshed",
		"fingerprint": fp.String(),
	})
}

// TriggerRequest selects the analysis kind to run
type TriggerRequest struct {
	Kind string `json:"kind"`
}

// TriggerAnalysis starts a news-driven analysis job, superseding any
// job still in flight
// POST /api/analysis
func (h *DeckHandler) TriggerAnalysis(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if r.Body != nil {
		// Body is optional; an empty kind falls back to the default
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Kind == "" {
		req.Kind = "news-impact"
	}

	jobID, err := h.session.Analysis.Trigger(r.Context(), req.Kind)
	if err != nil {
		h.logger.WithError(err).Error("Analysis trigger failed")
		respondError(w, http.StatusBadGateway, "Failed to submit analysis job")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"kind":   req.Kind,
	})
}

// JobResponse is the wire form of the active job snapshot
type JobResponse struct {
	JobID  string          `json:"job_id,omitempty"`
	Kind   string          `json:"kind,omitempty"`
	State  string          `json:"state"`
	Status string          `json:"status,omitempty"`
	Polls  int             `json:"polls"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// GetAnalysisStatus returns the active job snapshot
// GET /api/analysis/status
func (h *DeckHandler) GetAnalysisStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := h.session.Analysis.Current()
	if !ok {
		respondJSON(w, http.StatusOK, JobResponse{State: string(jobs.StateIdle)})
		return
	}

	resp := JobResponse{
		JobID:  job.ID,
		Kind:   job.Kind,
		State:  string(job.State),
		Status: string(job.Status),
		Polls:  job.Polls,
		Result: job.Result,
	}
	if job.Err != nil {
		resp.Error = job.Err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetSectorHeat returns the sector heat read model
// GET /api/sector/heat
func (h *DeckHandler) GetSectorHeat(w http.ResponseWriter, r *http.Request) {
	fp := session.SectorFingerprint()
	e := h.session.Sectors.Read(r.Context(), fp)
	respondJSON(w, http.StatusOK, entryResponse(fp, e.Status, e.UpdatedAt, e.Value, e.Err))
}

// GetNews returns the news events read model
// GET /api/news
func (h *DeckHandler) GetNews(w http.ResponseWriter, r *http.Request) {
	fp := session.NewsFingerprint()
	e := h.session.News.Read(r.Context(), fp)
	respondJSON(w, http.StatusOK, entryResponse(fp, e.Status, e.UpdatedAt, e.Value, e.Err))
}

// RegimeSummaryResponse carries the aggregated regime statistics
type RegimeSummaryResponse struct {
	Fingerprint string           `json:"fingerprint"`
	Status      string           `json:"status"`
	Dominant    string           `json:"dominant,omitempty"`
	Summaries   []regime.Summary `json:"summaries"`
}

// GetRegimeSummary aggregates the cached regime timeline for display
// GET /api/regime/summary?symbol=KOSPI&window=3y
func (h *DeckHandler) GetRegimeSummary(w http.ResponseWriter, r *http.Request) {
	fp, err := h.klineFingerprint(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	e := h.session.Klines.Read(r.Context(), fp)
	summaries := regime.Summarize(e.Value.Regimes)

	respondJSON(w, http.StatusOK, RegimeSummaryResponse{
		Fingerprint: fp.String(),
		Status:      string(e.Status),
		Dominant:    regime.Dominant(e.Value.Regimes),
		Summaries:   summaries,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
