package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/junho-song/marketdeck/internal/api/handlers"
	"github.com/junho-song/marketdeck/internal/cache"
	"github.com/junho-song/marketdeck/internal/market"
	"github.com/junho-song/marketdeck/internal/session"
	"github.com/junho-song/marketdeck/internal/timeframe"
	"github.com/junho-song/marketdeck/pkg/config"
	"github.com/junho-song/marketdeck/pkg/logger"
)

// stubUpstream serves canned dashboard data
type stubUpstream struct {
	mu       sync.Mutex
	klineErr error
}

func (s *stubUpstream) GetIndexKline(ctx context.Context, symbol, start, end, granularity string, force bool) (market.KlineResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.klineErr != nil {
		return market.KlineResult{}, s.klineErr
	}
	return market.KlineResult{
		Symbol: symbol,
		Regimes: []market.RegimePeriod{
			{Label: "bull", Return: 2.0},
			{Label: "bear", Return: -1.0},
			{Label: "bull", Return: 1.5},
		},
	}, nil
}

func (s *stubUpstream) SubmitAnalysisJob(ctx context.Context, kind string) (string, error) {
	return "job-42", nil
}

func (s *stubUpstream) GetJobStatus(ctx context.Context, jobID string) (market.JobStatusResult, error) {
	return market.JobStatusResult{Status: market.JobProcessing}, nil
}

func (s *stubUpstream) GetSectorHeat(ctx context.Context) (market.SectorHeat, error) {
	return market.SectorHeat{Sectors: []market.SectorEntry{{Name: "semis", Change: 2.1}}}, nil
}

func (s *stubUpstream) GetNewsEvents(ctx context.Context) ([]market.NewsEvent, error) {
	return []market.NewsEvent{{Title: "headline"}}, nil
}

// noopScheduler never fires; job polling is not under test here
type noopScheduler struct{}

func (noopScheduler) Schedule(d time.Duration, fn func()) func() { return func() {} }

func newTestServer(t *testing.T, up *stubUpstream) (*httptest.Server, *session.Session) {
	t.Helper()

	cfg := &config.Config{
		Env:     "test",
		Poll:    config.PollConfig{Interval: time.Second, MaxAttempts: 10},
		Refresh: config.RefreshConfig{Scope: "dataset"},
	}
	log := logger.NewNop()
	s := session.New(cfg, log, session.Services{
		Klines:   up,
		Analysis: up,
		Sectors:  up,
		News:     up,
	}, noopScheduler{})
	t.Cleanup(s.Close)

	hub := NewHub(log)
	t.Cleanup(hub.Close)

	router := NewRouter(handlers.NewDeckHandler(s, log), hub, nil, log)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, s
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func waitForStatus(t *testing.T, url, want string) map[string]interface{} {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		var body map[string]interface{}
		getJSON(t, url, &body)
		if body["status"] == want {
			return body
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for status %q, last %v", want, body["status"])
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t, &stubUpstream{})

	var body map[string]interface{}
	code := getJSON(t, srv.URL+"/health", &body)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestGetKlineReadThrough(t *testing.T) {
	srv, _ := newTestServer(t, &stubUpstream{})

	body := waitForStatus(t, srv.URL+"/api/kline?symbol=KOSPI&window=1y", string(cache.StatusFresh))

	data, ok := body["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "KOSPI", data["symbol"])
}

func TestGetKlineUnknownWindow(t *testing.T) {
	srv, _ := newTestServer(t, &stubUpstream{})

	var body map[string]interface{}
	code := getJSON(t, srv.URL+"/api/kline?window=42y", &body)

	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "unknown time window")
}

func TestRefreshKline(t *testing.T) {
	srv, s := newTestServer(t, &stubUpstream{})

	fp, err := session.KlineFingerprint("KOSPI", timeframe.Window1Y, time.Now(), market.GranularityDay)
	require.NoError(t, err)
	s.Klines.Write(fp, market.KlineResult{Symbol: "KOSPI"})

	req := bytes.NewBufferString(`{"symbol":"KOSPI","window":"1y"}`)
	resp, err := http.Post(srv.URL+"/api/kline/refresh", "application/json", req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	e, ok := s.Klines.Peek(fp)
	require.True(t, ok)
	assert.Equal(t, cache.StatusStale, e.Status)
}

func TestRefreshKlineUpstreamFailure(t *testing.T) {
	up := &stubUpstream{klineErr: errors.New("backend down")}
	srv, _ := newTestServer(t, up)

	req := bytes.NewBufferString(`{"symbol":"KOSPI","window":"1y"}`)
	resp, err := http.Post(srv.URL+"/api/kline/refresh", "application/json", req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestTriggerAnalysisAndStatus(t *testing.T) {
	srv, _ := newTestServer(t, &stubUpstream{})

	resp, err := http.Post(srv.URL+"/api/analysis", "application/json", bytes.NewBufferString(`{"kind":"news-impact"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var trig map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&trig))
	assert.Equal(t, "job-42", trig["job_id"])

	var status map[string]interface{}
	getJSON(t, srv.URL+"/api/analysis/status", &status)
	assert.Equal(t, "polling", status["state"])
	assert.Equal(t, "job-42", status["job_id"])
}

func TestAnalysisStatusIdle(t *testing.T) {
	srv, _ := newTestServer(t, &stubUpstream{})

	var status map[string]interface{}
	code := getJSON(t, srv.URL+"/api/analysis/status", &status)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", status["state"])
}

func TestGetSectorHeatAndNews(t *testing.T) {
	srv, _ := newTestServer(t, &stubUpstream{})

	waitForStatus(t, srv.URL+"/api/sector/heat", string(cache.StatusFresh))
	body := waitForStatus(t, srv.URL+"/api/news", string(cache.StatusFresh))

	events, ok := body["data"].([]interface{})
	require.True(t, ok)
	require.Len(t, events, 1)
}

func TestGetRegimeSummary(t *testing.T) {
	srv, _ := newTestServer(t, &stubUpstream{})

	// Warm the kline cache first
	waitForStatus(t, srv.URL+"/api/kline?window=1y", string(cache.StatusFresh))

	var body struct {
		Status    string `json:"status"`
		Dominant  string `json:"dominant"`
		Summaries []struct {
			Label string  `json:"label"`
			Count int     `json:"count"`
			Share float64 `json:"share"`
		} `json:"summaries"`
	}
	getJSON(t, srv.URL+"/api/regime/summary?window=1y", &body)

	assert.Equal(t, "bull", body.Dominant)
	require.Len(t, body.Summaries, 2)
	assert.Equal(t, "bull", body.Summaries[0].Label)
	assert.Equal(t, 2, body.Summaries[0].Count)
}

func TestHubBroadcastAfterCloseIsSafe(t *testing.T) {
	hub := NewHub(logger.NewNop())
	hub.Close()
	hub.Broadcast(Event{Type: "cache", Payload: "x"})
}
