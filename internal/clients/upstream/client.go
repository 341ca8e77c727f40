// Package upstream talks to the market-data backend that computes
// klines, regimes, sector heat and news-driven analysis jobs.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/junho-song/marketdeck/internal/market"
	"github.com/junho-song/marketdeck/pkg/config"
	"github.com/junho-song/marketdeck/pkg/httputil"
	"github.com/junho-song/marketdeck/pkg/logger"
)

// Client implements the market service contracts over the upstream
// JSON API. News headlines are scraped from the configured HTML page
// when no JSON feed is available.
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger
	baseURL    string
	newsURL    string
}

// NewClient creates an upstream client from config
func NewClient(cfg *config.Config, httpClient *httputil.Client, log *logger.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     log.WithComponent("upstream"),
		baseURL:    cfg.Upstream.BaseURL,
		newsURL:    cfg.Upstream.NewsURL,
	}
}

// GetIndexKline fetches bars plus the regime timeline for one index
// window. force=true asks the backend to bypass its cache and
// recompute.
func (c *Client) GetIndexKline(ctx context.Context, symbol, start, end, granularity string, force bool) (market.KlineResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("start", start)
	params.Set("end", end)
	params.Set("granularity", granularity)
	if force {
		params.Set("force_refresh", "true")
	}

	var result market.KlineResult
	endpoint := fmt.Sprintf("%s/api/v1/index/kline?%s", c.baseURL, params.Encode())
	if err := c.httpClient.GetJSON(ctx, endpoint, &result); err != nil {
		return market.KlineResult{}, fmt.Errorf("get index kline: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"symbol":  symbol,
		"bars":    len(result.Bars),
		"regimes": len(result.Regimes),
		"force":   force,
	}).Debug("Fetched index kline")

	return result, nil
}

// SubmitAnalysisJob asks the backend to start a news-driven analysis
// job and returns its id
func (c *Client) SubmitAnalysisJob(ctx context.Context, kind string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/analysis/jobs", c.baseURL)

	resp, err := c.httpClient.PostJSON(ctx, endpoint, map[string]string{"kind": kind})
	if err != nil {
		return "", fmt.Errorf("submit analysis job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", &httputil.StatusError{Code: resp.StatusCode, URL: endpoint}
	}

	var payload struct {
		JobID string `json:"job_id"`
	}
	if err := decodeJSON(resp, &payload); err != nil {
		return "", fmt.Errorf("submit analysis job: %w", err)
	}
	if payload.JobID == "" {
		return "", fmt.Errorf("submit analysis job: empty job_id in response")
	}

	return payload.JobID, nil
}

// GetJobStatus reads the current status of an analysis job
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (market.JobStatusResult, error) {
	var result market.JobStatusResult
	endpoint := fmt.Sprintf("%s/api/v1/analysis/jobs/%s", c.baseURL, url.PathEscape(jobID))
	if err := c.httpClient.GetJSON(ctx, endpoint, &result); err != nil {
		return market.JobStatusResult{}, fmt.Errorf("get job status: %w", err)
	}

	switch result.Status {
	case market.JobQueued, market.JobProcessing, market.JobSucceeded, market.JobFailed:
	default:
		return market.JobStatusResult{}, fmt.Errorf("get job status: unknown status %q", result.Status)
	}

	return result, nil
}

// GetSectorHeat reads the sector heat map
func (c *Client) GetSectorHeat(ctx context.Context) (market.SectorHeat, error) {
	var result market.SectorHeat
	endpoint := fmt.Sprintf("%s/api/v1/sector/heat", c.baseURL)
	if err := c.httpClient.GetJSON(ctx, endpoint, &result); err != nil {
		return market.SectorHeat{}, fmt.Errorf("get sector heat: %w", err)
	}

	if result.AsOf.IsZero() {
		result.AsOf = time.Now().UTC()
	}
	return result, nil
}
