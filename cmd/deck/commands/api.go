package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/junho-song/marketdeck/internal/api"
	"github.com/junho-song/marketdeck/internal/api/handlers"
	"github.com/junho-song/marketdeck/internal/cache"
	"github.com/junho-song/marketdeck/internal/clients/upstream"
	"github.com/junho-song/marketdeck/internal/jobs"
	"github.com/junho-song/marketdeck/internal/market"
	"github.com/junho-song/marketdeck/internal/schedule"
	"github.com/junho-song/marketdeck/internal/session"
	"github.com/junho-song/marketdeck/pkg/config"
	"github.com/junho-song/marketdeck/pkg/httputil"
	"github.com/junho-song/marketdeck/pkg/logger"
)

// apiCmd represents the api command
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the dashboard API server",
	Long: `Starts the dashboard API server.

Endpoints:
  GET  /health               - Health check
  GET  /api/kline            - Cached index kline for a window
  POST /api/kline/refresh    - Force a backend recomputation
  POST /api/analysis         - Trigger an analysis job
  GET  /api/analysis/status  - Active job state
  GET  /api/sector/heat      - Sector heat read model
  GET  /api/news             - News events read model
  GET  /api/regime/summary   - Aggregated regime statistics
  GET  /ws                   - Live entry and job transitions

Example:
  go run ./cmd/deck api
  go run ./cmd/deck api --port 8090`,
	RunE: runAPIServer,
}

var apiPort string

func init() {
	rootCmd.AddCommand(apiCmd)

	apiCmd.Flags().StringVar(&apiPort, "port", "", "API server port")
}

func runAPIServer(cmd *cobra.Command, args []string) error {
	fmt.Println("=== marketdeck API Server ===")

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Override port if flag is set
	if apiPort != "" {
		cfg.Port = apiPort
	}

	// 2. Initialize logger
	log := logger.New(cfg)

	log.WithFields(map[string]interface{}{
		"port":     cfg.Port,
		"env":      cfg.Env,
		"upstream": cfg.Upstream.BaseURL,
	}).Info("Initializing API server")

	// 3. Create HTTP client with outbound rate limiting
	httpClient := httputil.New(cfg, log).
		WithRateLimit(cfg.Upstream.RateLimit, cfg.Upstream.RateBurst)

	// 4. Create upstream client
	up := upstream.NewClient(cfg, httpClient, log)

	// 5. Wire the session
	sess := session.New(cfg, log, session.Services{
		Klines:   up,
		Analysis: up,
		Sectors:  up,
		News:     up,
	}, jobs.NewTimerScheduler())
	defer sess.Close()

	// 6. Create the push hub and feed it cache and job transitions
	hub := api.NewHub(log)
	defer hub.Close()
	unsubscribe := wirePush(sess, hub)
	defer unsubscribe()

	// 7. Scheduled jobs
	var sched *schedule.Scheduler
	if cfg.Schedule.Enabled {
		sched = schedule.New(log)
		warm := schedule.NewWarmRefreshJob(sess, log, cfg.Schedule.Symbols, cfg.Schedule.RefreshCron)
		sweep := schedule.NewSweepJob(sess, log, cfg.Schedule.SweepMaxAge, cfg.Schedule.SweepCron)
		if err := sched.AddJob(warm); err != nil {
			return fmt.Errorf("add warm refresh job: %w", err)
		}
		if err := sched.AddJob(sweep); err != nil {
			return fmt.Errorf("add sweep job: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	// 8. Create handler, router and server
	deckHandler := handlers.NewDeckHandler(sess, log)
	router := api.NewRouter(deckHandler, hub, sched, log)
	server := api.New(cfg, log, router)

	// 9. Start server with graceful shutdown
	go func() {
		if err := server.Start(); err != nil {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	log.Info("API server started successfully")
	fmt.Printf("\nServer running on http://localhost:%s\n", cfg.Port)
	fmt.Println("Press Ctrl+C to stop")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("Server stopped")
	return nil
}

// wirePush streams cache entry and job transitions into the hub
func wirePush(sess *session.Session, hub *api.Hub) func() {
	unsubs := []func(){
		sess.Klines.SubscribeAll(func(e cache.Entry[market.KlineResult]) {
			hub.Broadcast(api.Event{Type: "cache", Payload: entryEvent(e.Fingerprint, e.Status, e.Err)})
		}),
		sess.Sectors.SubscribeAll(func(e cache.Entry[market.SectorHeat]) {
			hub.Broadcast(api.Event{Type: "cache", Payload: entryEvent(e.Fingerprint, e.Status, e.Err)})
		}),
		sess.News.SubscribeAll(func(e cache.Entry[[]market.NewsEvent]) {
			hub.Broadcast(api.Event{Type: "cache", Payload: entryEvent(e.Fingerprint, e.Status, e.Err)})
		}),
		sess.Analysis.Subscribe(func(j jobs.Job) {
			payload := map[string]interface{}{
				"job_id": j.ID,
				"kind":   j.Kind,
				"state":  string(j.State),
				"polls":  j.Polls,
			}
			if j.Err != nil {
				payload["error"] = j.Err.Error()
			}
			hub.Broadcast(api.Event{Type: "job", Payload: payload})
		}),
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func entryEvent(fp cache.Fingerprint, status cache.Status, err error) map[string]interface{} {
	payload := map[string]interface{}{
		"fingerprint": fp.String(),
		"status":      string(status),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	return payload
}
