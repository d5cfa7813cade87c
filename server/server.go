// Package server exposes the control surface over HTTP. Every command
// is idempotent; failures come back as {status, code, message, retriable}.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "ignitionflow/config"
	"ignitionflow/ignition"
	"ignitionflow/logger"
	"ignitionflow/models"
	"ignitionflow/provider"
	"ignitionflow/repository"
	"ignitionflow/scoring"
	"ignitionflow/store"
	"ignitionflow/subscription"
	"ignitionflow/tier2"
	"ignitionflow/tradingctx"
	"ignitionflow/watchlist"
)

// IgnitionMonitor is the slice of the monitor the server drives.
type IgnitionMonitor interface {
	Start(ctx context.Context, watchlist []string) error
	Stop() error
	IsRunning() bool
	Scores() map[string]models.IgnitionSnapshot
}

// StatsFunc returns the dispatcher counter snapshot.
type StatsFunc func() any

// Server hosts the control API.
type Server struct {
	cfg        appconfig.ServerConfig
	log        *logger.Log
	httpServer *http.Server
	runCtx     context.Context

	repo    *repository.Repository
	scanner *watchlist.Scanner
	wl      *watchlist.Store
	monitor IgnitionMonitor
	applier *tier2.Applier
	set     *tier2.Set
	subs    *subscription.Manager
	tctx    *tradingctx.Context
	stats   StatsFunc
}

// NewServer constructs the control server when enabled; otherwise nil.
func NewServer(cfg appconfig.ServerConfig, deps Deps) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)

	return &Server{
		cfg:     cfg,
		log:     logger.GetLogger(),
		repo:    deps.Repository,
		scanner: deps.Scanner,
		wl:      deps.Watchlist,
		monitor: deps.Monitor,
		applier: deps.Applier,
		set:     deps.Tier2,
		subs:    deps.Subscriptions,
		tctx:    deps.Trading,
		stats:   deps.Stats,
	}
}

// Deps bundles the components the control surface drives.
type Deps struct {
	Repository    *repository.Repository
	Scanner       *watchlist.Scanner
	Watchlist     *watchlist.Store
	Monitor       IgnitionMonitor
	Applier       *tier2.Applier
	Tier2         *tier2.Set
	Subscriptions *subscription.Manager
	Trading       *tradingctx.Context
	Stats         StatsFunc
}

// Run starts the HTTP server and blocks until the context is cancelled
// or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.runCtx = ctx

	router := s.buildRouter()
	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("server").WithFields(logger.Fields{"address": s.cfg.Address}).Info("control server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	v1.POST("/sync-daily", s.handleSyncDaily)
	v1.POST("/scanner/run", s.handleScannerRun)
	v1.POST("/ignition/start", s.handleIgnitionStart)
	v1.POST("/ignition/stop", s.handleIgnitionStop)
	v1.POST("/tier2/promote", s.handleTier2Promote)
	v1.POST("/tier2/demote", s.handleTier2Demote)
	v1.PUT("/active-ticker", s.handleActiveTicker)
	v1.GET("/scores", s.handleScores)
	v1.GET("/stats", s.handleStats)

	return router
}

func (s *Server) handleSyncDaily(c *gin.Context) {
	tickers := s.wl.Tickers()
	added, err := s.repo.SyncDaily(c.Request.Context(), tickers)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records_added": added, "tickers": len(tickers)})
}

func (s *Server) handleScannerRun(c *gin.Context) {
	result, err := s.scanner.Run(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleIgnitionStart(c *gin.Context) {
	if s.monitor.IsRunning() {
		c.JSON(http.StatusOK, gin.H{"running": true})
		return
	}
	if err := s.monitor.Start(s.runCtx, s.wl.Tickers()); err != nil {
		writeError(c, err)
		return
	}
	s.subs.RequestSync()
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (s *Server) handleIgnitionStop(c *gin.Context) {
	if !s.monitor.IsRunning() {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}
	if err := s.monitor.Stop(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": false})
}

type tickersRequest struct {
	Tickers []string `json:"tickers" binding:"required"`
}

func (s *Server) handleTier2Promote(c *gin.Context) {
	var req tickersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid body: expected {\"tickers\": [...]}")
		return
	}
	s.applier.PromoteManual(req.Tickers)
	c.JSON(http.StatusOK, gin.H{"tier2": s.set.Members()})
}

func (s *Server) handleTier2Demote(c *gin.Context) {
	var req tickersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid body: expected {\"tickers\": [...]}")
		return
	}
	s.applier.DemoteManual(req.Tickers)
	c.JSON(http.StatusOK, gin.H{"tier2": s.set.Members()})
}

type activeTickerRequest struct {
	Ticker string `json:"ticker"`
}

func (s *Server) handleActiveTicker(c *gin.Context) {
	var req activeTickerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid body: expected {\"ticker\": \"...\"}")
		return
	}
	s.tctx.SetActive(req.Ticker)
	s.subs.RequestSync()
	c.JSON(http.StatusOK, gin.H{"active": s.tctx.Active(), "previous": s.tctx.Previous()})
}

func (s *Server) handleScores(c *gin.Context) {
	snaps := s.monitor.Scores()

	entries := s.wl.Entries()
	payload := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		row := gin.H{
			"ticker":       e.Ticker,
			"score":        scoring.FormatScore(e.Score),
			"score_v3":     scoring.FormatScore(e.ScoreV3),
			"stage":        e.Stage,
			"stage_number": e.StageNumber,
			"intensities":  scoring.FormatIntensities(e.Intensities),
			"zen_v":        scoring.FormatZScore(e.ZenV),
			"zen_p":        scoring.FormatZScore(e.ZenP),
			"source":       e.Source,
		}
		if snap, ok := snaps[e.Ticker]; ok {
			row["ignition"] = gin.H{
				"ignition_score":  scoring.FormatScore(snap.Score),
				"rvol_1m":         scoring.FormatScore(snap.RVol1m),
				"price_accel":     scoring.FormatZScore(snap.PriceAccel),
				"spread_penalty":  scoring.FormatIntensity(snap.SpreadPenalty),
				"antitrap_passed": snap.AntitrapPassed,
				"stale":           snap.Stale,
				"updated_at":      snap.UpdatedAt,
			}
		}
		payload = append(payload, row)
	}
	c.JSON(http.StatusOK, gin.H{"scores": payload})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"dispatcher":    s.stats(),
		"subscriptions": gin.H{
			"aggregates": s.subs.Current(models.ChannelAggregates),
			"quotes":     s.subs.Current(models.ChannelQuotes),
			"trades":     s.subs.Current(models.ChannelTrades),
		},
		"tier2":           s.set.Members(),
		"active":          s.tctx.Active(),
		"ignition_active": s.monitor.IsRunning(),
	})
}

// apiError is the wire shape of every user-visible failure.
type apiError struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

func writeError(c *gin.Context, err error) {
	e := classify(err)
	c.JSON(e.Status, e)
}

func writeBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, apiError{
		Status:    http.StatusBadRequest,
		Code:      "bad_request",
		Message:   msg,
		Retriable: false,
	})
}

func classify(err error) apiError {
	switch {
	case errors.Is(err, provider.ErrUnavailable):
		return apiError{Status: http.StatusServiceUnavailable, Code: "provider_unavailable", Message: err.Error(), Retriable: true}
	case errors.Is(err, provider.ErrRejected):
		return apiError{Status: http.StatusBadGateway, Code: "provider_rejected", Message: err.Error(), Retriable: false}
	case errors.Is(err, subscription.ErrQuotaExceeded):
		return apiError{Status: http.StatusConflict, Code: "quota_exceeded", Message: err.Error(), Retriable: false}
	case errors.Is(err, store.ErrCorrupt):
		return apiError{Status: http.StatusInternalServerError, Code: "store_corrupt", Message: err.Error(), Retriable: false}
	case errors.Is(err, ignition.ErrShutdownTimeout):
		return apiError{Status: http.StatusGatewayTimeout, Code: "shutdown_timeout", Message: err.Error(), Retriable: true}
	default:
		return apiError{Status: http.StatusInternalServerError, Code: "internal", Message: err.Error(), Retriable: false}
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8090"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		return net.JoinHostPort(host, port)
	}
	return net.JoinHostPort(addr, "8090")
}
