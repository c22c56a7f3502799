package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"market-sync/src/engine"
	"market-sync/src/logger"
	"market-sync/src/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// -----------------------------------------------------------------------------
// APIServer
// -----------------------------------------------------------------------------

type APIServer struct {
	Config *models.MConfig
	Logger *logger.Logger
	Engine *engine.SyncEngine

	router *gin.Engine
	http   *http.Server

	// WebSocket clients
	clients     map[*Client]struct{}
	clientCount atomic.Int64
	broadcast   chan *models.MSnapshot
	register    chan *Client
	unregister  chan *Client
	done        chan struct{}
	stopOnce    sync.Once

	// Local cache of the last broadcast frame
	latestState *models.MSnapshot
	stateMutex  sync.RWMutex
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewAPIServer(cfg *models.MConfig, log *logger.Logger, eng *engine.SyncEngine) *APIServer {
	if !strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &APIServer{
		Config:  cfg,
		Logger:  log,
		Engine:  eng,
		router:  gin.Default(),
		clients: make(map[*Client]struct{}),
		// Buffered so a burst of engine updates never blocks the caller
		broadcast:  make(chan *models.MSnapshot, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		latestState: &models.MSnapshot{
			Type:   "INITIAL",
			Quotes: make(map[string]models.MQuote),
		},
	}

	// CORS for local display apps
	s.router.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if strings.HasPrefix(origin, "http://127.0.0.1:") || strings.HasPrefix(origin, "http://localhost:") {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	s.setupRoutes()

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.router,
	}

	// The hub runs from construction so WebSocket upgrades work no matter
	// how the routes are served.
	go s.runHub()

	return s
}

// -----------------------------------------------------------------------------

// Handler exposes the route tree for embedding and tests.
func (s *APIServer) Handler() http.Handler {
	return s.router
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *APIServer) setupRoutes() {
	// REST API endpoints
	s.router.GET("/api/quotes", s.getQuotes)
	s.router.GET("/api/series", s.getSeries)
	s.router.GET("/api/symbols", s.getSymbols)
	s.router.GET("/api/status", s.getStatus)
	s.router.GET("/api/health", s.getHealth)

	// Prometheus scrape endpoint
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket endpoint
	s.router.GET("/ws", s.handleWebSocket)
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

func (s *APIServer) Start() error {
	s.Logger.Info("Starting API server on %s", s.http.Addr)

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// -----------------------------------------------------------------------------

func (s *APIServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.http.Shutdown(ctx)
		s.Logger.Info("API server stopped")
	})
	return err
}

// -----------------------------------------------------------------------------
// Route Handlers
// -----------------------------------------------------------------------------

func (s *APIServer) getQuotes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"quotes":    s.Engine.Quotes(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// -----------------------------------------------------------------------------

func (s *APIServer) getSeries(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol query parameter is required"})
		return
	}
	interval := c.DefaultQuery("interval", "1m")

	inst, ok := s.Engine.Instrument(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown symbol %q", symbol)})
		return
	}

	bars, loading, ok := s.Engine.GetSeries(inst.ID, interval)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no active subscription for %s/%s", inst.ID, interval)})
		return
	}
	if bars == nil {
		bars = []models.MBar{}
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":    inst.ID,
		"interval":  interval,
		"bars":      bars,
		"isLoading": loading,
	})
}

// -----------------------------------------------------------------------------

func (s *APIServer) getSymbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.Engine.Instruments()})
}

// -----------------------------------------------------------------------------

func (s *APIServer) getStatus(c *gin.Context) {
	feeds := s.Engine.Statuses()
	if feeds == nil {
		feeds = []models.MFeedStatus{}
	}
	c.JSON(http.StatusOK, gin.H{
		"feeds":     feeds,
		"timestamp": time.Now().UnixMilli(),
	})
}

// -----------------------------------------------------------------------------

func (s *APIServer) getHealth(c *gin.Context) {
	s.stateMutex.RLock()
	var timestamp int64
	if s.latestState != nil {
		timestamp = s.latestState.Timestamp
	}
	s.stateMutex.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"connections":   s.clientCount.Load(),
		"latest_update": timestamp,
	})
}
