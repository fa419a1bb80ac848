package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridbot/grid"
	"gridbot/logger"
	"gridbot/store"
)

// GridController is the part of the orchestrator the API drives.
type GridController interface {
	Status() grid.Status
	Stop()
}

// TradeReader reads the trade journal.
type TradeReader interface {
	ListTrades(symbol string, limit int) ([]*store.GridTrade, error)
	GetStats(symbol string) (*store.GridTradeStats, error)
	GetSummary(runID string) (*store.GridSummary, error)
}

// Server HTTP API server
type Server struct {
	router     *gin.Engine
	grid       GridController
	trades     TradeReader
	jwtSecret  []byte
	httpServer *http.Server
}

// NewServer creates the API server. trades may be nil when no journal is configured.
func NewServer(ctrl GridController, trades TradeReader, jwtSecret string, port int) *Server {
	// Release mode keeps gin's debug output out of the logs
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware())

	s := &Server{
		router:    router,
		grid:      ctrl,
		trades:    trades,
		jwtSecret: []byte(jwtSecret),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		api.Any("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)
		api.GET("/trades", s.handleTrades)
		api.GET("/stats", s.handleStats)
		api.GET("/runs/:id", s.handleRunSummary)

		protected := api.Group("/", s.authMiddleware())
		{
			protected.POST("/stop", s.handleStop)
		}
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.grid.Status())
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Trade journal not configured"})
		return
	}
	symbol := c.DefaultQuery("symbol", s.grid.Status().Symbol)
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	trades, err := s.trades.ListTrades(symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to load trades: %v", err)})
		return
	}
	if trades == nil {
		trades = []*store.GridTrade{}
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "trades": trades})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Trade journal not configured"})
		return
	}
	symbol := c.DefaultQuery("symbol", s.grid.Status().Symbol)
	stats, err := s.trades.GetStats(symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to load stats: %v", err)})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleRunSummary(c *gin.Context) {
	if s.trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Trade journal not configured"})
		return
	}
	summary, err := s.trades.GetSummary(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to load run: %v", err)})
		return
	}
	if summary == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found or still active"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handleStop stops the grid and waits for the shutdown to finish.
func (s *Server) handleStop(c *gin.Context) {
	st := s.grid.Status()
	if !st.Active {
		c.JSON(http.StatusConflict, gin.H{"error": "Grid is not running", "state": st.State})
		return
	}
	logger.Infof("🛑 Stop requested via API by %s", c.GetString("subject"))
	s.grid.Stop()
	c.JSON(http.StatusOK, gin.H{"message": "Grid stopped", "status": s.grid.Status()})
}

// Start serves until Shutdown. It returns nil after a graceful shutdown,
// including one that happened before Start was called.
func (s *Server) Start() error {
	logger.Infof("🌐 API server starting at http://localhost%s", s.httpServer.Addr)
	logger.Infof("📊 API Documentation:")
	logger.Infof("  • GET  /api/health        - Health check")
	logger.Infof("  • GET  /api/status        - Grid status snapshot")
	logger.Infof("  • GET  /api/trades?limit= - Recent fills from the journal")
	logger.Infof("  • GET  /api/stats         - Trade statistics")
	logger.Infof("  • GET  /api/runs/:id      - Summary of a finished run")
	logger.Infof("  • POST /api/stop          - Stop the grid (Bearer token required)")
	logger.Infof("  • GET  /metrics           - Prometheus metrics")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
