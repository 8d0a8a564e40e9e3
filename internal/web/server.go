// internal/web/server.go
package web

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"pagewatch/internal/config"
	"pagewatch/internal/database"
	"pagewatch/internal/metrics"
	"pagewatch/internal/monitoring"
)

// ReloadFunc re-reads the configuration and applies it to the engine.
type ReloadFunc func(ctx context.Context) error

type Server struct {
	config  *config.Config
	engine  *monitoring.Engine
	metrics *metrics.Collector
	router  *gin.Engine
	hub     *Hub
	server  *http.Server

	mu      sync.Mutex
	reload  ReloadFunc
	started time.Time
}

func NewServer(cfg *config.Config, engine *monitoring.Engine, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(requestLogger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	server := &Server{
		config:  cfg,
		engine:  engine,
		metrics: metricsCollector,
		router:  router,
		hub:     NewHub(metricsCollector),
		started: time.Now(),
	}

	engine.Subscribe(server.hub)
	server.setupRoutes()
	return server
}

// SetReloader enables POST /api/config/reload.
func (s *Server) SetReloader(fn ReloadFunc) {
	s.mu.Lock()
	s.reload = fn
	s.mu.Unlock()
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	logrus.WithField("port", s.config.Server.Port).Info("Starting web server")

	go s.updateMetricsRoutine(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.serveIndex)
	s.router.GET("/favicon.ico", s.serveFavicon)

	api := s.router.Group("/api")
	{
		api.GET("/targets", s.getTargets)
		api.GET("/targets/:id", s.getTarget)
		api.POST("/targets", s.createTarget)
		api.PUT("/targets/:id", s.updateTarget)
		api.DELETE("/targets/:id", s.deleteTarget)
		api.POST("/targets/:id/enable", s.setTargetEnabled(true))
		api.POST("/targets/:id/disable", s.setTargetEnabled(false))
		api.GET("/targets/:id/state", s.getTargetState)
		api.GET("/targets/:id/rules", s.getTargetRules)

		api.GET("/rules", s.getRules)
		api.GET("/rules/:id", s.getRule)
		api.POST("/rules", s.createRule)
		api.PUT("/rules/:id", s.updateRule)
		api.DELETE("/rules/:id", s.deleteRule)
		api.POST("/rules/:id/enable", s.setRuleEnabled(true))
		api.POST("/rules/:id/disable", s.setRuleEnabled(false))

		api.GET("/states", s.getStates)
		api.GET("/events", s.getEvents)

		api.GET("/stats", s.getStats)
		api.GET("/health", s.healthCheck)
		api.GET("/build-info", s.getBuildInfo)
	}

	s.setupPurgeRoutes(api)
	s.setupNotificationRoutes(api)

	s.router.GET("/ws", s.handleWebSocket)

	if s.config.Prometheus.Enabled {
		s.router.GET(s.config.Prometheus.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
}

func (s *Server) serveIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "pagewatch",
		"version": Version,
		"api":     "/api",
		"events":  "/ws",
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	state := s.engine.State()
	status := http.StatusOK
	health := "healthy"
	if state != monitoring.EngineRunning {
		status = http.StatusServiceUnavailable
		health = "unavailable"
	}

	c.JSON(status, gin.H{
		"status":         health,
		"engine":         state,
		"timestamp":      time.Now(),
		"uptime":         time.Since(s.started).Round(time.Second).String(),
		"version":        Version,
		"ws_clients":     s.hub.Count(),
		"dropped_events": s.engine.DroppedEvents(),
	})
}

type StatsResponse struct {
	Targets        int                     `json:"targets"`
	EnabledTargets int                     `json:"enabled_targets"`
	Rules          int                     `json:"rules"`
	EnabledRules   int                     `json:"enabled_rules"`
	Healthy        int                     `json:"healthy"`
	Failing        int                     `json:"failing"`
	Pending        int                     `json:"pending"`
	DroppedEvents  uint64                  `json:"dropped_events"`
	Database       *database.DatabaseStats `json:"database,omitempty"`
}

func (s *Server) getStats(c *gin.Context) {
	ctx := c.Request.Context()
	store := s.engine.Store()

	targets, err := store.GetTargets(ctx, database.TargetFilters{})
	if err != nil {
		logrus.WithError(err).Error("Failed to get targets")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get targets"})
		return
	}
	rules, err := store.GetRules(ctx, database.RuleFilters{})
	if err != nil {
		logrus.WithError(err).Error("Failed to get rules")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get rules"})
		return
	}
	states, err := s.engine.TargetStates(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get states"})
		return
	}

	stats := StatsResponse{
		Targets:       len(targets),
		Rules:         len(rules),
		DroppedEvents: s.engine.DroppedEvents(),
	}
	for _, t := range targets {
		if t.Enabled {
			stats.EnabledTargets++
		}
	}
	for _, r := range rules {
		if r.Enabled {
			stats.EnabledRules++
		}
	}
	for _, st := range states {
		switch {
		case st.ConsecutiveErrors > 0:
			stats.Failing++
		case st.LastValue == nil:
			stats.Pending++
		default:
			stats.Healthy++
		}
	}

	if dbStats, err := store.GetDatabaseStats(ctx); err == nil {
		stats.Database = dbStats
	} else {
		logrus.WithError(err).Debug("Failed to get database stats")
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (s *Server) updateMetricsRoutine(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.metrics.UpdateSystemMetrics(ctx); err != nil {
				logrus.WithError(err).Error("Failed to update system metrics")
			}
		}
	}
}

// requestLogger logs requests through logrus rather than gin's writer.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logrus.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
			"client":   c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry.Warn(c.Errors.String())
			return
		}
		entry.Debug("Request handled")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// errorStatus maps engine and store errors onto HTTP status codes.
func errorStatus(err error) int {
	var cfgErr *config.ConfigError
	switch {
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, monitoring.ErrEngineStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error, msg string) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		logrus.WithError(err).Error(msg)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
