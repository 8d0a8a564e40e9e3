// internal/web/purge_handlers.go - Maintenance endpoints
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func (s *Server) setupPurgeRoutes(api *gin.RouterGroup) {
	maintenance := api.Group("/maintenance")
	{
		maintenance.POST("/purge", s.purgeStaleData)
	}

	config := api.Group("/config")
	{
		config.POST("/reload", s.reloadConfig)
	}
}

// POST /api/maintenance/purge - Remove config-managed targets and rules no
// longer in the configuration, rules without a target and orphaned state.
func (s *Server) purgeStaleData(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	result, err := s.engine.Purge(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to purge stale data")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to purge stale data", "data": result})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Stale data purged",
		"data":      result,
		"timestamp": time.Now(),
	})
}

// POST /api/config/reload - Re-read the configuration file and apply it
func (s *Server) reloadConfig(c *gin.Context) {
	s.mu.Lock()
	reload := s.reload
	s.mu.Unlock()

	if reload == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Configuration reload is not available"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	logrus.Info("Configuration reload requested")
	if err := reload(ctx); err != nil {
		logrus.WithError(err).Error("Configuration reload failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Configuration reloaded",
		"timestamp": time.Now(),
	})
}
