package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pulseframe/pulseframe/internal/config"
)

// System serves the welcome and liveness endpoints.
type System struct {
	name    string
	version string
}

// NewSystem builds the system handler from application settings.
func NewSystem(cfg config.Settings) *System {
	return &System{name: cfg.AppName, version: cfg.Version}
}

// Welcome handles GET /.
func (s *System) Welcome(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        s.name,
		"version":     s.version,
		"description": "Real-time CRUD application server with channel broadcasting, background tasks and webhooks",
		"status":      "running",
	})
}

// Health handles GET /health.
func (s *System) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
