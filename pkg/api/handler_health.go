package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kaya-dev/kaya/pkg/hotstore"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
)

// healthHandler handles GET /health. The hot store is the only hard
// dependency checked here: a degraded hot store still serves traffic, so
// the process reports degraded rather than unhealthy and keeps its 200.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy
	checks := gin.H{}

	if s.hot != nil {
		if err := s.hot.Ping(ctx); err != nil {
			status = healthStatusDegraded
			checks["hot_store"] = gin.H{"status": healthStatusDegraded, "message": err.Error()}
		} else {
			checks["hot_store"] = gin.H{"status": healthStatusHealthy}
		}
		if d, ok := s.hot.(*hotstore.Degraded); ok && d.IsDegraded() {
			status = healthStatusDegraded
			checks["hot_store"] = gin.H{"status": healthStatusDegraded, "message": "serving from in-memory fallback"}
		}
	}

	body := gin.H{"status": status, "checks": checks}
	if s.breakers != nil {
		body["circuit_breakers"] = s.breakers.States()
	}
	if s.connManager != nil {
		body["ws_connections"] = s.connManager.ActiveConnections()
	}
	c.JSON(http.StatusOK, body)
}
