package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kaya-dev/kaya/pkg/hitl"
)

const defaultHITLLimit = 50

// hitlListHandler handles GET /api/v1/hitl, highest priority first.
func (s *Server) hitlListHandler(c *gin.Context) {
	if s.hitl == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hitl queue not available"})
		return
	}
	limit := defaultHITLLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	var afterPriority float64
	if raw := c.Query("after_priority"); raw != "" {
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil || p <= 0 || p > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after_priority must be in (0, 1]"})
			return
		}
		afterPriority = p
	}

	tasks, err := s.hitl.List(c.Request.Context(), limit, afterPriority)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	stats, err := s.hitl.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "stats": stats})
}

// hitlGetHandler handles GET /api/v1/hitl/:id.
func (s *Server) hitlGetHandler(c *gin.Context) {
	if s.hitl == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hitl queue not available"})
		return
	}
	task, err := s.hitl.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, hitl.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

// hitlResolveHandler handles POST /api/v1/hitl/:id/resolve. The
// annotation is archived for retrieval before the task leaves the queue.
func (s *Server) hitlResolveHandler(c *gin.Context) {
	if s.hitl == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hitl queue not available"})
		return
	}
	var annotation hitl.Annotation
	if err := c.ShouldBindJSON(&annotation); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if annotation.RootCauseCategory == "" || annotation.FixStrategy == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "root_cause_category and fix_strategy are required"})
		return
	}

	err := s.hitl.Resolve(c.Request.Context(), c.Param("id"), annotation)
	switch {
	case errors.Is(err, hitl.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, hitl.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"resolved": c.Param("id")})
	}
}
