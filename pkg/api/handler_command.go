package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kaya-dev/kaya/pkg/kaya"
)

// CommandRequest is one natural-language command bound to a session.
type CommandRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Command   string `json:"command" binding:"required"`
}

// commandHandler handles POST /api/v1/commands. The pipeline runs
// synchronously; long-running work is bounded by the pipeline deadline
// and progress streams over /ws in the meantime.
func (s *Server) commandHandler(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := s.commander.Handle(c.Request.Context(), req.SessionID, req.Command)
	if err != nil {
		s.logger.Error("Command failed", "session_id", req.SessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(statusCode(out), out)
}

// statusHandler handles GET /api/v1/status.
func (s *Server) statusHandler(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	out, err := s.commander.StatusReport(c.Request.Context(), sessionID, c.Query("task_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// statusCode maps pipeline outcomes onto HTTP statuses. Escalations and
// failures completed the request; they are not server errors.
func statusCode(out kaya.Outcome) int {
	switch out.Status {
	case kaya.StatusBudgetExceeded:
		return http.StatusPaymentRequired
	default:
		return http.StatusOK
	}
}
