package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kaya-dev/kaya/pkg/metrics"
)

const (
	defaultMetricsWindowHours = 24
	defaultTrendDays          = 7
)

// metricsHandler handles GET /api/v1/metrics/:name. The window query
// parameter is in hours; trend additionally takes days and a metric.
func (s *Server) metricsHandler(c *gin.Context) {
	if s.agg == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics not available"})
		return
	}
	window, ok := positiveIntQuery(c, "window", defaultMetricsWindowHours)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	switch c.Param("name") {
	case "summary":
		c.JSON(http.StatusOK, gin.H{
			"window_hours":         window,
			"agent_utilization":    s.agg.AgentUtilization(ctx, window),
			"cost_per_feature":     s.agg.CostPerFeature(ctx, window),
			"avg_retry_count":      s.agg.AvgRetryCount(ctx, window),
			"time_to_completion":   s.agg.TimeToCompletion(ctx, window),
			"critic_rejection_rate": s.agg.CriticRejectionRate(ctx, window),
			"validation_pass_rate": s.agg.ValidationPassRate(ctx, window),
		})
	case "agent-utilization":
		c.JSON(http.StatusOK, s.agg.AgentUtilization(ctx, window))
	case "cost-per-feature":
		c.JSON(http.StatusOK, s.agg.CostPerFeature(ctx, window))
	case "retry-count":
		c.JSON(http.StatusOK, gin.H{"avg_retry_count": s.agg.AvgRetryCount(ctx, window)})
	case "time-to-completion":
		c.JSON(http.StatusOK, gin.H{"avg_duration_ms": s.agg.TimeToCompletion(ctx, window)})
	case "rejection-rate":
		c.JSON(http.StatusOK, gin.H{"critic_rejection_rate": s.agg.CriticRejectionRate(ctx, window)})
	case "validation-rate":
		c.JSON(http.StatusOK, gin.H{"validation_pass_rate": s.agg.ValidationPassRate(ctx, window)})
	case "model-usage":
		c.JSON(http.StatusOK, s.agg.ModelUsage(ctx, window))
	case "trend":
		days, ok := positiveIntQuery(c, "days", defaultTrendDays)
		if !ok {
			return
		}
		metric := c.DefaultQuery("metric", metrics.MetricFeatureCompletion)
		field, ok := positiveIntQuery(c, "field", 1)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, s.agg.DailyTrend(ctx, metric, metrics.DimensionGlobal, days, field))
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown metric: " + c.Param("name")})
	}
}

func positiveIntQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return n, true
}
