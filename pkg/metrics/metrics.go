// Package metrics derives operational numbers from the hot store's
// metric buckets. Writers append pipe-delimited tuples into hourly
// sorted sets; readers aggregate them over a window.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kaya-dev/kaya/pkg/clock"
	"github.com/kaya-dev/kaya/pkg/hotstore"
)

// Metric names. The dimension is the grouping label: agent name for
// agent_duration, "global" for the rest (the group key travels in the
// tuple).
const (
	MetricAgentDuration     = "agent_duration"     // fields: duration_ms|cost_usd
	MetricFeatureCompletion = "feature_completion" // fields: feature|cost_usd|attempts|duration_ms
	MetricCriticDecision    = "critic_decision"    // fields: decision
	MetricValidation        = "validation"         // fields: pass|fail
	MetricModelUsage        = "model_usage"        // fields: model|duration_ms|cost_usd
)

// DimensionGlobal is the catch-all dimension.
const DimensionGlobal = "global"

// Agents enumerated for utilization queries.
var Agents = []string{"scribe", "critic", "runner", "medic", "gemini"}

// ModelStats is one model's usage rollup.
type ModelStats struct {
	DurationMS float64 `json:"duration_ms"`
	CostUSD    float64 `json:"cost_usd"`
	Count      int     `json:"count"`
}

// TrendPoint is one day of a historical series.
type TrendPoint struct {
	Day   string  `json:"day"`
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
}

// Aggregator reads and writes the metric buckets.
type Aggregator struct {
	hot    hotstore.Store
	clk    clock.Clock
	logger *slog.Logger
}

func NewAggregator(hot hotstore.Store, clk clock.Clock, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{hot: hot, clk: clk, logger: logger}
}

// Record appends one tuple to the current hour's bucket. Metric writes
// are observability, not state: failures are logged and swallowed.
func (a *Aggregator) Record(ctx context.Context, metric, dimension string, fields ...string) {
	now := a.clk.Now()
	key := hotstore.MetricKey(metric, dimension, clock.HourBucket(now))
	member := fmt.Sprintf("%d|%s", clock.EpochMillis(now), strings.Join(fields, "|"))
	if err := a.hot.ZAdd(ctx, key, float64(clock.EpochMillis(now)), member, hotstore.MetricsTTL); err != nil {
		a.logger.Warn("metric write failed", "metric", metric, "dimension", dimension, "error", err)
	}
}

// sample is one decoded tuple: the leading timestamp plus its fields.
type sample struct {
	fields []string
}

func (s sample) float(i int) float64 {
	if i >= len(s.fields) {
		return 0
	}
	v, _ := strconv.ParseFloat(s.fields[i], 64)
	return v
}

func (s sample) str(i int) string {
	if i >= len(s.fields) {
		return ""
	}
	return s.fields[i]
}

// window reads all samples for a metric/dimension over the last
// windowHours hour buckets (default 1).
func (a *Aggregator) window(ctx context.Context, metric, dimension string, windowHours int) []sample {
	if windowHours <= 0 {
		windowHours = 1
	}
	now := a.clk.Now()
	cutoff := float64(clock.EpochMillis(now.Add(-time.Duration(windowHours) * time.Hour)))

	var samples []sample
	for h := 0; h < windowHours+1; h++ {
		bucket := clock.HourBucket(now.Add(-time.Duration(h) * time.Hour))
		key := hotstore.MetricKey(metric, dimension, bucket)
		members, err := a.hot.ZRangeByScore(ctx, key, cutoff, float64(clock.EpochMillis(now)))
		if err != nil {
			a.logger.Warn("metric read failed", "metric", metric, "error", err)
			continue
		}
		for _, m := range members {
			parts := strings.Split(m.Member, "|")
			if len(parts) < 2 {
				continue
			}
			samples = append(samples, sample{fields: parts[1:]})
		}
	}
	return samples
}

// AgentUtilization is each agent's busy time over the window, as a
// fraction of the window duration.
func (a *Aggregator) AgentUtilization(ctx context.Context, windowHours int) map[string]float64 {
	if windowHours <= 0 {
		windowHours = 1
	}
	windowMS := float64(windowHours) * float64(time.Hour/time.Millisecond)
	out := make(map[string]float64, len(Agents))
	for _, agent := range Agents {
		var busy float64
		for _, s := range a.window(ctx, MetricAgentDuration, agent, windowHours) {
			busy += s.float(0)
		}
		out[agent] = busy / windowMS
	}
	return out
}

// CostPerFeature is the mean completion cost grouped by feature.
func (a *Aggregator) CostPerFeature(ctx context.Context, windowHours int) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, s := range a.window(ctx, MetricFeatureCompletion, DimensionGlobal, windowHours) {
		feature := s.str(0)
		sums[feature] += s.float(1)
		counts[feature]++
	}
	out := make(map[string]float64, len(sums))
	for feature, sum := range sums {
		out[feature] = sum / float64(counts[feature])
	}
	return out
}

// AvgRetryCount is the mean attempts per feature completion.
func (a *Aggregator) AvgRetryCount(ctx context.Context, windowHours int) float64 {
	samples := a.window(ctx, MetricFeatureCompletion, DimensionGlobal, windowHours)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.float(2)
	}
	return sum / float64(len(samples))
}

// TimeToCompletion is the mean end-to-end duration of completions, ms.
func (a *Aggregator) TimeToCompletion(ctx context.Context, windowHours int) float64 {
	samples := a.window(ctx, MetricFeatureCompletion, DimensionGlobal, windowHours)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.float(3)
	}
	return sum / float64(len(samples))
}

// CriticRejectionRate is rejections over total decisions.
func (a *Aggregator) CriticRejectionRate(ctx context.Context, windowHours int) float64 {
	samples := a.window(ctx, MetricCriticDecision, DimensionGlobal, windowHours)
	if len(samples) == 0 {
		return 0
	}
	rejected := 0
	for _, s := range samples {
		if s.str(0) == "rejected" {
			rejected++
		}
	}
	return float64(rejected) / float64(len(samples))
}

// ValidationPassRate is rubric passes over total validations.
func (a *Aggregator) ValidationPassRate(ctx context.Context, windowHours int) float64 {
	samples := a.window(ctx, MetricValidation, DimensionGlobal, windowHours)
	if len(samples) == 0 {
		return 0
	}
	passed := 0
	for _, s := range samples {
		if s.str(0) == "pass" {
			passed++
		}
	}
	return float64(passed) / float64(len(samples))
}

// ModelUsage sums duration, cost, and call count per model.
func (a *Aggregator) ModelUsage(ctx context.Context, windowHours int) map[string]ModelStats {
	out := make(map[string]ModelStats)
	for _, s := range a.window(ctx, MetricModelUsage, DimensionGlobal, windowHours) {
		model := s.str(0)
		stats := out[model]
		stats.DurationMS += s.float(1)
		stats.CostUSD += s.float(2)
		stats.Count++
		out[model] = stats
	}
	return out
}

// DailyTrend returns one point per day over the last days, counting
// samples and summing the given tuple field.
func (a *Aggregator) DailyTrend(ctx context.Context, metric, dimension string, days, sumField int) []TrendPoint {
	if days <= 0 {
		days = 7
	}
	now := a.clk.Now()
	points := make([]TrendPoint, 0, days)
	for d := days - 1; d >= 0; d-- {
		dayStart := now.Add(-time.Duration(d) * 24 * time.Hour).UTC().Truncate(24 * time.Hour)
		point := TrendPoint{Day: clock.DayBucket(dayStart)}
		for h := 0; h < 24; h++ {
			bucket := clock.HourBucket(dayStart.Add(time.Duration(h) * time.Hour))
			key := hotstore.MetricKey(metric, dimension, bucket)
			members, err := a.hot.ZRangeByScore(ctx, key, 0, float64(clock.EpochMillis(now)))
			if err != nil {
				continue
			}
			for _, m := range members {
				parts := strings.Split(m.Member, "|")
				point.Count++
				s := sample{fields: parts[1:]}
				point.Sum += s.float(sumField)
			}
		}
		points = append(points, point)
	}
	return points
}
