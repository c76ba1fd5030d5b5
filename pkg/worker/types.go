// Package worker holds the five specialists (scribe, critic, runner,
// medic, gemini) behind one envelope. A worker never lets an error
// escape: every outcome is a Result, and every invocation is announced
// on the event bus.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/kaya-dev/kaya/pkg/clock"
	"github.com/kaya-dev/kaya/pkg/resilience"
)

// Worker ids, also used as event payload values and pool keys.
const (
	NameScribe = "scribe"
	NameCritic = "critic"
	NameRunner = "runner"
	NameMedic  = "medic"
	NameGemini = "gemini"
)

// Request is the uniform input envelope.
type Request struct {
	TaskID    string
	SessionID string
	Kind      string
	Model     string
	Payload   map[string]any
	BudgetUSD float64
	Deadline  time.Duration
}

// String reads a string slot from the payload.
func (r Request) String(key string) string {
	v, _ := r.Payload[key].(string)
	return v
}

// Bool reads a bool slot from the payload.
func (r Request) Bool(key string) bool {
	v, _ := r.Payload[key].(bool)
	return v
}

// Float reads a numeric slot from the payload.
func (r Request) Float(key string) float64 {
	switch v := r.Payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// Result is the uniform output envelope.
type Result struct {
	OK         bool                `json:"ok"`
	Data       map[string]any      `json:"data,omitempty"`
	Error      string              `json:"error,omitempty"`
	Category   resilience.Category `json:"category,omitempty"`
	CostUSD    float64             `json:"cost_usd"`
	DurationMS int64               `json:"duration_ms"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
}

// Fail builds a failed result from an error.
func Fail(err error, hints resilience.Hints) Result {
	return Result{
		OK:       false,
		Error:    err.Error(),
		Category: resilience.Classify(err, hints),
	}
}

// Failf builds a failed result with an explicit category.
func Failf(category resilience.Category, format string, args ...any) Result {
	return Result{
		OK:       false,
		Error:    fmt.Sprintf(format, args...),
		Category: category,
	}
}

// FailureRecord describes one failing test or diagnostic finding.
type FailureRecord struct {
	Category resilience.Category `json:"category"`
	Message  string              `json:"message"`
	Excerpt  string              `json:"excerpt,omitempty"`
}

// Worker is one specialist. Handle must return rather than panic; Run
// wraps it with the envelope guarantees.
type Worker interface {
	Name() string
	Handle(ctx context.Context, req Request) Result
}

// Emitter is the slice of the event bus workers need.
type Emitter interface {
	Emit(eventType string, payload map[string]any)
}

// Run invokes one worker with the envelope contract: deadline applied,
// agent_started/agent_completed emitted, panics converted to a failed
// result, duration stamped.
func Run(ctx context.Context, w Worker, req Request, clk clock.Clock, emitter Emitter) (res Result) {
	start := clk.Now()
	if emitter != nil {
		emitter.Emit("agent_started", map[string]any{
			"task_id": req.TaskID,
			"agent":   w.Name(),
			"kind":    req.Kind,
		})
	}

	defer func() {
		if r := recover(); r != nil {
			res = Failf(resilience.CategoryPermanent, "worker %s panicked: %v", w.Name(), r)
		}
		if res.DurationMS == 0 {
			res.DurationMS = clk.Now().Sub(start).Milliseconds()
		}
		status := "success"
		if !res.OK {
			status = "failed"
		}
		if emitter != nil {
			emitter.Emit("agent_completed", map[string]any{
				"task_id":     req.TaskID,
				"agent":       w.Name(),
				"status":      status,
				"cost_usd":    res.CostUSD,
				"duration_ms": res.DurationMS,
			})
		}
	}()

	if req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}
	res = w.Handle(ctx, req)
	return res
}
