// Package hitl is the human-in-the-loop queue. Tasks the automation
// gave up on are prioritized in the hot store for a human, and every
// resolution is written back to the cold store so the system learns
// from it.
package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/kaya-dev/kaya/pkg/clock"
	"github.com/kaya-dev/kaya/pkg/coldstore"
	"github.com/kaya-dev/kaya/pkg/hotstore"
)

// Severity of an escalated task.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Escalation reasons.
const (
	ReasonMaxRetries    = "max_retries_exceeded"
	ReasonRegression    = "regression_detected"
	ReasonLowConfidence = "low_confidence"
	ReasonOther         = "other"
)

var (
	ErrNotFound = errors.New("hitl: task not found")
	ErrConflict = errors.New("hitl: task already resolved")
)

// Artifacts are the file references a reviewer needs.
type Artifacts struct {
	Diff       string `json:"diff,omitempty"`
	Baseline   string `json:"baseline,omitempty"`
	AfterFix   string `json:"after_fix,omitempty"`
	Comparison string `json:"comparison,omitempty"`
}

// Annotation is what the human hands back on resolve.
type Annotation struct {
	RootCauseCategory    string `json:"root_cause_category"`
	FixStrategy          string `json:"fix_strategy"`
	Severity             string `json:"severity"`
	HumanNotes           string `json:"human_notes"`
	PatchDiff            string `json:"patch_diff,omitempty"`
	TimeToResolveMinutes int    `json:"time_to_resolve_minutes"`
}

// Task is the queued escalation payload.
type Task struct {
	TaskID         string      `json:"task_id"`
	Feature        string      `json:"feature"`
	CodePath       string      `json:"code_path"`
	LogsPath       string      `json:"logs_path"`
	Screenshots    []string    `json:"screenshots"`
	Attempts       int         `json:"attempts"`
	LastError      string      `json:"last_error"`
	Severity       Severity    `json:"severity"`
	Reason         string      `json:"reason"`
	Priority       float64     `json:"priority"`
	AttemptHistory []string    `json:"attempt_history"`
	AIDiagnosis    string      `json:"ai_diagnosis"`
	AIConfidence   float64     `json:"ai_confidence"`
	Artifacts      Artifacts   `json:"artifacts"`
	CreatedAt      float64     `json:"created_at"`
	Resolution     *Annotation `json:"resolution,omitempty"`
}

// Stats summarizes the queue.
type Stats struct {
	QueueDepth  int64            `json:"queue_depth"`
	AvgPriority float64          `json:"avg_priority"`
	BySeverity  map[Severity]int `json:"by_severity"`
}

const (
	maxScreenshots = 5
	// attemptsBoost caps how much repeated failure can raise priority.
	attemptsBoost = 0.3
)

// Emitter is the slice of the event bus the queue needs.
type Emitter interface {
	Emit(eventType string, payload map[string]any)
}

// Queue stores escalations in the hot store and archives resolutions in
// the cold store.
type Queue struct {
	hot     hotstore.Store
	cold    coldstore.Store
	clk     clock.Clock
	emitter Emitter
	logger  *slog.Logger
}

func NewQueue(hot hotstore.Store, cold coldstore.Store, clk clock.Clock, emitter Emitter, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{hot: hot, cold: cold, clk: clk, emitter: emitter, logger: logger}
}

// PriorityFor computes queue priority from severity and attempts.
// Monotone in both, bounded at 1.0.
func PriorityFor(severity Severity, attempts int) float64 {
	base := 0.1
	switch severity {
	case SeverityMedium:
		base = 0.3
	case SeverityHigh:
		base = 0.5
	case SeverityCritical:
		base = 0.7
	}
	boost := float64(attempts) / 10
	if boost > attemptsBoost {
		boost = attemptsBoost
	}
	p := base + boost
	if p > 1.0 {
		p = 1.0
	}
	return p
}

// Enqueue stores the task and scores it into the queue.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	if task.TaskID == "" {
		return fmt.Errorf("hitl task needs a task_id")
	}
	task.Priority = PriorityFor(task.Severity, task.Attempts)
	if task.CreatedAt == 0 {
		task.CreatedAt = clock.EpochSeconds(q.clk.Now())
	}
	if len(task.Screenshots) > maxScreenshots {
		task.Screenshots = task.Screenshots[:maxScreenshots]
	}

	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode hitl task: %w", err)
	}
	if err := q.hot.Set(ctx, hotstore.HITLTaskKey(task.TaskID), string(raw), hotstore.HITLTTL); err != nil {
		return fmt.Errorf("store hitl task: %w", err)
	}
	if err := q.hot.ZAdd(ctx, hotstore.HITLQueueKey, task.Priority, task.TaskID, 0); err != nil {
		return fmt.Errorf("queue hitl task: %w", err)
	}

	if q.emitter != nil {
		q.emitter.Emit("hitl_escalated", map[string]any{
			"task_id":  task.TaskID,
			"reason":   task.Reason,
			"severity": string(task.Severity),
			"priority": task.Priority,
		})
	}
	return nil
}

// List returns up to limit tasks, highest priority first. afterPriority
// is a pagination cursor: when > 0, only tasks strictly below it are
// returned, so the next page starts from the last priority of the
// previous one. Stale queue members whose payload expired are skipped.
func (q *Queue) List(ctx context.Context, limit int, afterPriority float64) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	members, err := q.hot.ZRevRange(ctx, hotstore.HITLQueueKey, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list hitl queue: %w", err)
	}
	tasks := make([]Task, 0, limit)
	for _, m := range members {
		if afterPriority > 0 && m.Score >= afterPriority {
			continue
		}
		task, err := q.Get(ctx, m.Member)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, *task)
		if len(tasks) == limit {
			break
		}
	}
	return tasks, nil
}

// Get loads one task by id.
func (q *Queue) Get(ctx context.Context, taskID string) (*Task, error) {
	raw, ok, err := q.hot.Get(ctx, hotstore.HITLTaskKey(taskID))
	if err != nil {
		return nil, fmt.Errorf("load hitl task: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("decode hitl task %s: %w", taskID, err)
	}
	return &task, nil
}

// Resolve records the annotation, archives it permanently, and removes
// the task from the queue. A second resolve returns ErrConflict and
// never duplicates the archived annotation.
func (q *Queue) Resolve(ctx context.Context, taskID string, annotation Annotation) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Resolution != nil {
		return ErrConflict
	}

	task.Resolution = &annotation
	archived, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode resolution: %w", err)
	}
	err = q.cold.Save(ctx, coldstore.CollectionAnnotations, taskID, string(archived), map[string]string{
		"feature":             task.Feature,
		"root_cause_category": annotation.RootCauseCategory,
		"fix_strategy":        annotation.FixStrategy,
		"severity":            annotation.Severity,
		"attempts":            strconv.Itoa(task.Attempts),
	})
	if err != nil && !errors.Is(err, coldstore.ErrDuplicate) {
		// Archival is the point of resolution; keep the task queued so
		// the human can retry.
		return fmt.Errorf("archive annotation: %w", err)
	}

	if err := q.hot.Set(ctx, hotstore.HITLTaskKey(taskID), string(archived), hotstore.HITLTTL); err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}
	if err := q.hot.ZRem(ctx, hotstore.HITLQueueKey, taskID); err != nil {
		return fmt.Errorf("dequeue resolved task: %w", err)
	}
	return nil
}

// Stats summarizes queue depth, average priority, and severity mix.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	members, err := q.hot.ZRevRange(ctx, hotstore.HITLQueueKey, 0, -1)
	if err != nil {
		return Stats{}, fmt.Errorf("read hitl queue: %w", err)
	}

	stats := Stats{
		QueueDepth: int64(len(members)),
		BySeverity: make(map[Severity]int),
	}
	var sum float64
	for _, m := range members {
		sum += m.Score
		task, err := q.Get(ctx, m.Member)
		if err != nil {
			continue
		}
		stats.BySeverity[task.Severity]++
	}
	if len(members) > 0 {
		stats.AvgPriority = sum / float64(len(members))
	}
	return stats, nil
}
