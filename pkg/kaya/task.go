package kaya

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaya-dev/kaya/pkg/clock"
	"github.com/kaya-dev/kaya/pkg/hotstore"
)

// Task statuses.
const (
	StatusQueued             = "queued"
	StatusInProgress         = "in_progress"
	StatusAwaitingFix        = "awaiting_fix"
	StatusAwaitingValidation = "awaiting_validation"
	StatusSucceeded          = "succeeded"
	StatusFailed             = "failed"
	StatusEscalated          = "escalated"
	StatusBudgetExceeded     = "budget_exceeded"
)

// statusDAG is the full transition relation. Anything not listed is an
// illegal transition.
var statusDAG = map[string][]string{
	StatusQueued:             {StatusInProgress},
	StatusInProgress:         {StatusSucceeded, StatusFailed, StatusEscalated, StatusBudgetExceeded, StatusAwaitingFix, StatusAwaitingValidation},
	StatusAwaitingFix:        {StatusInProgress},
	StatusAwaitingValidation: {StatusSucceeded, StatusFailed},
}

// ErrIllegalTransition is wrapped into transition failures for illegal
// from→to pairs.
var ErrIllegalTransition = fmt.Errorf("illegal task status transition")

// Task is the per-task record in the hot store.
type Task struct {
	TaskID        string   `json:"task_id"`
	SessionID     string   `json:"session_id"`
	Feature       string   `json:"feature"`
	CreatedAt     float64  `json:"created_at"`
	Status        string   `json:"status"`
	AttemptCount  int      `json:"attempt_count"`
	TotalCostUSD  float64  `json:"total_cost_usd"`
	LastError     string   `json:"last_error,omitempty"`
	ArtifactPaths []string `json:"artifact_paths"`
}

// casAttempts bounds compare-and-set retries on status conflicts.
const casAttempts = 3

// Tasks owns task persistence. Status moves only through CAS on the
// dedicated status key, so transitions for one task are linearizable.
type Tasks struct {
	hot hotstore.Store
	clk clock.Clock
}

func NewTasks(hot hotstore.Store, clk clock.Clock) *Tasks {
	return &Tasks{hot: hot, clk: clk}
}

// Create registers a new queued task and appends it to the task queue.
func (t *Tasks) Create(ctx context.Context, sessionID, feature string) (Task, error) {
	task := Task{
		TaskID:        clock.NewID(),
		SessionID:     sessionID,
		Feature:       feature,
		CreatedAt:     clock.EpochSeconds(t.clk.Now()),
		Status:        StatusQueued,
		ArtifactPaths: []string{},
	}
	if err := t.save(ctx, task); err != nil {
		return Task{}, err
	}
	if _, err := t.hot.CompareAndSet(ctx, hotstore.TaskStatusKey(task.TaskID), "", StatusQueued, hotstore.TaskTTL); err != nil {
		return Task{}, fmt.Errorf("init task status: %w", err)
	}
	if err := t.hot.ListPush(ctx, hotstore.TaskQueueKey, task.TaskID, 0, 0); err != nil {
		return Task{}, fmt.Errorf("queue task: %w", err)
	}
	return task, nil
}

// Get loads a task record.
func (t *Tasks) Get(ctx context.Context, taskID string) (Task, bool, error) {
	raw, ok, err := t.hot.Get(ctx, hotstore.TaskKey(taskID))
	if err != nil || !ok {
		return Task{}, false, err
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Task{}, false, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return task, true, nil
}

// Transition moves the task from one status to another through CAS,
// retrying up to casAttempts times on write conflicts.
func (t *Tasks) Transition(ctx context.Context, taskID, from, to string) error {
	if !legalTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		swapped, err := t.hot.CompareAndSet(ctx, hotstore.TaskStatusKey(taskID), from, to, hotstore.TaskTTL)
		if err != nil {
			return fmt.Errorf("cas task status: %w", err)
		}
		if swapped {
			t.mutate(ctx, taskID, func(task *Task) { task.Status = to })
			return nil
		}
		current, _, err := t.hot.Get(ctx, hotstore.TaskStatusKey(taskID))
		if err != nil {
			return fmt.Errorf("read task status: %w", err)
		}
		if current == to {
			// Someone else completed the same transition.
			return nil
		}
		from = current
		if !legalTransition(from, to) {
			return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
		}
	}
	return fmt.Errorf("task %s status contention, gave up after %d attempts", taskID, casAttempts)
}

// Status reads the current status.
func (t *Tasks) Status(ctx context.Context, taskID string) (string, bool, error) {
	return t.hot.Get(ctx, hotstore.TaskStatusKey(taskID))
}

// AddCost accumulates spend on the task record. Monotonic.
func (t *Tasks) AddCost(ctx context.Context, taskID string, cost float64) {
	if cost <= 0 {
		return
	}
	t.mutate(ctx, taskID, func(task *Task) { task.TotalCostUSD += cost })
}

// RecordError stores the last failure message.
func (t *Tasks) RecordError(ctx context.Context, taskID, message string) {
	t.mutate(ctx, taskID, func(task *Task) { task.LastError = message })
}

// AddArtifact appends an artifact path.
func (t *Tasks) AddArtifact(ctx context.Context, taskID, path string) {
	t.mutate(ctx, taskID, func(task *Task) { task.ArtifactPaths = append(task.ArtifactPaths, path) })
}

// IncrementAttempts bumps the attempt counter on the record.
func (t *Tasks) IncrementAttempts(ctx context.Context, taskID string) {
	t.mutate(ctx, taskID, func(task *Task) { task.AttemptCount++ })
}

func (t *Tasks) mutate(ctx context.Context, taskID string, fn func(*Task)) {
	task, ok, err := t.Get(ctx, taskID)
	if err != nil || !ok {
		return
	}
	fn(&task)
	_ = t.save(ctx, task)
}

func (t *Tasks) save(ctx context.Context, task Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := t.hot.Set(ctx, hotstore.TaskKey(task.TaskID), string(raw), hotstore.TaskTTL); err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	return nil
}

func legalTransition(from, to string) bool {
	for _, next := range statusDAG[from] {
		if next == to {
			return true
		}
	}
	return false
}
