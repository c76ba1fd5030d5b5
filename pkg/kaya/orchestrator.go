package kaya

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kaya-dev/kaya/pkg/clock"
	"github.com/kaya-dev/kaya/pkg/coldstore"
	"github.com/kaya-dev/kaya/pkg/config"
	"github.com/kaya-dev/kaya/pkg/hitl"
	"github.com/kaya-dev/kaya/pkg/hotstore"
	"github.com/kaya-dev/kaya/pkg/ledger"
	"github.com/kaya-dev/kaya/pkg/llm"
	"github.com/kaya-dev/kaya/pkg/metrics"
	"github.com/kaya-dev/kaya/pkg/resilience"
	"github.com/kaya-dev/kaya/pkg/router"
	"github.com/kaya-dev/kaya/pkg/worker"
)

// Pipeline bounds.
const (
	maxCriticRewrites    = 3
	maxMedicInvocations  = 3
	maxFixIterations     = 5
	iterativeFixTimeoutS = 180.0
)

// Terminal pipeline statuses beyond the task DAG.
const StatusMaxIterations = "max_iterations_reached"

// Invoker runs one named worker. The runtime backs this with worker
// pools; tests substitute deterministic fakes.
type Invoker interface {
	Invoke(ctx context.Context, name string, req worker.Request) worker.Result
}

// BreakerStates reports circuit breaker states by dependency name, for
// the status report.
type BreakerStates interface {
	States() map[string]string
}

// IterationSummary is one Runner→Medic cycle of the iterative fix loop.
type IterationSummary struct {
	Iteration   int    `json:"iteration"`
	FailedCount int    `json:"failed_count"`
	Outcome     string `json:"outcome"`
	Detail      string `json:"detail,omitempty"`
}

// Outcome is what a pipeline hands back to the CLI/API layer.
type Outcome struct {
	Status       string             `json:"status"`
	TaskID       string             `json:"task_id,omitempty"`
	Message      string             `json:"message,omitempty"`
	CostUSD      float64            `json:"cost_usd"`
	DurationMS   int64              `json:"duration_ms"`
	Artifacts    []string           `json:"artifacts,omitempty"`
	Iterations   []IterationSummary `json:"iterations,omitempty"`
	HITLTaskID   string             `json:"hitl_task_id,omitempty"`
	HITLPriority float64            `json:"hitl_priority,omitempty"`
	Data         map[string]any     `json:"data,omitempty"`
}

// Succeeded reports whether the outcome is the happy terminal state.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSucceeded || o.Status == "ok"
}

// Orchestrator drives the pipelines. All shared state lives in the hot
// store; the orchestrator itself only holds wiring.
type Orchestrator struct {
	cfg      *config.Config
	clk      clock.Clock
	emitter  Emitter
	hot      hotstore.Store
	cold     coldstore.Store
	tasks    *Tasks
	sessions *Sessions
	router   *router.Router
	invoker  Invoker
	hitlQ    *hitl.Queue
	costs    *ledger.Ledger
	agg      *metrics.Aggregator
	llm      llm.Client
	breakers BreakerStates
	logger   *slog.Logger

	pipelines chan struct{}
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Config   *config.Config
	Clock    clock.Clock
	Emitter  Emitter
	Hot      hotstore.Store
	Cold     coldstore.Store
	Router   *router.Router
	Invoker  Invoker
	HITL     *hitl.Queue
	Ledger   *ledger.Ledger
	Metrics  *metrics.Aggregator
	LLM      llm.Client
	Breakers BreakerStates
	Logger   *slog.Logger
}

func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxPipelines := d.Config.Workers.MaxConcurrentPipelines
	if maxPipelines <= 0 {
		maxPipelines = 10
	}
	return &Orchestrator{
		cfg:       d.Config,
		clk:       d.Clock,
		emitter:   d.Emitter,
		hot:       d.Hot,
		cold:      d.Cold,
		tasks:     NewTasks(d.Hot, d.Clock),
		sessions:  NewSessions(d.Hot, d.Clock, d.Config.Budget, d.Emitter, logger),
		router:    d.Router,
		invoker:   d.Invoker,
		hitlQ:     d.HITL,
		costs:     d.Ledger,
		agg:       d.Metrics,
		llm:       d.LLM,
		breakers:  d.Breakers,
		logger:    logger,
		pipelines: make(chan struct{}, maxPipelines),
	}
}

// Sessions exposes session accounting to the CLI/API layer.
func (o *Orchestrator) Sessions() *Sessions { return o.sessions }

// Tasks exposes task lookups to the CLI/API layer.
func (o *Orchestrator) Tasks() *Tasks { return o.tasks }

// Handle parses one command and runs the pipeline it names.
func (o *Orchestrator) Handle(ctx context.Context, sessionID, raw string) (Outcome, error) {
	intent := ParseIntent(raw)
	switch intent.Kind {
	case IntentCreateTest:
		return o.CreateTest(ctx, sessionID, intent.Slots["feature"], false)
	case IntentValidate:
		return o.Validate(ctx, sessionID, intent.Slots["feature"], intent.Critical())
	case IntentRunTest:
		return o.RunOnce(ctx, sessionID, intent.Slots["path"])
	case IntentIterativeFix:
		return o.IterativeFix(ctx, sessionID, intent.Slots["path"])
	case IntentStatus:
		return o.StatusReport(ctx, sessionID, intent.Slots["task_id"])
	default:
		return o.Brainstorm(ctx, sessionID, raw)
	}
}

// acquirePipeline enforces the concurrent-pipeline ceiling.
func (o *Orchestrator) acquirePipeline(ctx context.Context) (func(), error) {
	select {
	case o.pipelines <- struct{}{}:
		return func() { <-o.pipelines }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateTest runs the full pipeline: Scribe → Critic → Runner → Medic →
// Gemini, with the rewrite, fix, and validation loops bounded as each
// worker contract demands.
func (o *Orchestrator) CreateTest(ctx context.Context, sessionID, feature string, critical bool) (Outcome, error) {
	release, err := o.acquirePipeline(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	deadline := o.cfg.Workers.PipelineDeadline
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := o.clk.Now()
	if _, err := o.sessions.GetOrCreate(ctx, sessionID); err != nil {
		o.logger.Warn("session unavailable, continuing unbudgeted", "error", err)
	}
	task, err := o.tasks.Create(ctx, sessionID, feature)
	if err != nil {
		return Outcome{}, fmt.Errorf("create task: %w", err)
	}
	o.emit("task_queued", map[string]any{"task_id": task.TaskID, "feature": feature})
	if err := o.tasks.Transition(ctx, task.TaskID, StatusQueued, StatusInProgress); err != nil {
		return Outcome{}, err
	}

	description := feature
	var testPath string

	// Generation and review loop: the initial write plus up to three
	// rewrites driven by Critic feedback.
	approved := false
	for attempt := 0; attempt <= maxCriticRewrites; attempt++ {
		d := o.router.Decide("write_test", description, "", 0)
		res, berr := o.invoke(ctx, worker.NameScribe, d, task, "", map[string]any{
			"description": description,
			"feature":     feature,
		})
		if berr != nil {
			return o.terminate(ctx, task, StatusBudgetExceeded, berr.Error(), start), nil
		}
		if !res.OK {
			return o.terminate(ctx, task, StatusFailed, res.Error, start), nil
		}
		testPath, _ = res.Data["test_path"].(string)
		o.tasks.AddArtifact(ctx, task.TaskID, testPath)

		d2 := o.router.Decide("pre_validate", description, testPath, 0)
		review, berr := o.invoke(ctx, worker.NameCritic, d2, task, testPath, map[string]any{
			"test_path":    testPath,
			"max_cost_usd": d2.MaxCostUSD,
			"critical":     critical,
		})
		if berr != nil {
			return o.terminate(ctx, task, StatusBudgetExceeded, berr.Error(), start), nil
		}
		if !review.OK {
			return o.terminate(ctx, task, StatusFailed, review.Error, start), nil
		}
		decision, _ := review.Data["decision"].(string)
		o.record(ctx, metrics.MetricCriticDecision, metrics.DimensionGlobal, decision)
		if decision == "approved" {
			approved = true
			break
		}
		if attempt == maxCriticRewrites {
			break
		}
		issues := issueList(review.Data["issues"])
		description = fmt.Sprintf("%s\nThe previous test was rejected in review. Fix these issues:\n- %s",
			feature, strings.Join(issues, "\n- "))
	}
	if !approved {
		return o.terminate(ctx, task, StatusFailed, "critic_rejected_max_retries", start), nil
	}

	// Execution, repair, and validation loop.
	medicCalls := 0
	validationRetried := false
	for {
		d3 := o.router.Decide("execute_test", description, testPath, 0)
		run, berr := o.invoke(ctx, worker.NameRunner, d3, task, testPath, map[string]any{"test_path": testPath})
		if berr != nil {
			return o.terminate(ctx, task, StatusBudgetExceeded, berr.Error(), start), nil
		}
		status, _ := run.Data["status"].(string)
		if !run.OK || status == "error" || status == "timeout" {
			return o.terminate(ctx, task, StatusFailed, firstFailureMessage(run, "test run failed"), start), nil
		}

		if status == "fail" {
			if medicCalls >= maxMedicInvocations {
				return o.escalate(ctx, task, hitl.ReasonMaxRetries, medicCalls, run, start), nil
			}
			medicCalls++
			fixed, outcome, berr := o.repair(ctx, task, description, testPath, firstFailureMessage(run, "test failed"), start)
			if berr != nil {
				return o.terminate(ctx, task, StatusBudgetExceeded, berr.Error(), start), nil
			}
			if !fixed {
				return outcome, nil
			}
			continue
		}

		// Runner passed: validate through the browser.
		d5 := o.router.Decide("validate", description, testPath, 0)
		validation, berr := o.invoke(ctx, worker.NameGemini, d5, task, testPath, map[string]any{
			"test_path":   testPath,
			"ai_analysis": critical,
		})
		if berr != nil {
			return o.terminate(ctx, task, StatusBudgetExceeded, berr.Error(), start), nil
		}
		if !validation.OK {
			return o.terminate(ctx, task, StatusFailed, validation.Error, start), nil
		}
		rec, _ := validation.Data["record"].(worker.ValidatorRecord)
		pass, reasons := worker.IsPass(rec)
		o.record(ctx, metrics.MetricValidation, metrics.DimensionGlobal, passFail(pass))
		o.emit("validation_complete", map[string]any{
			"task_id": task.TaskID,
			"passed":  pass,
			"reasons": reasons,
		})
		for _, shot := range rec.Screenshots {
			o.tasks.AddArtifact(ctx, task.TaskID, shot)
		}

		if !pass {
			if validationRetried || medicCalls >= maxMedicInvocations {
				return o.terminate(ctx, task, StatusFailed,
					"validation failed: "+strings.Join(reasons, ", "), start), nil
			}
			validationRetried = true
			medicCalls++
			fixed, outcome, berr := o.repair(ctx, task, description, testPath,
				"validation rubric failed: "+strings.Join(reasons, ", "), start)
			if berr != nil {
				return o.terminate(ctx, task, StatusBudgetExceeded, berr.Error(), start), nil
			}
			if !fixed {
				return outcome, nil
			}
			continue
		}

		return o.succeed(ctx, task, feature, testPath, medicCalls, start), nil
	}
}

// repair runs one Medic invocation. Returns fixed=true when the patch
// landed and the run/validate loop should continue.
func (o *Orchestrator) repair(ctx context.Context, task Task, description, testPath, failure string, start time.Time) (bool, Outcome, error) {
	o.tasks.IncrementAttempts(ctx, task.TaskID)
	d := o.router.Decide("fix_bug", description, testPath, 0)
	res, berr := o.invoke(ctx, worker.NameMedic, d, task, testPath, map[string]any{
		"test_path": testPath,
		"failure":   failure,
		"feature":   task.Feature,
	})
	if berr != nil {
		return false, Outcome{}, berr
	}
	if !res.OK {
		return false, o.terminate(ctx, task, StatusFailed, res.Error, start), nil
	}
	outcome, _ := res.Data["outcome"].(string)
	if outcome == "fix_applied" {
		o.storeFix(ctx, task, testPath, res)
		return true, Outcome{}, nil
	}
	reason, _ := res.Data["reason"].(string)
	return false, o.escalateMedic(ctx, task, reason, res, start), nil
}

// IterativeFix is the bounded fix loop over a suite or directory.
func (o *Orchestrator) IterativeFix(ctx context.Context, sessionID, path string) (Outcome, error) {
	release, err := o.acquirePipeline(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	if path == "" {
		path = o.cfg.System.TestsDir
	}
	start := o.clk.Now()
	task, err := o.tasks.Create(ctx, sessionID, path)
	if err != nil {
		return Outcome{}, fmt.Errorf("create task: %w", err)
	}
	o.emit("task_queued", map[string]any{"task_id": task.TaskID, "path": path})
	if err := o.tasks.Transition(ctx, task.TaskID, StatusQueued, StatusInProgress); err != nil {
		return Outcome{}, err
	}

	var summaries []IterationSummary
	for i := 1; i <= maxFixIterations; i++ {
		d := o.router.Decide("execute_test", path, path, 0)
		run, berr := o.invoke(ctx, worker.NameRunner, d, task, path, map[string]any{
			"test_path": path,
			"fast_fail": true,
			"timeout_s": iterativeFixTimeoutS,
		})
		if berr != nil {
			out := o.terminate(ctx, task, StatusBudgetExceeded, berr.Error(), start)
			out.Iterations = summaries
			return out, nil
		}
		status, _ := run.Data["status"].(string)
		failed := intFromAny(run.Data["failed_count"])

		if run.OK && status == "pass" {
			summaries = append(summaries, IterationSummary{Iteration: i, FailedCount: 0, Outcome: "pass"})
			out := o.terminate(ctx, task, StatusSucceeded, "", start)
			out.Iterations = summaries
			return out, nil
		}
		if !run.OK || status == "error" {
			summaries = append(summaries, IterationSummary{
				Iteration: i, FailedCount: failed, Outcome: "error",
				Detail: firstFailureMessage(run, run.Error),
			})
			out := o.terminate(ctx, task, StatusFailed, firstFailureMessage(run, run.Error), start)
			out.Iterations = summaries
			return out, nil
		}

		failure := firstFailureMessage(run, "test failed")
		d4 := o.router.Decide("fix_bug", failure, path, 0)
		// Each iteration gets its own attempt scope so the Medic's
		// per-scope retry ceiling never cuts the loop short of the
		// iteration cap.
		fix, berr := o.invoke(ctx, worker.NameMedic, d4, task, path, map[string]any{
			"test_path":     path,
			"failure":       failure,
			"feature":       task.Feature,
			"attempt_scope": fmt.Sprintf("%s:iter%d", task.TaskID, i),
		})
		if berr != nil {
			out := o.terminate(ctx, task, StatusBudgetExceeded, berr.Error(), start)
			out.Iterations = summaries
			return out, nil
		}
		o.tasks.IncrementAttempts(ctx, task.TaskID)

		detail := failure
		outcome := "fix_applied"
		if !fix.OK {
			outcome = "fix_failed"
			detail = fix.Error
		} else if v, _ := fix.Data["outcome"].(string); v == "escalated_to_hitl" {
			outcome = "escalated"
			summaries = append(summaries, IterationSummary{Iteration: i, FailedCount: failed, Outcome: outcome, Detail: detail})
			reason, _ := fix.Data["reason"].(string)
			out := o.escalateMedic(ctx, task, reason, fix, start)
			out.Iterations = summaries
			return out, nil
		}
		if outcome == "fix_applied" {
			o.storeFix(ctx, task, path, fix)
		}
		summaries = append(summaries, IterationSummary{Iteration: i, FailedCount: failed, Outcome: outcome, Detail: detail})
	}

	o.tasks.RecordError(ctx, task.TaskID, "max iterations reached")
	out := o.terminate(ctx, task, StatusFailed, "max iterations reached", start)
	out.Status = StatusMaxIterations
	out.Iterations = summaries
	return out, nil
}

// RunOnce executes a suite once with no repair.
func (o *Orchestrator) RunOnce(ctx context.Context, sessionID, path string) (Outcome, error) {
	release, err := o.acquirePipeline(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	if path == "" {
		path = o.cfg.System.TestsDir
	}
	start := o.clk.Now()
	task, err := o.tasks.Create(ctx, sessionID, path)
	if err != nil {
		return Outcome{}, fmt.Errorf("create task: %w", err)
	}
	if err := o.tasks.Transition(ctx, task.TaskID, StatusQueued, StatusInProgress); err != nil {
		return Outcome{}, err
	}

	d := o.router.Decide("execute_test", path, path, 0)
	run, berr := o.invoke(ctx, worker.NameRunner, d, task, path, map[string]any{"test_path": path})
	if berr != nil {
		return o.terminate(ctx, task, StatusBudgetExceeded, berr.Error(), start), nil
	}
	status, _ := run.Data["status"].(string)
	if !run.OK || status != "pass" {
		out := o.terminate(ctx, task, StatusFailed, firstFailureMessage(run, run.Error), start)
		out.Data = run.Data
		return out, nil
	}
	out := o.terminate(ctx, task, StatusSucceeded, "", start)
	out.Data = run.Data
	return out, nil
}

// ReviewOnce runs the Critic against an existing test file with no
// rewrite loop.
func (o *Orchestrator) ReviewOnce(ctx context.Context, sessionID, path string) (Outcome, error) {
	release, err := o.acquirePipeline(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	start := o.clk.Now()
	task, err := o.tasks.Create(ctx, sessionID, path)
	if err != nil {
		return Outcome{}, fmt.Errorf("create task: %w", err)
	}
	if err := o.tasks.Transition(ctx, task.TaskID, StatusQueued, StatusInProgress); err != nil {
		return Outcome{}, err
	}

	d := o.router.Decide("pre_validate", path, path, 0)
	res, berr := o.invoke(ctx, worker.NameCritic, d, task, path, map[string]any{"test_path": path})
	if berr != nil {
		return o.terminate(ctx, task, StatusBudgetExceeded, berr.Error(), start), nil
	}
	if !res.OK {
		return o.terminate(ctx, task, StatusFailed, res.Error, start), nil
	}
	decision, _ := res.Data["decision"].(string)
	o.record(ctx, metrics.MetricCriticDecision, metrics.DimensionGlobal, decision)
	if decision != "approved" {
		out := o.terminate(ctx, task, StatusFailed, "rejected: "+strings.Join(issueList(res.Data["issues"]), ", "), start)
		out.Data = res.Data
		return out, nil
	}
	out := o.terminate(ctx, task, StatusSucceeded, "", start)
	out.Data = res.Data
	return out, nil
}

// Validate runs the browser validator against a feature or path.
func (o *Orchestrator) Validate(ctx context.Context, sessionID, feature string, critical bool) (Outcome, error) {
	release, err := o.acquirePipeline(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	start := o.clk.Now()
	task, err := o.tasks.Create(ctx, sessionID, feature)
	if err != nil {
		return Outcome{}, fmt.Errorf("create task: %w", err)
	}
	if err := o.tasks.Transition(ctx, task.TaskID, StatusQueued, StatusInProgress); err != nil {
		return Outcome{}, err
	}

	// The feature doubles as the routing path so critical-path cost
	// overrides can match on it.
	d := o.router.Decide("validate", feature, feature, 0)
	res, berr := o.invoke(ctx, worker.NameGemini, d, task, feature, map[string]any{
		"test_path":   feature,
		"ai_analysis": critical,
	})
	if berr != nil {
		return o.terminate(ctx, task, StatusBudgetExceeded, berr.Error(), start), nil
	}
	if !res.OK {
		return o.terminate(ctx, task, StatusFailed, res.Error, start), nil
	}
	rec, _ := res.Data["record"].(worker.ValidatorRecord)
	pass, reasons := worker.IsPass(rec)
	o.record(ctx, metrics.MetricValidation, metrics.DimensionGlobal, passFail(pass))
	o.emit("validation_complete", map[string]any{"task_id": task.TaskID, "passed": pass, "reasons": reasons})

	if !pass {
		out := o.terminate(ctx, task, StatusFailed, "validation failed: "+strings.Join(reasons, ", "), start)
		out.Data = res.Data
		return out, nil
	}
	out := o.terminate(ctx, task, StatusSucceeded, "", start)
	out.Data = res.Data
	return out, nil
}

// StatusReport summarizes the session and, when named, one task.
func (o *Orchestrator) StatusReport(ctx context.Context, sessionID, taskID string) (Outcome, error) {
	used, _, _ := o.sessions.CostUsed(ctx, sessionID)
	sess, err := o.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	data := map[string]any{
		"session_id":   sessionID,
		"cost_used":    used,
		"cost_cap_usd": sess.CostCapUSD,
		"active_tasks": o.activeTasks(ctx),
	}
	if o.hitlQ != nil {
		if stats, err := o.hitlQ.Stats(ctx); err == nil {
			data["hitl_queue_depth"] = stats.QueueDepth
		}
	}
	if o.breakers != nil {
		data["circuit_breakers"] = o.breakers.States()
	}
	if taskID != "" {
		if task, ok, err := o.tasks.Get(ctx, taskID); err == nil && ok {
			data["task"] = task
		} else {
			data["task_not_found"] = taskID
		}
	}
	return Outcome{Status: "ok", Data: data}, nil
}

// statusReportTaskScan bounds how far back in the task queue the status
// report looks for live tasks.
const statusReportTaskScan = 50

// activeTasks lists the recent non-terminal tasks from the queue.
func (o *Orchestrator) activeTasks(ctx context.Context) []map[string]any {
	ids, err := o.hot.ListRange(ctx, hotstore.TaskQueueKey)
	if err != nil {
		return nil
	}
	if len(ids) > statusReportTaskScan {
		ids = ids[len(ids)-statusReportTaskScan:]
	}
	active := []map[string]any{}
	for _, id := range ids {
		task, ok, err := o.tasks.Get(ctx, id)
		if err != nil || !ok || isTerminalStatus(task.Status) {
			continue
		}
		active = append(active, map[string]any{
			"task_id": task.TaskID,
			"feature": task.Feature,
			"status":  task.Status,
		})
	}
	return active
}

func isTerminalStatus(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusEscalated, StatusBudgetExceeded:
		return true
	}
	return false
}

// Brainstorm answers free text through the cheap model.
func (o *Orchestrator) Brainstorm(ctx context.Context, sessionID, raw string) (Outcome, error) {
	model := o.cfg.Routing.CheapModel
	resp, err := o.llm.Complete(ctx, llm.Request{
		Model:  model,
		System: "You are Kaya, a terse engineering copilot for browser test automation.",
		Prompt: raw,
	})
	if err != nil {
		return Outcome{Status: StatusFailed, Message: err.Error()}, nil
	}
	if _, err := o.sessions.AddCost(ctx, sessionID, resp.CostUSD); err != nil {
		o.logger.Warn("session cost write failed", "error", err)
	}
	o.logCost(sessionID, "", "orchestrator", model, resp)
	return Outcome{Status: "ok", Message: resp.Text, CostUSD: resp.CostUSD}, nil
}

// invoke gates one worker call on the session budget, runs it, and
// charges every cost sink. The error return is budget exhaustion only.
// A cost override matching path replaces the session cap for this
// spawn, so critical paths can burn past the default ceiling.
func (o *Orchestrator) invoke(ctx context.Context, name string, d router.Decision, task Task, path string, payload map[string]any) (worker.Result, error) {
	capOverride := 0.0
	if cap, ok := o.router.CostCapFor(path); ok {
		capOverride = cap
	}
	next := o.cfg.Budget.DefaultFeatureCost
	if next <= 0 || next > d.MaxCostUSD {
		next = d.MaxCostUSD
	}
	if err := o.sessions.CheckBudget(ctx, task.SessionID, next, capOverride); err != nil {
		var be *ErrBudgetExceeded
		if errors.As(err, &be) {
			return worker.Result{}, err
		}
		o.logger.Warn("budget check failed open", "error", err)
	}

	req := worker.Request{
		TaskID:    task.TaskID,
		SessionID: task.SessionID,
		Kind:      name,
		Model:     d.Model,
		Payload:   payload,
		BudgetUSD: d.MaxCostUSD,
		Deadline:  o.cfg.Workers.Deadline(name, defaultDeadline(name)),
	}
	res := o.invoker.Invoke(ctx, name, req)
	if cheap, ok := o.cheaperModelFallback(name, req, res); ok {
		o.emit("retry_attempted", map[string]any{
			"task_id":    task.TaskID,
			"worker":     name,
			"fallback":   string(resilience.FallbackSwitchCheaperModel),
			"from_model": req.Model,
			"to_model":   cheap,
		})
		spent := res.CostUSD
		req.Model = cheap
		res = o.invoker.Invoke(ctx, name, req)
		res.CostUSD += spent
	}

	if res.CostUSD > 0 {
		if _, err := o.sessions.AddCost(ctx, task.SessionID, res.CostUSD); err != nil {
			o.logger.Warn("session cost write failed", "error", err)
		}
		o.tasks.AddCost(ctx, task.TaskID, res.CostUSD)
	}
	if o.costs != nil {
		o.costs.Record(ledger.CostEntry{
			SessionID: task.SessionID,
			TaskID:    task.TaskID,
			Worker:    name,
			Model:     d.Model,
			CostUSD:   res.CostUSD,
		})
	}
	o.record(ctx, metrics.MetricAgentDuration, name,
		fmt.Sprintf("%d", res.DurationMS), fmt.Sprintf("%g", res.CostUSD))
	if d.Model != "" {
		o.record(ctx, metrics.MetricModelUsage, metrics.DimensionGlobal,
			d.Model, fmt.Sprintf("%d", res.DurationMS), fmt.Sprintf("%g", res.CostUSD))
	}
	if !res.OK {
		o.emit("error_occurred", map[string]any{
			"task_id":  task.TaskID,
			"worker":   name,
			"category": string(res.Category),
			"error":    res.Error,
		})
	}
	return res, nil
}

// workerFallbacks selects each model-backed worker's recovery once its
// retries are spent. The remaining strategies live inside the workers
// themselves: Gemini marks unvalidated, Scribe skips RAG, Medic
// escalates to HITL.
var workerFallbacks = map[string]resilience.FallbackStrategy{
	worker.NameScribe: resilience.FallbackSwitchCheaperModel,
	worker.NameMedic:  resilience.FallbackSwitchCheaperModel,
}

// cheaperModelFallback reports whether a failed call should be retried
// once on the cheap tier, and with which model.
func (o *Orchestrator) cheaperModelFallback(name string, req worker.Request, res worker.Result) (string, bool) {
	if res.OK || !res.Category.Retryable() {
		return "", false
	}
	if workerFallbacks[name] != resilience.FallbackSwitchCheaperModel {
		return "", false
	}
	cheap := o.cfg.Routing.CheapModel
	if cheap == "" || req.Model == "" || req.Model == cheap {
		return "", false
	}
	return cheap, true
}

func (o *Orchestrator) succeed(ctx context.Context, task Task, feature, testPath string, medicCalls int, start time.Time) Outcome {
	o.storePattern(ctx, task, feature, testPath)
	out := o.terminate(ctx, task, StatusSucceeded, "", start)
	o.record(ctx, metrics.MetricFeatureCompletion, metrics.DimensionGlobal,
		feature, fmt.Sprintf("%g", out.CostUSD), fmt.Sprintf("%d", medicCalls), fmt.Sprintf("%d", out.DurationMS))
	return out
}

// storePattern archives the finished test for future RAG retrieval.
func (o *Orchestrator) storePattern(ctx context.Context, task Task, feature, testPath string) {
	if o.cold == nil || testPath == "" {
		return
	}
	source, err := os.ReadFile(testPath)
	if err != nil {
		o.logger.Warn("pattern writeback skipped", "path", testPath, "error", err)
		return
	}
	err = o.cold.Save(ctx, coldstore.CollectionTestSuccess, task.TaskID, string(source), map[string]string{
		"feature":   feature,
		"path":      testPath,
		"validated": "true",
	})
	if err != nil && !errors.Is(err, coldstore.ErrDuplicate) {
		o.logger.Warn("pattern writeback failed", "error", err)
	}
}

// storeFix archives an applied repair so future diagnoses can retrieve
// it. Best effort, like the pattern writeback.
func (o *Orchestrator) storeFix(ctx context.Context, task Task, testPath string, res worker.Result) {
	if o.cold == nil {
		return
	}
	diagnosis, _ := res.Data["diagnosis"].(string)
	confidence, _ := res.Data["confidence"].(float64)
	text := diagnosis
	// The freshest history entry carries the diff excerpt.
	if items, err := o.hot.ListRange(ctx, hotstore.MedicHistoryKey(task.TaskID)); err == nil && len(items) > 0 {
		text = items[len(items)-1]
	}
	if text == "" {
		return
	}
	id := fmt.Sprintf("%s-fix-%d", task.TaskID, intFromAny(res.Data["attempts"]))
	err := o.cold.Save(ctx, coldstore.CollectionBugFixes, id, text, map[string]string{
		"feature":    task.Feature,
		"path":       testPath,
		"diagnosis":  diagnosis,
		"confidence": fmt.Sprintf("%g", confidence),
	})
	if err != nil && !errors.Is(err, coldstore.ErrDuplicate) {
		o.logger.Warn("fix writeback failed", "error", err)
	}
}

// escalateMedic turns a Medic escalation result into an HITL entry and
// a terminal escalated status.
func (o *Orchestrator) escalateMedic(ctx context.Context, task Task, reason string, res worker.Result, start time.Time) Outcome {
	if fresh, ok, err := o.tasks.Get(ctx, task.TaskID); err == nil && ok {
		task = fresh
	}
	attempts := intFromAny(res.Data["attempts"])
	diagnosis, _ := res.Data["diagnosis"].(string)
	confidence, _ := res.Data["confidence"].(float64)

	severity := hitl.SeverityMedium
	if reason == hitl.ReasonRegression {
		severity = hitl.SeverityHigh
	}
	var history []string
	if items, err := o.hot.ListRange(ctx, hotstore.MedicHistoryKey(task.TaskID)); err == nil {
		history = items
	}

	entry := hitl.Task{
		TaskID:         task.TaskID,
		Feature:        task.Feature,
		CodePath:       firstArtifact(task),
		Attempts:       attempts,
		LastError:      task.LastError,
		Severity:       severity,
		Reason:         reason,
		AttemptHistory: history,
		AIDiagnosis:    diagnosis,
		AIConfidence:   confidence,
	}
	priority := hitl.PriorityFor(severity, attempts)
	if o.hitlQ != nil {
		if err := o.hitlQ.Enqueue(ctx, entry); err != nil {
			o.logger.Error("hitl enqueue failed", "task_id", task.TaskID, "error", err)
		}
	}

	out := o.terminate(ctx, task, StatusEscalated, reason, start)
	out.HITLTaskID = task.TaskID
	out.HITLPriority = priority
	return out
}

// escalate handles the orchestrator-side medic budget running out.
func (o *Orchestrator) escalate(ctx context.Context, task Task, reason string, attempts int, run worker.Result, start time.Time) Outcome {
	res := worker.Result{Data: map[string]any{
		"attempts":  attempts,
		"diagnosis": firstFailureMessage(run, ""),
	}}
	return o.escalateMedic(ctx, task, reason, res, start)
}

// terminate moves the task to a terminal status and builds the outcome.
func (o *Orchestrator) terminate(ctx context.Context, task Task, status, message string, start time.Time) Outcome {
	if message != "" {
		o.tasks.RecordError(ctx, task.TaskID, message)
	}
	current, _, err := o.tasks.Status(ctx, task.TaskID)
	if err == nil && current != status {
		if terr := o.tasks.Transition(ctx, task.TaskID, current, status); terr != nil {
			o.logger.Warn("terminal transition failed", "task_id", task.TaskID, "status", status, "error", terr)
		}
	}

	final, ok, _ := o.tasks.Get(ctx, task.TaskID)
	if !ok {
		final = task
	}
	return Outcome{
		Status:     status,
		TaskID:     task.TaskID,
		Message:    message,
		CostUSD:    final.TotalCostUSD,
		DurationMS: o.clk.Now().Sub(start).Milliseconds(),
		Artifacts:  final.ArtifactPaths,
	}
}

func (o *Orchestrator) logCost(sessionID, taskID, workerName, model string, resp llm.Response) {
	if o.costs == nil {
		return
	}
	o.costs.Record(ledger.CostEntry{
		SessionID:    sessionID,
		TaskID:       taskID,
		Worker:       workerName,
		Model:        model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      resp.CostUSD,
	})
}

func (o *Orchestrator) emit(eventType string, payload map[string]any) {
	if o.emitter != nil {
		o.emitter.Emit(eventType, payload)
	}
}

func (o *Orchestrator) record(ctx context.Context, metric, dimension string, fields ...string) {
	if o.agg != nil {
		o.agg.Record(ctx, metric, dimension, fields...)
	}
}

func defaultDeadline(name string) time.Duration {
	switch name {
	case worker.NameScribe:
		return 30 * time.Second
	case worker.NameCritic:
		return 10 * time.Second
	case worker.NameRunner:
		return 180 * time.Second
	case worker.NameMedic:
		return 120 * time.Second
	case worker.NameGemini:
		return 60 * time.Second
	}
	return time.Minute
}

func firstFailureMessage(res worker.Result, fallback string) string {
	if failures, ok := res.Data["failures"].([]worker.FailureRecord); ok && len(failures) > 0 {
		return failures[0].Message
	}
	if res.Error != "" {
		return res.Error
	}
	return fallback
}

func firstArtifact(task Task) string {
	if len(task.ArtifactPaths) > 0 {
		return task.ArtifactPaths[0]
	}
	return ""
}

func issueList(v any) []string {
	switch issues := v.(type) {
	case []string:
		return issues
	case []any:
		out := make([]string, 0, len(issues))
		for _, i := range issues {
			if s, ok := i.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func passFail(pass bool) string {
	if pass {
		return "pass"
	}
	return "fail"
}
