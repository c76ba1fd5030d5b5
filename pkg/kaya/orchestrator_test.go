package kaya

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaya-dev/kaya/pkg/clock"
	"github.com/kaya-dev/kaya/pkg/coldstore"
	"github.com/kaya-dev/kaya/pkg/config"
	"github.com/kaya-dev/kaya/pkg/hitl"
	"github.com/kaya-dev/kaya/pkg/hotstore"
	"github.com/kaya-dev/kaya/pkg/llm"
	"github.com/kaya-dev/kaya/pkg/resilience"
	"github.com/kaya-dev/kaya/pkg/router"
	"github.com/kaya-dev/kaya/pkg/worker"
)

type invocation struct {
	Name string
	Req  worker.Request
}

// fakeInvoker replays scripted results per worker name, FIFO.
type fakeInvoker struct {
	mu      sync.Mutex
	scripts map[string][]worker.Result
	calls   []invocation
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{scripts: map[string][]worker.Result{}}
}

func (f *fakeInvoker) script(name string, results ...worker.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[name] = append(f.scripts[name], results...)
}

func (f *fakeInvoker) Invoke(_ context.Context, name string, req worker.Request) worker.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invocation{Name: name, Req: req})
	queue := f.scripts[name]
	if len(queue) == 0 {
		return worker.Result{OK: true, Data: map[string]any{}}
	}
	res := queue[0]
	f.scripts[name] = queue[1:]
	return res
}

// medicBackedInvoker runs Medic calls through a real Medic instance and
// scripts everything else.
type medicBackedInvoker struct {
	*fakeInvoker
	medic *worker.Medic
	clk   clock.Clock
}

func (m *medicBackedInvoker) Invoke(ctx context.Context, name string, req worker.Request) worker.Result {
	if name == worker.NameMedic {
		return worker.Run(ctx, m.medic, req, m.clk, nil)
	}
	return m.fakeInvoker.Invoke(ctx, name, req)
}

func (f *fakeInvoker) callsTo(name string) []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []invocation
	for _, c := range f.calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

type fakeLLM struct {
	mu      sync.Mutex
	resp    llm.Response
	err     error
	prompts []string
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req.Prompt)
	return f.resp, f.err
}

// staticBreakers is a canned States() snapshot for the status report.
type staticBreakers map[string]string

func (s staticBreakers) States() map[string]string { return s }

type orchFixture struct {
	orch    *Orchestrator
	inv     *fakeInvoker
	emitter *captureEmitter
	hot     hotstore.Store
	cold    *coldstore.Memory
	hitl    *hitl.Queue
	llm     *fakeLLM
	cfg     *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *orchFixture {
	t.Helper()
	clk := clock.Fixed{T: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	cfg := &config.Config{
		System:  config.SystemConfig{TestsDir: t.TempDir()},
		Budget:  config.BudgetConfig{SessionCapUSD: 5.00, DefaultFeatureCost: 0.50},
		Routing: config.RoutingConfig{CheapModel: "claude-haiku", ExpensiveModel: "claude-sonnet"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	hot := hotstore.NewMemory(clk)
	cold := coldstore.NewMemory(coldstore.LocalEmbedder{})
	emitter := &captureEmitter{}
	inv := newFakeInvoker()
	model := &fakeLLM{resp: llm.Response{Text: "try data-testid selectors", CostUSD: 0.002}}
	queue := hitl.NewQueue(hot, cold, clk, emitter, nil)

	orch := New(Deps{
		Config:   cfg,
		Clock:    clk,
		Emitter:  emitter,
		Hot:      hot,
		Cold:     cold,
		Router:   router.New(cfg.Routing, cfg.Budget, nil),
		Invoker:  inv,
		HITL:     queue,
		LLM:      model,
		Breakers: staticBreakers{"anthropic": "closed"},
	})
	return &orchFixture{orch: orch, inv: inv, emitter: emitter, hot: hot, cold: cold, hitl: queue, llm: model, cfg: cfg}
}

func (f *orchFixture) scribeWrites(t *testing.T, name string) worker.Result {
	t.Helper()
	path := filepath.Join(f.cfg.System.TestsDir, name)
	require.NoError(t, os.WriteFile(path, []byte("test('flow', async ({ page }) => {});\n"), 0o644))
	return worker.Result{OK: true, CostUSD: 0.02, Data: map[string]any{"test_path": path, "retries_used": 0}}
}

func criticApproved() worker.Result {
	return worker.Result{OK: true, Data: map[string]any{"decision": "approved"}}
}

func criticRejected(issues ...string) worker.Result {
	return worker.Result{OK: true, Data: map[string]any{"decision": "rejected", "issues": issues}}
}

func runnerPass() worker.Result {
	return worker.Result{OK: true, Data: map[string]any{"status": "pass", "passed_count": 1, "failed_count": 0}}
}

func runnerFail(message string) worker.Result {
	return worker.Result{OK: true, Data: map[string]any{
		"status":       "fail",
		"failed_count": 1,
		"failures":     []worker.FailureRecord{{Message: message}},
	}}
}

func medicFixed() worker.Result {
	return worker.Result{OK: true, CostUSD: 0.05, Data: map[string]any{"outcome": "fix_applied", "attempts": 1}}
}

func medicFixedDiagnosed() worker.Result {
	res := medicFixed()
	res.Data["diagnosis"] = "selector drifted after redesign"
	res.Data["confidence"] = 0.9
	return res
}

func medicEscalated(reason string) worker.Result {
	return worker.Result{OK: true, Data: map[string]any{
		"outcome":    "escalated_to_hitl",
		"reason":     reason,
		"attempts":   4,
		"diagnosis":  "selector drifted after redesign",
		"confidence": 0.85,
	}}
}

func geminiRecord(pass bool) worker.Result {
	return worker.Result{OK: true, Data: map[string]any{"record": worker.ValidatorRecord{
		BrowserLaunched: true,
		TestExecuted:    true,
		TestPassed:      pass,
		Screenshots:     []string{"shot-1.png"},
		ExecutionTimeMS: 1200,
	}}}
}

func TestCreateTestHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.inv.script(worker.NameScribe, f.scribeWrites(t, "login.spec.ts"))
	f.inv.script(worker.NameCritic, criticApproved())
	f.inv.script(worker.NameRunner, runnerPass())
	f.inv.script(worker.NameGemini, geminiRecord(true))

	out, err := f.orch.CreateTest(ctx, "sess-1", "login flow", false)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.True(t, out.Succeeded())

	status, ok, err := f.orch.Tasks().Status(ctx, out.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, status)

	// Pattern archived for future retrieval.
	assert.Equal(t, 1, f.cold.Len(coldstore.CollectionTestSuccess))

	assert.Len(t, f.emitter.ofType("task_queued"), 1)
	assert.Len(t, f.emitter.ofType("validation_complete"), 1)
}

func TestCreateTestRewriteFeedsCriticIssuesBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.inv.script(worker.NameScribe,
		f.scribeWrites(t, "checkout.spec.ts"),
		f.scribeWrites(t, "checkout.spec.ts"))
	f.inv.script(worker.NameCritic,
		criticRejected("uses nth-child selector"),
		criticApproved())
	f.inv.script(worker.NameRunner, runnerPass())
	f.inv.script(worker.NameGemini, geminiRecord(true))

	out, err := f.orch.CreateTest(ctx, "sess-1", "checkout", false)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)

	scribeCalls := f.inv.callsTo(worker.NameScribe)
	require.Len(t, scribeCalls, 2)
	second := scribeCalls[1].Req.String("description")
	assert.Contains(t, second, "uses nth-child selector")
	assert.Contains(t, second, "checkout")
}

func TestCreateTestFailsAfterMaxRewrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.inv.script(worker.NameScribe,
		f.scribeWrites(t, "a.spec.ts"),
		f.scribeWrites(t, "a.spec.ts"),
		f.scribeWrites(t, "a.spec.ts"),
		f.scribeWrites(t, "a.spec.ts"))
	f.inv.script(worker.NameCritic,
		criticRejected("flaky wait"),
		criticRejected("flaky wait"),
		criticRejected("flaky wait"),
		criticRejected("flaky wait"))

	out, err := f.orch.CreateTest(ctx, "sess-1", "flaky feature", false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "critic_rejected_max_retries", out.Message)
	assert.Len(t, f.inv.callsTo(worker.NameScribe), 4)
	assert.Empty(t, f.inv.callsTo(worker.NameRunner))
}

func TestCreateTestMedicRepairsFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.inv.script(worker.NameScribe, f.scribeWrites(t, "cart.spec.ts"))
	f.inv.script(worker.NameCritic, criticApproved())
	f.inv.script(worker.NameRunner, runnerFail("element not found: #submit"), runnerPass())
	f.inv.script(worker.NameMedic, medicFixed())
	f.inv.script(worker.NameGemini, geminiRecord(true))

	out, err := f.orch.CreateTest(ctx, "sess-1", "cart", false)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)

	medicCalls := f.inv.callsTo(worker.NameMedic)
	require.Len(t, medicCalls, 1)
	assert.Equal(t, "element not found: #submit", medicCalls[0].Req.String("failure"))
	assert.Len(t, f.inv.callsTo(worker.NameRunner), 2)

	task, ok, err := f.orch.Tasks().Get(ctx, out.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, task.AttemptCount)
}

func TestCreateTestEscalatesToHITL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.inv.script(worker.NameScribe, f.scribeWrites(t, "login.spec.ts"))
	f.inv.script(worker.NameCritic, criticApproved())
	f.inv.script(worker.NameRunner, runnerFail("timeout waiting for #root"))
	f.inv.script(worker.NameMedic, medicEscalated(hitl.ReasonMaxRetries))

	out, err := f.orch.CreateTest(ctx, "sess-1", "login flow", false)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, out.Status)
	assert.Equal(t, out.TaskID, out.HITLTaskID)
	assert.Greater(t, out.HITLPriority, 0.0)

	queued, err := f.hitl.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, out.TaskID, queued[0].TaskID)
	assert.Equal(t, hitl.ReasonMaxRetries, queued[0].Reason)
	assert.Equal(t, "selector drifted after redesign", queued[0].AIDiagnosis)

	status, ok, err := f.orch.Tasks().Status(ctx, out.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusEscalated, status)
}

func TestCreateTestValidationFailureGetsOneRepair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.inv.script(worker.NameScribe, f.scribeWrites(t, "login.spec.ts"))
	f.inv.script(worker.NameCritic, criticApproved())
	f.inv.script(worker.NameRunner, runnerPass(), runnerPass())
	f.inv.script(worker.NameGemini, geminiRecord(false), geminiRecord(true))
	f.inv.script(worker.NameMedic, medicFixed())

	out, err := f.orch.CreateTest(ctx, "sess-1", "login flow", false)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Len(t, f.inv.callsTo(worker.NameGemini), 2)
	assert.Len(t, f.inv.callsTo(worker.NameMedic), 1)

	medicCalls := f.inv.callsTo(worker.NameMedic)
	assert.Contains(t, medicCalls[0].Req.String("failure"), "assertions_failed")
}

func TestCreateTestValidationFailsForGood(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.inv.script(worker.NameScribe, f.scribeWrites(t, "login.spec.ts"))
	f.inv.script(worker.NameCritic, criticApproved())
	f.inv.script(worker.NameRunner, runnerPass(), runnerPass())
	f.inv.script(worker.NameGemini, geminiRecord(false), geminiRecord(false))
	f.inv.script(worker.NameMedic, medicFixed())

	out, err := f.orch.CreateTest(ctx, "sess-1", "login flow", false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Message, "validation failed")
	// Nothing archived for a failed validation.
	assert.Zero(t, f.cold.Len(coldstore.CollectionTestSuccess))
}

func TestCreateTestBudgetExceededBeforeSpawn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.orch.Sessions().AddCost(ctx, "sess-1", 4.80)
	require.NoError(t, err)

	out, err := f.orch.CreateTest(ctx, "sess-1", "login flow", false)
	require.NoError(t, err)
	assert.Equal(t, StatusBudgetExceeded, out.Status)
	assert.Empty(t, f.inv.callsTo(worker.NameScribe))
	assert.Len(t, f.emitter.ofType("budget_exceeded"), 1)
}

func TestValidateCriticalPathOverridesBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Budget.SessionCapUSD = 1.00
		cfg.Routing.CostOverrides = []config.CostOverride{
			{PathGlob: "*payment*", MaxCostUSD: 3.00},
		}
	})
	_, err := f.orch.Sessions().AddCost(ctx, "sess-1", 0.80)
	require.NoError(t, err)

	// Off the critical path the session cap blocks the spawn.
	out, err := f.orch.Validate(ctx, "sess-1", "checkout", false)
	require.NoError(t, err)
	assert.Equal(t, StatusBudgetExceeded, out.Status)

	f.inv.script(worker.NameGemini, geminiRecord(true))
	out, err = f.orch.Validate(ctx, "sess-1", "payment flow", true)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)

	calls := f.inv.callsTo(worker.NameGemini)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Req.Bool("ai_analysis"))
	assert.InDelta(t, 3.00, calls[0].Req.BudgetUSD, 1e-9)
}

func TestIterativeFixConverges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.inv.script(worker.NameRunner,
		runnerFail("assert failed: cart total"),
		runnerFail("assert failed: cart total"),
		runnerPass())
	f.inv.script(worker.NameMedic, medicFixed(), medicFixed())

	out, err := f.orch.IterativeFix(ctx, "sess-1", "tests/cart")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)
	require.Len(t, out.Iterations, 3)
	assert.Equal(t, "fix_applied", out.Iterations[0].Outcome)
	assert.Equal(t, "pass", out.Iterations[2].Outcome)

	runs := f.inv.callsTo(worker.NameRunner)
	require.Len(t, runs, 3)
	assert.True(t, runs[0].Req.Bool("fast_fail"))
	assert.InDelta(t, 180, runs[0].Req.Float("timeout_s"), 1e-9)
}

func TestIterativeFixStopsAtMaxIterations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	for i := 0; i < maxFixIterations; i++ {
		f.inv.script(worker.NameRunner, runnerFail("still broken"))
		f.inv.script(worker.NameMedic, medicFixed())
	}

	out, err := f.orch.IterativeFix(ctx, "sess-1", "tests")
	require.NoError(t, err)
	assert.Equal(t, StatusMaxIterations, out.Status)
	assert.Len(t, out.Iterations, maxFixIterations)
	assert.Len(t, f.inv.callsTo(worker.NameMedic), maxFixIterations)
}

func TestIterativeFixSpendsFullIterationBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	clk := clock.Fixed{T: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}

	path := filepath.Join(f.cfg.System.TestsDir, "cart.spec.ts")
	require.NoError(t, os.WriteFile(path, []byte("test('cart', async () => {});\n"), 0o644))

	// A real Medic with its attempt counter in the fixture's hot store:
	// the loop must reach the iteration cap, never the Medic's own
	// retry ceiling.
	diagnosis := `{"diagnosis": "selector drift", "confidence": 0.9, "patched_code": "test('cart', async () => { await expect(page).toBeTruthy(); });"}`
	medic := worker.NewMedic(
		&fakeLLM{resp: llm.Response{Text: diagnosis, CostUSD: 0.01}},
		f.hot, clk,
		func(context.Context, string) (int, error) { return 1, nil },
		nil, nil)
	f.orch.invoker = &medicBackedInvoker{fakeInvoker: f.inv, medic: medic, clk: clk}

	for i := 0; i < maxFixIterations; i++ {
		f.inv.script(worker.NameRunner, runnerFail("still broken"))
	}

	out, err := f.orch.IterativeFix(ctx, "sess-1", path)
	require.NoError(t, err)
	assert.Equal(t, StatusMaxIterations, out.Status)
	require.Len(t, out.Iterations, maxFixIterations)
	for _, it := range out.Iterations {
		assert.Equal(t, "fix_applied", it.Outcome, "iteration %d", it.Iteration)
	}

	// Attempt history holds one entry per iteration.
	history, err := f.hot.ListRange(ctx, hotstore.MedicHistoryKey(out.TaskID))
	require.NoError(t, err)
	assert.Len(t, history, maxFixIterations)
}

func TestIterativeFixEscalationStopsLoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.inv.script(worker.NameRunner, runnerFail("broken"))
	f.inv.script(worker.NameMedic, medicEscalated(hitl.ReasonRegression))

	out, err := f.orch.IterativeFix(ctx, "sess-1", "tests")
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, out.Status)
	require.Len(t, out.Iterations, 1)
	assert.Equal(t, "escalated", out.Iterations[0].Outcome)

	queued, err := f.hitl.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, hitl.SeverityHigh, queued[0].Severity)
}

func TestScribeFallsBackToCheaperModel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Routing.Rules = []config.RoutingRule{
			{TaskType: "write_test", Complexity: "any", Worker: "scribe", Model: "claude-sonnet"},
		}
	})
	f.inv.script(worker.NameScribe,
		worker.Failf(resilience.CategoryRateLimit, "429 too many requests"),
		f.scribeWrites(t, "login.spec.ts"))
	f.inv.script(worker.NameCritic, criticApproved())
	f.inv.script(worker.NameRunner, runnerPass())
	f.inv.script(worker.NameGemini, geminiRecord(true))

	out, err := f.orch.CreateTest(ctx, "sess-1", "login flow", false)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)

	// The failed expensive call is retried once on the cheap tier.
	calls := f.inv.callsTo(worker.NameScribe)
	require.Len(t, calls, 2)
	assert.Equal(t, "claude-sonnet", calls[0].Req.Model)
	assert.Equal(t, "claude-haiku", calls[1].Req.Model)

	events := f.emitter.ofType("retry_attempted")
	require.Len(t, events, 1)
	assert.Equal(t, "switch_cheaper_model", events[0].Payload["fallback"])
}

func TestScribeNoFallbackOnPermanentFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Routing.Rules = []config.RoutingRule{
			{TaskType: "write_test", Complexity: "any", Worker: "scribe", Model: "claude-sonnet"},
		}
	})
	f.inv.script(worker.NameScribe, worker.Failf(resilience.CategoryAuth, "401 unauthorized"))

	out, err := f.orch.CreateTest(ctx, "sess-1", "login flow", false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Len(t, f.inv.callsTo(worker.NameScribe), 1)
}

func TestCreateTestArchivesAppliedFix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.inv.script(worker.NameScribe, f.scribeWrites(t, "cart.spec.ts"))
	f.inv.script(worker.NameCritic, criticApproved())
	f.inv.script(worker.NameRunner, runnerFail("element not found"), runnerPass())
	f.inv.script(worker.NameMedic, medicFixedDiagnosed())
	f.inv.script(worker.NameGemini, geminiRecord(true))

	out, err := f.orch.CreateTest(ctx, "sess-1", "cart", false)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)

	// The repair is archived for future diagnosis retrieval.
	assert.Equal(t, 1, f.cold.Len(coldstore.CollectionBugFixes))
}

func TestPipelineCapBlocksConcurrentRuns(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Workers.MaxConcurrentPipelines = 1
	})
	// Occupy the only slot.
	f.orch.pipelines <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.orch.RunOnce(ctx, "sess-1", "tests/login.spec.ts")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.inv.callsTo(worker.NameRunner))

	// Freeing the slot lets the next run through.
	<-f.orch.pipelines
	f.inv.script(worker.NameRunner, runnerPass())
	out, err := f.orch.RunOnce(context.Background(), "sess-1", "tests/login.spec.ts")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.inv.script(worker.NameRunner, runnerPass(), runnerFail("boom"))

	out, err := f.orch.RunOnce(ctx, "sess-1", "tests/login.spec.ts")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)

	out, err = f.orch.RunOnce(ctx, "sess-1", "tests/login.spec.ts")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "boom", out.Message)
	// No Medic on a plain run.
	assert.Empty(t, f.inv.callsTo(worker.NameMedic))
}

func TestReviewOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.inv.script(worker.NameCritic, criticApproved(), criticRejected("hard_coded_wait: sleep(5000)"))

	out, err := f.orch.ReviewOnce(ctx, "sess-1", "tests/login.spec.ts")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)

	out, err = f.orch.ReviewOnce(ctx, "sess-1", "tests/login.spec.ts")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Message, "hard_coded_wait")
	// A standalone review never triggers a rewrite.
	assert.Empty(t, f.inv.callsTo(worker.NameScribe))
}

func TestStatusReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.orch.Sessions().AddCost(ctx, "sess-1", 0.42)
	require.NoError(t, err)

	// One live task and one finished one; only the live one is reported.
	live, err := f.orch.Tasks().Create(ctx, "sess-1", "checkout")
	require.NoError(t, err)
	require.NoError(t, f.orch.Tasks().Transition(ctx, live.TaskID, StatusQueued, StatusInProgress))
	done, err := f.orch.Tasks().Create(ctx, "sess-1", "login")
	require.NoError(t, err)
	require.NoError(t, f.orch.Tasks().Transition(ctx, done.TaskID, StatusQueued, StatusInProgress))
	require.NoError(t, f.orch.Tasks().Transition(ctx, done.TaskID, StatusInProgress, StatusSucceeded))

	out, err := f.orch.StatusReport(ctx, "sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Status)
	assert.InDelta(t, 0.42, out.Data["cost_used"].(float64), 1e-9)
	assert.Equal(t, int64(0), out.Data["hitl_queue_depth"])

	active := out.Data["active_tasks"].([]map[string]any)
	require.Len(t, active, 1)
	assert.Equal(t, live.TaskID, active[0]["task_id"])
	assert.Equal(t, StatusInProgress, active[0]["status"])

	breakers := out.Data["circuit_breakers"].(map[string]string)
	assert.Equal(t, "closed", breakers["anthropic"])
}

func TestBrainstormUsesCheapModel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	out, err := f.orch.Handle(ctx, "sess-1", "how should I test websockets?")
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, "try data-testid selectors", out.Message)
	require.Len(t, f.llm.prompts, 1)

	used, ok, err := f.orch.Sessions().CostUsed(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.002, used, 1e-9)
}

func TestHandleDispatchesIntents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.inv.script(worker.NameRunner, runnerPass())

	out, err := f.orch.Handle(ctx, "sess-1", "run tests in tests/auth")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)
	runs := f.inv.callsTo(worker.NameRunner)
	require.Len(t, runs, 1)
	assert.Equal(t, "tests/auth", runs[0].Req.String("test_path"))
}
