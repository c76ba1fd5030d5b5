package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kaya-dev/kaya/pkg/clock"
	"github.com/kaya-dev/kaya/pkg/hotstore"
	"github.com/kaya-dev/kaya/pkg/llm"
	"github.com/kaya-dev/kaya/pkg/resilience"
)

const (
	// MedicMaxRetries bounds fix attempts per task across the whole task
	// lifetime, enforced through the hot store counter.
	MedicMaxRetries = 3
	// MedicConfidenceThreshold is the floor under which a diagnosis is
	// escalated instead of applied.
	MedicConfidenceThreshold = 0.7

	medicHistoryLen = 10
	diffExcerptMax  = 4096
)

const medicSystemPrompt = `You repair failing browser tests. Given the test source and the failure,
diagnose the root cause and produce a corrected version of the file.
Respond with a single JSON object:
{"diagnosis": "<root cause>", "confidence": <0.0-1.0>, "patched_code": "<complete corrected file>"}
Confidence is a fraction between 0 and 1, never a percentage.`

// TestRunFunc runs one test path and reports how many tests failed.
type TestRunFunc func(ctx context.Context, path string) (failed int, err error)

// Medic repairs failing tests. Its one hard rule: never leave the tree
// with more failing tests than it found. Any regression rolls the patch
// back and escalates.
type Medic struct {
	llm               llm.Client
	hot               hotstore.Store
	clk               clock.Clock
	runTests          TestRunFunc
	regressionTargets []string
	logger            *slog.Logger
}

func NewMedic(client llm.Client, hot hotstore.Store, clk clock.Clock, runTests TestRunFunc, regressionTargets []string, logger *slog.Logger) *Medic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Medic{
		llm:               client,
		hot:               hot,
		clk:               clk,
		runTests:          runTests,
		regressionTargets: regressionTargets,
		logger:            logger,
	}
}

func (m *Medic) Name() string { return NameMedic }

type medicDiagnosis struct {
	Diagnosis   string  `json:"diagnosis"`
	Confidence  float64 `json:"confidence"`
	PatchedCode string  `json:"patched_code"`
}

// attemptRecord is one entry of medic:history:{task_id}.
type attemptRecord struct {
	Timestamp        float64 `json:"timestamp"`
	Diagnosis        string  `json:"diagnosis"`
	Confidence       float64 `json:"confidence"`
	DiffExcerpt      string  `json:"diff_excerpt"`
	BaselineFailures int     `json:"baseline_failures"`
	PostFixFailures  int     `json:"post_fix_failures"`
	RegressionDelta  int     `json:"regression_delta"`
}

func (m *Medic) Handle(ctx context.Context, req Request) Result {
	testPath := req.String("test_path")
	failureMsg := req.String("failure")
	if testPath == "" || failureMsg == "" {
		return Failf(resilience.CategoryInvalidInput, "medic requires test_path and failure")
	}

	// The attempt budget is counted per scope. The full pipeline uses the
	// task itself; the iterative fix loop hands each iteration its own
	// scope so that loop is bounded by its iteration cap alone.
	scope := req.String("attempt_scope")
	if scope == "" {
		scope = req.TaskID
	}
	attempts, err := m.hot.IncrBy(ctx, hotstore.MedicAttemptsKey(scope), 1, hotstore.TaskTTL)
	if err != nil {
		m.logger.Warn("medic attempt counter unavailable", "task_id", req.TaskID, "error", err)
		attempts = 1
	}
	if attempts > MedicMaxRetries {
		return m.escalate(req, "max_retries_exceeded", int(attempts), medicDiagnosis{}, 0, 0)
	}

	original, err := os.ReadFile(testPath)
	if err != nil {
		return Failf(resilience.CategoryNotFound, "read test file: %v", err)
	}

	resp, err := m.llm.Complete(ctx, llm.Request{
		Model:  req.Model,
		System: medicSystemPrompt,
		Prompt: fmt.Sprintf("Failure:\n%s\n\nTest file %s:\n%s", failureMsg, testPath, original),
	})
	cost := resp.CostUSD
	if err != nil {
		res := Fail(err, resilience.Hints{})
		res.CostUSD = cost
		return res
	}

	diag, err := parseDiagnosis(resp.Text)
	if err != nil {
		res := Failf(resilience.CategoryInvalidInput, "medic diagnosis unusable: %v", err)
		res.CostUSD = cost
		return res
	}
	if diag.Confidence < MedicConfidenceThreshold {
		res := m.escalate(req, "low_confidence", int(attempts), diag, 0, 0)
		res.CostUSD = cost
		return res
	}

	baseline, err := m.runScope(ctx, testPath)
	if err != nil {
		res := Fail(fmt.Errorf("baseline run: %w", err), resilience.Hints{})
		res.CostUSD = cost
		return res
	}

	if err := os.WriteFile(testPath, []byte(diag.PatchedCode), 0o644); err != nil {
		res := Fail(fmt.Errorf("apply patch: %w", err), resilience.Hints{})
		res.CostUSD = cost
		return res
	}

	postFix, err := m.runScope(ctx, testPath)
	if err != nil {
		m.rollback(testPath, original)
		res := Fail(fmt.Errorf("post-fix run: %w", err), resilience.Hints{})
		res.CostUSD = cost
		return res
	}

	delta := postFix - baseline
	m.recordAttempt(ctx, req.TaskID, diag, string(original), baseline, postFix)

	if delta > 0 {
		m.rollback(testPath, original)
		res := m.escalate(req, "regression_detected", int(attempts), diag, baseline, postFix)
		res.CostUSD = cost
		return res
	}

	return Result{
		OK:      true,
		CostUSD: cost,
		Data: map[string]any{
			"outcome":           "fix_applied",
			"attempts":          int(attempts),
			"diagnosis":         diag.Diagnosis,
			"confidence":        diag.Confidence,
			"baseline_failures": baseline,
			"post_fix_failures": postFix,
		},
	}
}

// runScope runs the affected test plus the configured regression
// targets and sums the failures. Baseline and post-fix use the same
// scope so the counts are comparable.
func (m *Medic) runScope(ctx context.Context, testPath string) (int, error) {
	total := 0
	for _, path := range append([]string{testPath}, m.regressionTargets...) {
		failed, err := m.runTests(ctx, path)
		if err != nil {
			return 0, err
		}
		total += failed
	}
	return total, nil
}

func (m *Medic) rollback(testPath string, original []byte) {
	if err := os.WriteFile(testPath, original, 0o644); err != nil {
		m.logger.Error("medic rollback failed, tree may be dirty", "path", testPath, "error", err)
	}
}

func (m *Medic) escalate(req Request, reason string, attempts int, diag medicDiagnosis, baseline, postFix int) Result {
	return Result{
		OK: true,
		Data: map[string]any{
			"outcome":           "escalated_to_hitl",
			"reason":            reason,
			"attempts":          attempts,
			"diagnosis":         diag.Diagnosis,
			"confidence":        diag.Confidence,
			"baseline_failures": baseline,
			"post_fix_failures": postFix,
		},
	}
}

func (m *Medic) recordAttempt(ctx context.Context, taskID string, diag medicDiagnosis, originalSource string, baseline, postFix int) {
	record := attemptRecord{
		Timestamp:        clock.EpochSeconds(m.clk.Now()),
		Diagnosis:        diag.Diagnosis,
		Confidence:       diag.Confidence,
		DiffExcerpt:      truncate(diffExcerpt(originalSource, diag.PatchedCode), diffExcerptMax),
		BaselineFailures: baseline,
		PostFixFailures:  postFix,
		RegressionDelta:  postFix - baseline,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := m.hot.ListPush(ctx, hotstore.MedicHistoryKey(taskID), string(raw), medicHistoryLen, hotstore.TaskTTL); err != nil {
		m.logger.Warn("medic history write failed", "task_id", taskID, "error", err)
	}
}

// parseDiagnosis decodes the model's JSON, tolerating a fenced wrapper.
// A confidence above 1 is the percentage form and is rejected outright.
func parseDiagnosis(text string) (medicDiagnosis, error) {
	payload := extractCode(text)
	start := strings.Index(payload, "{")
	end := strings.LastIndex(payload, "}")
	if start < 0 || end <= start {
		return medicDiagnosis{}, fmt.Errorf("no JSON object in response")
	}
	var diag medicDiagnosis
	if err := json.Unmarshal([]byte(payload[start:end+1]), &diag); err != nil {
		return medicDiagnosis{}, fmt.Errorf("decode diagnosis: %w", err)
	}
	if diag.Confidence < 0 || diag.Confidence > 1 {
		return medicDiagnosis{}, fmt.Errorf("confidence %v out of [0,1]", diag.Confidence)
	}
	if strings.TrimSpace(diag.PatchedCode) == "" {
		return medicDiagnosis{}, fmt.Errorf("empty patch")
	}
	return diag, nil
}

// diffExcerpt is a line-level sketch of what changed, enough for a
// human reviewing the HITL payload.
func diffExcerpt(before, after string) string {
	beforeLines := strings.Split(before, "\n")
	afterLines := strings.Split(after, "\n")
	beforeSet := make(map[string]bool, len(beforeLines))
	for _, l := range beforeLines {
		beforeSet[l] = true
	}
	afterSet := make(map[string]bool, len(afterLines))
	for _, l := range afterLines {
		afterSet[l] = true
	}

	var sb strings.Builder
	for _, l := range beforeLines {
		if !afterSet[l] {
			sb.WriteString("- " + l + "\n")
		}
	}
	for _, l := range afterLines {
		if !beforeSet[l] {
			sb.WriteString("+ " + l + "\n")
		}
	}
	return sb.String()
}

func truncate(s string, limit int) string {
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
