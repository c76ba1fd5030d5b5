package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/kaya-dev/kaya/pkg/resilience"
)

const validatorReport = `{
	"browser_launched": true,
	"test_executed": true,
	"test_passed": true,
	"screenshots": ["artifacts/login-1.png", "artifacts/login-2.png"],
	"console_errors": [],
	"network_failures": [],
	"execution_time_ms": 8200
}`

func geminiRequest(path string) Request {
	return Request{TaskID: "t1", Kind: "validate", Payload: map[string]any{"test_path": path}}
}

func TestGeminiProducesRubricValidRecord(t *testing.T) {
	launcher := &scriptedLauncher{outputs: []LaunchOutput{{Stdout: validatorReport}}}
	g := NewGemini(launcher, runnerConfig(), nil, "", nil)

	res := g.Handle(context.Background(), geminiRequest("tests/login.spec.ts"))
	require.True(t, res.OK, res.Error)

	rec := res.Data["record"].(ValidatorRecord)
	ok, reasons := IsPass(rec)
	assert.True(t, ok, reasons)
	assert.Len(t, rec.Screenshots, 2)
	assert.Equal(t, 8200, rec.ExecutionTimeMS)

	// No AI client wired: browser result stands, validation flag is off.
	assert.False(t, res.Data["validated"].(bool))
	assert.Equal(t, "ai_analysis_disabled", res.Data["reason"])
}

func TestGeminiAIRequestedButUnavailable(t *testing.T) {
	launcher := &scriptedLauncher{outputs: []LaunchOutput{{Stdout: validatorReport}}}
	g := NewGemini(launcher, runnerConfig(), nil, "", nil)

	req := geminiRequest("tests/login.spec.ts")
	req.Payload["ai_analysis"] = true
	res := g.Handle(context.Background(), req)
	require.True(t, res.OK)
	assert.False(t, res.Data["validated"].(bool))
	assert.Equal(t, "ai_analysis_unavailable", res.Data["reason"])
}

func TestGeminiFlagOffSkipsAIEvenWithClient(t *testing.T) {
	launcher := &scriptedLauncher{outputs: []LaunchOutput{{Stdout: validatorReport}}}
	g := NewGemini(launcher, runnerConfig(), &genai.Client{}, "", nil)

	// Client wired but the request does not ask for analysis: the model
	// must not be called.
	res := g.Handle(context.Background(), geminiRequest("tests/login.spec.ts"))
	require.True(t, res.OK, res.Error)
	assert.False(t, res.Data["validated"].(bool))
	assert.Equal(t, "ai_analysis_disabled", res.Data["reason"])
}

func TestGeminiFillsExecutionTimeFromRun(t *testing.T) {
	report := `{"browser_launched": true, "test_executed": true, "test_passed": false, "screenshots": []}`
	launcher := &scriptedLauncher{outputs: []LaunchOutput{{Stdout: report, DurationMS: 4321}}}
	g := NewGemini(launcher, runnerConfig(), nil, "", nil)

	res := g.Handle(context.Background(), geminiRequest("tests/login.spec.ts"))
	require.True(t, res.OK)
	rec := res.Data["record"].(ValidatorRecord)
	assert.Equal(t, 4321, rec.ExecutionTimeMS)

	ok, reasons := IsPass(rec)
	assert.False(t, ok)
	assert.Contains(t, reasons, ReasonAssertionsFailed)
	assert.Contains(t, reasons, ReasonNoVisualEvidence)
}

func TestGeminiTimeout(t *testing.T) {
	launcher := &scriptedLauncher{outputs: []LaunchOutput{{TimedOut: true}}}
	g := NewGemini(launcher, runnerConfig(), nil, "", nil)

	res := g.Handle(context.Background(), geminiRequest("tests/login.spec.ts"))
	assert.False(t, res.OK)
	assert.Equal(t, resilience.CategorySubprocessTimeout, res.Category)
}

func TestGeminiUnparseableReport(t *testing.T) {
	launcher := &scriptedLauncher{outputs: []LaunchOutput{{Stdout: "browser crashed"}}}
	g := NewGemini(launcher, runnerConfig(), nil, "", nil)

	res := g.Handle(context.Background(), geminiRequest("tests/login.spec.ts"))
	assert.False(t, res.OK)
	assert.Equal(t, resilience.CategoryServiceError, res.Category)
}
