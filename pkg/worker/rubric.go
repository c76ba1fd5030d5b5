package worker

import "fmt"

// Rubric ceiling on browser execution time.
const MaxExecutionTimeMS = 45_000

// AIAnalysis is the optional vision verdict attached to a ValidatorRecord.
// Confidence is reported on a 0 to 100 scale.
type AIAnalysis struct {
	UICorrect         bool     `json:"ui_correct"`
	VisualRegressions []string `json:"visual_regressions,omitempty"`
	Confidence        int      `json:"confidence"`
}

// ValidatorRecord is what the browser validator produces.
type ValidatorRecord struct {
	BrowserLaunched bool        `json:"browser_launched"`
	TestExecuted    bool        `json:"test_executed"`
	TestPassed      bool        `json:"test_passed"`
	Screenshots     []string    `json:"screenshots"`
	ConsoleErrors   []string    `json:"console_errors"`
	NetworkFailures []string    `json:"network_failures"`
	ExecutionTimeMS int         `json:"execution_time_ms"`
	AIAnalysis      *AIAnalysis `json:"ai_analysis,omitempty"`
}

// Rubric reason codes.
const (
	ReasonBrowserNotLaunched = "browser_not_launched"
	ReasonTestNotExecuted    = "test_not_executed"
	ReasonAssertionsFailed   = "assertions_failed"
	ReasonNoVisualEvidence   = "no_visual_evidence"
	ReasonTimeoutExceeded    = "timeout_exceeded"
)

// IsPass applies the validation rubric. Schema problems are reported as
// schema_invalid:<path> and short-circuit the boolean checks. Console
// errors and network failures are recorded upstream but never gate.
func IsPass(rec ValidatorRecord) (bool, []string) {
	var reasons []string

	if rec.ExecutionTimeMS < 1 {
		reasons = append(reasons, "schema_invalid:execution_time_ms")
	}
	if rec.AIAnalysis != nil && (rec.AIAnalysis.Confidence < 0 || rec.AIAnalysis.Confidence > 100) {
		reasons = append(reasons, "schema_invalid:ai_analysis.confidence")
	}
	if len(reasons) > 0 {
		return false, reasons
	}

	if !rec.BrowserLaunched {
		reasons = append(reasons, ReasonBrowserNotLaunched)
	}
	if !rec.TestExecuted {
		reasons = append(reasons, ReasonTestNotExecuted)
	}
	if !rec.TestPassed {
		reasons = append(reasons, ReasonAssertionsFailed)
	}
	if len(rec.Screenshots) == 0 {
		reasons = append(reasons, ReasonNoVisualEvidence)
	}
	if rec.ExecutionTimeMS > MaxExecutionTimeMS {
		reasons = append(reasons, ReasonTimeoutExceeded)
	}
	return len(reasons) == 0, reasons
}

// SchemaReason formats a schema violation for a named field.
func SchemaReason(path string) string {
	return fmt.Sprintf("schema_invalid:%s", path)
}
