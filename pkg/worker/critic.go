package worker

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/kaya-dev/kaya/pkg/resilience"
)

// Critic expense ceilings. Estimated runs past these are rejected as
// too expensive unless the task sits on a critical path.
const (
	criticMaxDurationMS = 60_000
	criticMaxCostUSD    = 0.50
)

// Critic reviews a generated test before anything runs it. Pure static
// analysis, single pass, no model calls and no retries.
type Critic struct{}

func NewCritic() *Critic { return &Critic{} }

func (c *Critic) Name() string { return NameCritic }

func (c *Critic) Handle(_ context.Context, req Request) Result {
	testPath := req.String("test_path")
	if testPath == "" {
		return Failf(resilience.CategoryInvalidInput, "critic requires a test_path")
	}
	raw, err := os.ReadFile(testPath)
	if err != nil {
		return Failf(resilience.CategoryNotFound, "read test file: %v", err)
	}
	source := string(raw)

	check := AnalyzeTest(source)
	estDurationMS := estimateDurationMS(check, source)
	estCostUSD := estimateCostUSD(source)

	costCap := req.Float("max_cost_usd")
	if costCap <= 0 {
		costCap = criticMaxCostUSD
	}
	critical := req.Bool("critical")

	issues := append([]string{}, check.Issues...)
	if !critical {
		if estDurationMS > criticMaxDurationMS {
			issues = append(issues, fmt.Sprintf("too_expensive: estimated %dms exceeds %dms", estDurationMS, criticMaxDurationMS))
		}
		if estCostUSD > costCap {
			issues = append(issues, fmt.Sprintf("too_expensive: estimated $%.2f exceeds cap $%.2f", estCostUSD, costCap))
		}
	}

	decision := "approved"
	if len(issues) > 0 {
		decision = "rejected"
	}
	return Result{
		OK: true,
		Data: map[string]any{
			"decision":              decision,
			"issues":                issues,
			"estimated_cost_usd":    estCostUSD,
			"estimated_duration_ms": estDurationMS,
		},
	}
}

// estimateDurationMS prices a run from the test's shape: browser boot,
// then navigations, assertions, and screenshots at fixed unit costs.
func estimateDurationMS(check TestCheck, source string) int {
	navigations := strings.Count(source, "goto(")
	return 5_000 +
		3_000*navigations +
		1_500*check.AssertionCount +
		2_000*check.ScreenshotCount
}

// estimateCostUSD approximates compute spend from test size.
func estimateCostUSD(source string) float64 {
	lines := strings.Count(source, "\n") + 1
	return 0.01 + 0.001*float64(lines)
}
