package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kaya-dev/kaya/pkg/coldstore"
	"github.com/kaya-dev/kaya/pkg/llm"
	"github.com/kaya-dev/kaya/pkg/resilience"
)

// Scribe retry ceiling for self-validation rewrites.
const scribeMaxAttempts = 3

const scribeSystemPrompt = `You write end-to-end browser tests in TypeScript using Playwright.
Rules:
- Select elements by data-testid or accessible role, never positional or generated CSS selectors.
- Assert with expect(). Every test captures at least one screenshot.
- Wait on conditions, never fixed durations.
- No credentials or absolute URLs in the test body.
Return only the complete test file inside one fenced code block.`

// Scribe generates test files. It self-validates against the static
// rubric and rewrites up to scribeMaxAttempts times, feeding its own
// issues back into the prompt.
type Scribe struct {
	llm      llm.Client
	cold     coldstore.Store
	testsDir string
	logger   *slog.Logger
}

func NewScribe(client llm.Client, cold coldstore.Store, testsDir string, logger *slog.Logger) *Scribe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scribe{llm: client, cold: cold, testsDir: testsDir, logger: logger}
}

func (s *Scribe) Name() string { return NameScribe }

func (s *Scribe) Handle(ctx context.Context, req Request) Result {
	description := req.String("description")
	if description == "" {
		return Failf(resilience.CategoryInvalidInput, "scribe requires a description")
	}
	feature := req.String("feature")
	outputPath := req.String("output_path")
	if outputPath == "" {
		outputPath = defaultTestPath(feature, description)
	}
	target, err := ResolveWithin(s.testsDir, outputPath)
	if err != nil {
		return Failf(resilience.CategoryInvalidInput, "unsafe output path: %v", err)
	}

	patterns := s.retrievePatterns(ctx, description)

	var (
		totalCost float64
		source    string
		check     TestCheck
		attempts  int
	)
	issues := []string{}
	for attempts = 1; attempts <= scribeMaxAttempts; attempts++ {
		resp, err := s.llm.Complete(ctx, llm.Request{
			Model:  req.Model,
			System: scribeSystemPrompt,
			Prompt: s.buildPrompt(description, feature, patterns, issues),
		})
		totalCost += resp.CostUSD
		if err != nil {
			res := Fail(err, resilience.Hints{})
			res.CostUSD = totalCost
			return res
		}

		source = extractCode(resp.Text)
		check = AnalyzeTest(source)
		if check.Clean() {
			break
		}
		issues = check.Issues
		if req.BudgetUSD > 0 && totalCost >= req.BudgetUSD {
			s.logger.Warn("scribe stopping rewrites at budget", "task_id", req.TaskID, "cost_usd", totalCost)
			break
		}
	}
	if attempts > scribeMaxAttempts {
		attempts = scribeMaxAttempts
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		res := Fail(fmt.Errorf("create test directory: %w", err), resilience.Hints{})
		res.CostUSD = totalCost
		return res
	}
	if err := os.WriteFile(target, []byte(source), 0o644); err != nil {
		res := Fail(fmt.Errorf("write test file: %w", err), resilience.Hints{})
		res.CostUSD = totalCost
		return res
	}

	patternIDs := make([]string, 0, len(patterns))
	for _, p := range patterns {
		patternIDs = append(patternIDs, p.ID)
	}
	return Result{
		OK:      true,
		CostUSD: totalCost,
		Data: map[string]any{
			"test_path":    target,
			"retries_used": attempts - 1,
			"validation": map[string]any{
				"assertion_count":  check.AssertionCount,
				"screenshot_count": check.ScreenshotCount,
				"uses_testid":      check.UsesTestID,
				"syntax_valid":     check.SyntaxValid,
				"issues":           check.Issues,
			},
			"rag_patterns_used": patternIDs,
			"used_rag":          len(patterns) > 0,
		},
	}
}

// retrievePatterns is best-effort RAG. A dead cold store means an empty
// slice, never a failed write.
func (s *Scribe) retrievePatterns(ctx context.Context, description string) []coldstore.Match {
	if s.cold == nil {
		return nil
	}
	return s.cold.Search(ctx, coldstore.CollectionTestSuccess, description,
		coldstore.DefaultK, coldstore.DefaultMinSimilarity)
}

func (s *Scribe) buildPrompt(description, feature string, patterns []coldstore.Match, issues []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a browser test for: %s\n", description)
	if feature != "" {
		fmt.Fprintf(&sb, "Feature: %s\n", feature)
	}
	if len(patterns) > 0 {
		sb.WriteString("\nSuccessful past tests for similar features:\n")
		for _, p := range patterns {
			fmt.Fprintf(&sb, "--- (similarity %.2f)\n%s\n", p.Similarity, p.Text)
		}
	}
	if len(issues) > 0 {
		sb.WriteString("\nYour previous attempt had these problems. Fix all of them:\n")
		for _, issue := range issues {
			fmt.Fprintf(&sb, "- %s\n", issue)
		}
	}
	return sb.String()
}

var reCodeFence = regexp.MustCompile("(?s)```[a-zA-Z]*\n(.*?)```")

// extractCode pulls the first fenced block, or returns the whole text
// when the model skipped the fence.
func extractCode(text string) string {
	if m := reCodeFence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]) + "\n"
	}
	return strings.TrimSpace(text) + "\n"
}

var reUnsafeName = regexp.MustCompile(`[^a-z0-9]+`)

func defaultTestPath(feature, description string) string {
	name := feature
	if name == "" {
		name = description
	}
	name = reUnsafeName.ReplaceAllString(strings.ToLower(name), "-")
	name = strings.Trim(name, "-")
	if len(name) > 48 {
		name = name[:48]
	}
	if name == "" {
		name = "untitled"
	}
	return name + ".spec.ts"
}
