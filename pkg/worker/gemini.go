package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/kaya-dev/kaya/pkg/config"
	"github.com/kaya-dev/kaya/pkg/resilience"
)

// Confidence floor (0-100 scale) for the vision verdict to count as a
// validation.
const geminiMinConfidence = 70

const geminiAnalysisPrompt = `You are reviewing the outcome of an automated browser test run.
Given the run summary below, judge whether the UI behaved correctly and
flag likely visual regressions. Respond with one JSON object:
{"ui_correct": <bool>, "visual_regressions": [<strings>], "confidence": <0-100>}

Run summary:
%s`

// Gemini drives the real browser validation run and, when enabled,
// a second-opinion AI analysis over the run summary.
type Gemini struct {
	launcher  Launcher
	cfg       config.RunnerConfig
	ai        *genai.Client
	aiModel   string
	aiEnabled bool
	logger    *slog.Logger
}

func NewGemini(launcher Launcher, cfg config.RunnerConfig, ai *genai.Client, aiModel string, logger *slog.Logger) *Gemini {
	if logger == nil {
		logger = slog.Default()
	}
	if aiModel == "" {
		aiModel = "gemini-2.0-flash"
	}
	return &Gemini{
		launcher:  launcher,
		cfg:       cfg,
		ai:        ai,
		aiModel:   aiModel,
		aiEnabled: ai != nil,
		logger:    logger,
	}
}

func (g *Gemini) Name() string { return NameGemini }

func (g *Gemini) Handle(ctx context.Context, req Request) Result {
	testPath := req.String("test_path")
	if testPath == "" {
		return Failf(resilience.CategoryInvalidInput, "gemini requires a test_path")
	}

	timeout := g.cfg.DefaultTimeout
	if s := req.Float("timeout_s"); s > 0 {
		timeout = time.Duration(s * float64(time.Second))
	}

	args := append([]string{}, g.cfg.Args...)
	args = append(args, testPath)
	out, err := g.launcher.Launch(ctx, LaunchSpec{
		Command: g.cfg.Command,
		Args:    args,
		Timeout: timeout,
	})
	if err != nil {
		return Fail(fmt.Errorf("launch browser validation: %w", err), resilience.Hints{})
	}
	if out.TimedOut {
		return Failf(resilience.CategorySubprocessTimeout, "browser validation timed out after %s", timeout)
	}

	rec, err := parseValidatorRecord(out)
	if err != nil {
		return Failf(resilience.CategoryServiceError, "validator report unusable: %v", err)
	}

	validated := false
	reason := ""
	// The request flag decides whether AI analysis runs at all; aiEnabled
	// only says whether a client is wired.
	switch {
	case !req.Bool("ai_analysis"):
		reason = "ai_analysis_disabled"
	case !g.aiEnabled:
		reason = "ai_analysis_unavailable"
	default:
		analysis, aiErr := g.analyze(ctx, rec)
		if aiErr != nil {
			g.logger.Warn("screenshot analysis unavailable", "task_id", req.TaskID, "error", aiErr)
			reason = "ai_analysis_unavailable"
		} else {
			rec.AIAnalysis = analysis
			if analysis.UICorrect && analysis.Confidence >= geminiMinConfidence {
				validated = true
			} else {
				reason = "ai_analysis_negative"
			}
		}
	}

	return Result{
		OK: true,
		Data: map[string]any{
			"record":    rec,
			"validated": validated,
			"reason":    reason,
		},
	}
}

// analyze asks the vision model for a verdict over the run summary.
func (g *Gemini) analyze(ctx context.Context, rec ValidatorRecord) (*AIAnalysis, error) {
	summary, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	contents := []*genai.Content{
		genai.NewContentFromText(fmt.Sprintf(geminiAnalysisPrompt, summary), genai.RoleUser),
	}
	resp, err := g.ai.Models.GenerateContent(ctx, g.aiModel, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("generate analysis: %w", err)
	}

	text := extractCode(resp.Text())
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON verdict in analysis")
	}
	var analysis AIAnalysis
	if err := json.Unmarshal([]byte(text[start:end+1]), &analysis); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if analysis.Confidence < 0 || analysis.Confidence > 100 {
		return nil, fmt.Errorf("analysis confidence %d out of [0,100]", analysis.Confidence)
	}
	return &analysis, nil
}

// parseValidatorRecord decodes the validator's JSON report and fills
// the execution time from the observed duration when the report omits it.
func parseValidatorRecord(out LaunchOutput) (ValidatorRecord, error) {
	start := strings.Index(out.Stdout, "{")
	end := strings.LastIndex(out.Stdout, "}")
	if start < 0 || end <= start {
		return ValidatorRecord{}, fmt.Errorf("no report object in output")
	}
	var rec ValidatorRecord
	if err := json.Unmarshal([]byte(out.Stdout[start:end+1]), &rec); err != nil {
		return ValidatorRecord{}, fmt.Errorf("decode validator report: %w", err)
	}
	if rec.ExecutionTimeMS == 0 {
		rec.ExecutionTimeMS = int(out.DurationMS)
	}
	return rec, nil
}
