package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/kaya-dev/kaya/pkg/config"
	"github.com/kaya-dev/kaya/pkg/resilience"
)

// excerptLimit bounds stdout/stderr carried in results.
const excerptLimit = 2048

// Runner executes test suites through the configured external command
// and parses its structured JSON report.
type Runner struct {
	launcher Launcher
	cfg      config.RunnerConfig
	logger   *slog.Logger

	// Injectable for timeout diagnostics tests.
	dial     func(network, addr string, timeout time.Duration) (net.Conn, error)
	lookPath func(file string) (string, error)
}

func NewRunner(launcher Launcher, cfg config.RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		launcher: launcher,
		cfg:      cfg,
		logger:   logger,
		dial:     net.DialTimeout,
		lookPath: exec.LookPath,
	}
}

func (r *Runner) Name() string { return NameRunner }

// testReport is the structured report contract with the external runner.
type testReport struct {
	Passed     int   `json:"passed"`
	Failed     int   `json:"failed"`
	DurationMS int64 `json:"duration_ms"`
	Failures   []struct {
		Test    string `json:"test"`
		Message string `json:"message"`
		Stack   string `json:"stack"`
	} `json:"failures"`
}

func (r *Runner) Handle(ctx context.Context, req Request) Result {
	testPath := req.String("test_path")
	if testPath == "" {
		return Failf(resilience.CategoryInvalidInput, "runner requires a test_path")
	}

	timeout := r.cfg.DefaultTimeout
	if s := req.Float("timeout_s"); s > 0 {
		timeout = time.Duration(s * float64(time.Second))
	}

	args := append([]string{}, r.cfg.Args...)
	if req.Bool("fast_fail") {
		args = append(args, "--max-failures=1")
	}
	args = append(args, testPath)

	out, err := r.launcher.Launch(ctx, LaunchSpec{
		Command: r.cfg.Command,
		Args:    args,
		Timeout: timeout,
	})
	if err != nil {
		return Fail(fmt.Errorf("launch test runner: %w", err), resilience.Hints{})
	}

	if out.TimedOut {
		failures := append(
			[]FailureRecord{{
				Category: resilience.CategorySubprocessTimeout,
				Message:  fmt.Sprintf("test run exceeded %s", timeout),
				Excerpt:  excerpt(out.Stderr),
			}},
			r.diagnoseTimeout()...,
		)
		res := Failf(resilience.CategorySubprocessTimeout, "test run timed out after %s", timeout)
		res.Data = runnerData("timeout", 0, 1, failures, out)
		return res
	}

	report, parseErr := parseReport(out.Stdout)
	if parseErr != nil {
		if out.ExitCode == 0 {
			// Exit 0 with no report still counts as a pass.
			return Result{OK: true, Data: runnerData("pass", 0, 0, nil, out)}
		}
		res := Failf(resilience.CategoryServiceError,
			"runner exited %d without a parseable report", out.ExitCode)
		res.Data = runnerData("error", 0, 0, []FailureRecord{{
			Category: resilience.CategoryServiceError,
			Message:  "unparseable runner output",
			Excerpt:  excerpt(out.Stderr),
		}}, out)
		return res
	}

	status := "pass"
	var failures []FailureRecord
	if report.Failed > 0 {
		status = "fail"
		for _, f := range report.Failures {
			failures = append(failures, FailureRecord{
				Category: resilience.Classify(fmt.Errorf("%s", f.Message), resilience.Hints{}),
				Message:  fmt.Sprintf("%s: %s", f.Test, f.Message),
				Excerpt:  excerpt(f.Stack),
			})
		}
	}
	return Result{OK: true, Data: runnerData(status, report.Passed, report.Failed, failures, out)}
}

// diagnoseTimeout answers the three questions a hung run usually comes
// down to, each negative finding with an actionable fix.
func (r *Runner) diagnoseTimeout() []FailureRecord {
	var findings []FailureRecord
	checkPort := func(label string, port int) {
		addr := fmt.Sprintf("localhost:%d", port)
		conn, err := r.dial("tcp", addr, time.Second)
		if err != nil {
			findings = append(findings, FailureRecord{
				Category: resilience.CategoryNetwork,
				Message:  fmt.Sprintf("%s port %d not listening — fix: start %s", label, port, label),
			})
			return
		}
		_ = conn.Close()
	}
	checkPort("backend", r.cfg.BackendPort)
	checkPort("frontend", r.cfg.FrontendPort)
	if _, err := r.lookPath(r.cfg.Command); err != nil {
		findings = append(findings, FailureRecord{
			Category: resilience.CategoryPermanent,
			Message:  fmt.Sprintf("%s not found on PATH — fix: install the browser test tooling", r.cfg.Command),
		})
	}
	return findings
}

func runnerData(status string, passed, failed int, failures []FailureRecord, out LaunchOutput) map[string]any {
	if failures == nil {
		failures = []FailureRecord{}
	}
	return map[string]any{
		"status":            status,
		"passed_count":      passed,
		"failed_count":      failed,
		"failures":          failures,
		"execution_time_ms": out.DurationMS,
		"stdout_excerpt":    excerpt(out.Stdout),
		"stderr_excerpt":    excerpt(out.Stderr),
	}
}

// parseReport finds the report object in stdout. The runner may print
// noise around it, so scan for the outermost braces.
func parseReport(stdout string) (testReport, error) {
	start := strings.Index(stdout, "{")
	end := strings.LastIndex(stdout, "}")
	if start < 0 || end <= start {
		return testReport{}, fmt.Errorf("no report object in output")
	}
	var report testReport
	if err := json.Unmarshal([]byte(stdout[start:end+1]), &report); err != nil {
		return testReport{}, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > excerptLimit {
		return s[:excerptLimit]
	}
	return s
}
