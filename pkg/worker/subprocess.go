package worker

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// LaunchSpec describes one subprocess run.
type LaunchSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// LaunchOutput is the captured outcome.
type LaunchOutput struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	TimedOut   bool
	DurationMS int64
}

// Launcher abstracts subprocess execution so tests can substitute
// deterministic fakes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (LaunchOutput, error)
}

// Grace between SIGTERM and the hard kill.
const killDelay = 3 * time.Second

// ExecLauncher runs real subprocesses through a bounded pool. Admission
// is a buffered channel, so waiters are served roughly FIFO.
type ExecLauncher struct {
	slots chan struct{}
}

// NewExecLauncher bounds concurrent subprocesses to poolSize.
func NewExecLauncher(poolSize int) *ExecLauncher {
	if poolSize <= 0 {
		poolSize = 5
	}
	return &ExecLauncher{slots: make(chan struct{}, poolSize)}
}

func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (LaunchOutput, error) {
	select {
	case l.slots <- struct{}{}:
		defer func() { <-l.slots }()
	case <-ctx.Done():
		return LaunchOutput{}, ctx.Err()
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	// SIGTERM first so the test runner can flush its report, hard kill
	// after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := LaunchOutput{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: time.Since(start).Milliseconds(),
		TimedOut:   runCtx.Err() == context.DeadlineExceeded,
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		out.ExitCode = 0
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
		// A nonzero exit is a result, not a launch failure.
		err = nil
	default:
		return out, err
	}
	return out, nil
}
