package renderer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// defaultTailBytes bounds how much of each stream is kept for diagnostics
const defaultTailBytes = 8 << 10

// Outcome is what a finished renderer process left behind
type Outcome struct {
	ExitCode int
	Stdout   string // last bytes of stdout
	Stderr   string // last bytes of stderr
	TimedOut bool
	Duration time.Duration
}

// Runner starts the renderer with args and waits for it to finish. The
// returned error is reserved for failures to run the process at all; a
// process that ran and failed is reported through Outcome.
type Runner interface {
	Run(ctx context.Context, args []string) (Outcome, error)
}

// ExecRunner runs the renderer as a child process
type ExecRunner struct {
	command   string
	logger    *zap.Logger
	tailBytes int
}

// NewExecRunner creates a runner for the given executable
func NewExecRunner(command string, logger *zap.Logger) *ExecRunner {
	return &ExecRunner{
		command:   command,
		logger:    logger,
		tailBytes: defaultTailBytes,
	}
}

// Run starts the process, streams both outputs into the log line by line and
// returns only after both streams are closed and the process has been reaped.
func (r *ExecRunner) Run(ctx context.Context, args []string) (Outcome, error) {
	cmd := exec.CommandContext(ctx, r.command, args...)
	configureProcess(cmd)
	// Bound the wait for pipes held open by orphaned grandchildren.
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{ExitCode: -1}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{ExitCode: -1}, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{ExitCode: -1}, err
	}

	pid := cmd.Process.Pid
	r.logger.Debug("Renderer started", zap.Int("pid", pid), zap.String("command", r.command))

	stdoutTail := newTailBuffer(r.tailBytes)
	stderrTail := newTailBuffer(r.tailBytes)

	var g errgroup.Group
	g.Go(func() error { return r.drain(stdout, "stdout", pid, stdoutTail) })
	g.Go(func() error { return r.drain(stderr, "stderr", pid, stderrTail) })
	drainErr := g.Wait()
	waitErr := cmd.Wait()

	outcome := Outcome{
		Stdout:   stdoutTail.String(),
		Stderr:   stderrTail.String(),
		Duration: time.Since(start),
	}
	if drainErr != nil {
		r.logger.Warn("Failed to read renderer output", zap.Int("pid", pid), zap.Error(drainErr))
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		outcome.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		outcome.ExitCode = exitErr.ExitCode()
	default:
		outcome.ExitCode = -1
	}
	if waitErr != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		outcome.TimedOut = true
	}

	r.logger.Debug("Renderer exited",
		zap.Int("pid", pid),
		zap.Int("exit_code", outcome.ExitCode),
		zap.Bool("timed_out", outcome.TimedOut),
		zap.Duration("duration", outcome.Duration))

	return outcome, nil
}

// drain logs each line of a stream as it arrives and keeps a bounded tail
func (r *ExecRunner) drain(stream io.Reader, name string, pid int, tail *tailBuffer) error {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 4096), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		tail.Write(line)
		tail.Write([]byte{'\n'})

		if name == "stderr" {
			r.logger.Warn("Renderer output", zap.String("stream", name), zap.Int("pid", pid), zap.ByteString("line", line))
		} else {
			r.logger.Debug("Renderer output", zap.String("stream", name), zap.Int("pid", pid), zap.ByteString("line", line))
		}
	}

	if err := scanner.Err(); err != nil {
		// Keep the pipe empty so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, stream)
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
