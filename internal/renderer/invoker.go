package renderer

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/koios/mapgen/internal/metrics"
	"github.com/koios/mapgen/pkg/models"
	"go.uber.org/zap"
)

// Renderer produces a map image for a validated request at outputPath
type Renderer interface {
	Render(ctx context.Context, req *models.GenerationRequest, outputPath string) error
}

// Invoker calls the external renderer once per request. It never retries.
type Invoker struct {
	runner  Runner
	script  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewInvoker creates an invoker. script is passed as the first argument when
// non-empty; timeout of zero lets the renderer run unbounded.
func NewInvoker(runner Runner, script string, timeout time.Duration, logger *zap.Logger) *Invoker {
	return &Invoker{
		runner:  runner,
		script:  script,
		timeout: timeout,
		logger:  logger,
	}
}

// BuildArgs returns the renderer's positional arguments:
// [script] address mapType scale colorsJSON outputPath.
func BuildArgs(script string, req *models.GenerationRequest, outputPath string) ([]string, error) {
	colors, err := json.Marshal(req.CustomColors)
	if err != nil {
		return nil, fmt.Errorf("failed to encode custom colors: %w", err)
	}

	args := make([]string, 0, 6)
	if script != "" {
		args = append(args, script)
	}
	return append(args,
		req.Address,
		req.MapType,
		strconv.FormatFloat(req.Scale, 'f', -1, 64),
		string(colors),
		outputPath,
	), nil
}

// Render runs the renderer to completion. A client going away does not stop
// a render that has already started; only the configured timeout does.
func (i *Invoker) Render(ctx context.Context, req *models.GenerationRequest, outputPath string) error {
	args, err := BuildArgs(i.script, req, outputPath)
	if err != nil {
		return &RenderError{Kind: KindSpawn, ExitCode: -1, Err: err}
	}

	runCtx := context.WithoutCancel(ctx)
	if i.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, i.timeout)
		defer cancel()
	}

	i.logger.Info("Invoking renderer",
		zap.String("map_type", req.MapType),
		zap.Float64("scale", req.Scale),
		zap.Int("custom_colors", req.CustomColors.Len()),
		zap.String("output", outputPath))

	outcome, err := i.runner.Run(runCtx, args)
	if err != nil {
		i.logger.Error("Failed to start renderer", zap.Error(err))
		return &RenderError{Kind: KindSpawn, ExitCode: -1, Err: err}
	}

	if outcome.TimedOut {
		metrics.RecordRender(string(KindTimeout), outcome.Duration)
		i.logger.Error("Renderer timed out",
			zap.Duration("timeout", i.timeout),
			zap.String("stderr", outcome.Stderr))
		return &RenderError{
			Kind:     KindTimeout,
			ExitCode: outcome.ExitCode,
			Stderr:   outcome.Stderr,
			Err:      context.DeadlineExceeded,
		}
	}

	if outcome.ExitCode != 0 {
		metrics.RecordRender(string(KindExit), outcome.Duration)
		detail := ParseStatusError(outcome.Stderr)
		i.logger.Error("Renderer failed",
			zap.Int("exit_code", outcome.ExitCode),
			zap.String("detail", detail),
			zap.String("stderr", outcome.Stderr))
		return &RenderError{
			Kind:     KindExit,
			ExitCode: outcome.ExitCode,
			Stderr:   outcome.Stderr,
			Detail:   detail,
		}
	}

	metrics.RecordRender("ok", outcome.Duration)
	i.logger.Info("Renderer finished", zap.Duration("duration", outcome.Duration))
	return nil
}

// statusLine is the JSON object the renderer prints as its last word
type statusLine struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Path    string `json:"path"`
}

// ParseStatusError returns the error message from the last JSON status line
// in output, or "" when there is none.
func ParseStatusError(output string) string {
	var last string
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var status statusLine
		if err := json.Unmarshal([]byte(line), &status); err != nil || status.Success == nil {
			continue
		}
		if !*status.Success {
			last = status.Error
		}
	}
	return last
}
