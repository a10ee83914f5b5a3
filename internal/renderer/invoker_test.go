package renderer

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/koios/mapgen/pkg/models"
	"go.uber.org/zap"
)

// fakeRunner records the arguments it was called with and returns a canned outcome
type fakeRunner struct {
	outcome Outcome
	err     error

	args   []string
	ctxErr error
	hasDL  bool
}

func (f *fakeRunner) Run(ctx context.Context, args []string) (Outcome, error) {
	f.args = args
	f.ctxErr = ctx.Err()
	_, f.hasDL = ctx.Deadline()
	return f.outcome, f.err
}

func testRequest() *models.GenerationRequest {
	return &models.GenerationRequest{
		Address: "Times Square, New York",
		MapType: "dark",
		Scale:   500,
	}
}

func TestBuildArgs(t *testing.T) {
	t.Run("without overrides", func(t *testing.T) {
		args, err := BuildArgs("scripts/generate_map.py", testRequest(), "/tmp/maps/map-1.png")
		if err != nil {
			t.Fatalf("BuildArgs failed: %v", err)
		}
		expected := []string{"scripts/generate_map.py", "Times Square, New York", "dark", "500", "{}", "/tmp/maps/map-1.png"}
		if !reflect.DeepEqual(args, expected) {
			t.Errorf("Expected %v, got %v", expected, args)
		}
	})

	t.Run("with overrides and fractional scale", func(t *testing.T) {
		req := testRequest()
		req.Scale = 62.5
		req.CustomColors.Set("water_color", "#0000FF")

		args, err := BuildArgs("", req, "out.png")
		if err != nil {
			t.Fatalf("BuildArgs failed: %v", err)
		}
		expected := []string{"Times Square, New York", "dark", "62.5", `{"water_color":"#0000FF"}`, "out.png"}
		if !reflect.DeepEqual(args, expected) {
			t.Errorf("Expected %v, got %v", expected, args)
		}
	})
}

func TestParseStatusError(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"empty", "", ""},
		{"plain text", "Traceback (most recent call last):\n  boom\n", ""},
		{"failure line", "Downloading tiles\n{\"success\": false, \"error\": \"Could not geocode address\"}\n", "Could not geocode address"},
		{"success line", "{\"success\": true, \"path\": \"out.png\"}\n", ""},
		{"last failure wins", "{\"success\": false, \"error\": \"first\"}\n{\"success\": false, \"error\": \"second\"}\n", "second"},
		{"malformed json", "{\"success\": false,\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseStatusError(tt.output); got != tt.want {
				t.Errorf("ParseStatusError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInvokerRender(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		runner := &fakeRunner{outcome: Outcome{ExitCode: 0}}
		inv := NewInvoker(runner, "gen.py", time.Minute, zap.NewNop())

		if err := inv.Render(context.Background(), testRequest(), "out.png"); err != nil {
			t.Fatalf("Render failed: %v", err)
		}
		if len(runner.args) != 6 || runner.args[0] != "gen.py" {
			t.Errorf("Unexpected args: %v", runner.args)
		}
		if !runner.hasDL {
			t.Error("Expected the runner context to carry a deadline")
		}
	})

	t.Run("cancelled caller does not cancel the render", func(t *testing.T) {
		runner := &fakeRunner{outcome: Outcome{ExitCode: 0}}
		inv := NewInvoker(runner, "gen.py", time.Minute, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := inv.Render(ctx, testRequest(), "out.png"); err != nil {
			t.Fatalf("Render failed: %v", err)
		}
		if runner.ctxErr != nil {
			t.Errorf("Expected live context for the runner, got %v", runner.ctxErr)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		runner := &fakeRunner{outcome: Outcome{
			ExitCode: 1,
			Stderr:   "{\"success\": false, \"error\": \"Address not found\"}\n",
		}}
		inv := NewInvoker(runner, "gen.py", time.Minute, zap.NewNop())

		err := inv.Render(context.Background(), testRequest(), "out.png")
		var renderErr *RenderError
		if !errors.As(err, &renderErr) {
			t.Fatalf("Expected RenderError, got %v", err)
		}
		if renderErr.Kind != KindExit || renderErr.ExitCode != 1 {
			t.Errorf("Expected exit failure with code 1, got %s/%d", renderErr.Kind, renderErr.ExitCode)
		}
		if renderErr.Detail != "Address not found" {
			t.Errorf("Expected detail 'Address not found', got %q", renderErr.Detail)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		runner := &fakeRunner{outcome: Outcome{ExitCode: -1, TimedOut: true}}
		inv := NewInvoker(runner, "gen.py", time.Second, zap.NewNop())

		err := inv.Render(context.Background(), testRequest(), "out.png")
		var renderErr *RenderError
		if !errors.As(err, &renderErr) || renderErr.Kind != KindTimeout {
			t.Fatalf("Expected timeout RenderError, got %v", err)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Error("Expected timeout error to wrap context.DeadlineExceeded")
		}
	})

	t.Run("spawn failure", func(t *testing.T) {
		runner := &fakeRunner{err: errors.New("exec: \"python3\": executable file not found in $PATH")}
		inv := NewInvoker(runner, "gen.py", time.Minute, zap.NewNop())

		err := inv.Render(context.Background(), testRequest(), "out.png")
		var renderErr *RenderError
		if !errors.As(err, &renderErr) || renderErr.Kind != KindSpawn {
			t.Fatalf("Expected spawn RenderError, got %v", err)
		}
	})

	t.Run("no timeout configured", func(t *testing.T) {
		runner := &fakeRunner{outcome: Outcome{ExitCode: 0}}
		inv := NewInvoker(runner, "", 0, zap.NewNop())

		if err := inv.Render(context.Background(), testRequest(), "out.png"); err != nil {
			t.Fatalf("Render failed: %v", err)
		}
		if runner.hasDL {
			t.Error("Expected no deadline when timeout is zero")
		}
		if len(runner.args) != 5 {
			t.Errorf("Expected 5 args without a script, got %d", len(runner.args))
		}
	})
}

func TestRenderErrorMessages(t *testing.T) {
	tests := []struct {
		err  *RenderError
		want string
	}{
		{&RenderError{Kind: KindExit, ExitCode: 2}, "renderer exited with code 2"},
		{&RenderError{Kind: KindExit, ExitCode: 1, Detail: "bad address"}, "renderer exited with code 1: bad address"},
		{&RenderError{Kind: KindTimeout}, "renderer timed out"},
		{&RenderError{Kind: KindUnavailable, Err: ErrPoolStopped}, "renderer unavailable: render pool is shutting down"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
