package renderer

import (
	"errors"
	"fmt"
)

// Kind classifies why a render failed
type Kind string

const (
	KindSpawn       Kind = "spawn"       // the process could not be started
	KindExit        Kind = "exit"        // the process exited non-zero
	KindTimeout     Kind = "timeout"     // the process was killed at its deadline
	KindUnavailable Kind = "unavailable" // the render pool is shutting down
)

// ErrPoolStopped is wrapped by renders rejected during shutdown
var ErrPoolStopped = errors.New("render pool is shutting down")

// RenderError describes a failed renderer invocation
type RenderError struct {
	Kind     Kind
	ExitCode int
	Stderr   string // tail of the renderer's stderr
	Detail   string // error message the renderer reported, if any
	Err      error
}

func (e *RenderError) Error() string {
	switch e.Kind {
	case KindExit:
		if e.Detail != "" {
			return fmt.Sprintf("renderer exited with code %d: %s", e.ExitCode, e.Detail)
		}
		return fmt.Sprintf("renderer exited with code %d", e.ExitCode)
	case KindTimeout:
		return "renderer timed out"
	case KindSpawn:
		return fmt.Sprintf("failed to start renderer: %v", e.Err)
	default:
		if e.Err != nil {
			return fmt.Sprintf("renderer unavailable: %v", e.Err)
		}
		return "renderer unavailable"
	}
}

func (e *RenderError) Unwrap() error {
	return e.Err
}
