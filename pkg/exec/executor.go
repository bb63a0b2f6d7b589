// Package exec runs workspace commands and reports their exit status and streams.
package exec

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a command is killed because its context ended.
var ErrTimeout = errors.New("process group killed")

// Executor runs commands.
type Executor interface {
	// Run executes cmd. A non-zero exit is reported in Result, not as an error.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// Name returns the executor type name for logging.
	Name() string

	// Available reports whether this executor can be used here.
	Available() bool
}

// Opts contains options for command execution.
type Opts struct {
	// Env is appended to the current environment (KEY=VALUE).
	Env []string

	// Timeout bounds the command; zero means no limit beyond ctx.
	Timeout time.Duration

	// WorkDir must exist.
	WorkDir string
}

// Result contains the outcome of one command.
type Result struct {
	Stdout       string
	Stderr       string
	ExecutorUsed string
	Duration     time.Duration
	ExitCode     int
	// TimedOut is set when the process group was killed because ctx ended.
	TimedOut bool
}
