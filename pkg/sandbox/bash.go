package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentd/pkg/exec"
)

// excludedDirs are skipped by Glob and Grep.
//
//nolint:gochecknoglobals // fixed list
var excludedDirs = []string{".git", "node_modules", "vendor", "dist", "build", "target", "__pycache__"}

// Bash runs command with sh -c inside cwd (default: the root). A zero timeout means
// the configured default. On timeout or cancellation the whole process group is killed.
func (s *Sandbox) Bash(ctx context.Context, command string, timeout time.Duration, cwd string) Result {
	if strings.TrimSpace(command) == "" {
		return fail(fmt.Errorf("%w: command must not be empty", ErrInvalidArgs))
	}
	dir, err := s.Resolve(cwd)
	if err != nil {
		return fail(err)
	}
	if timeout <= 0 {
		timeout = s.cfg.BashTimeout
	}

	res, runErr := s.executor.Run(ctx, []string{"sh", "-c", command}, &exec.Opts{
		WorkDir: dir,
		Timeout: timeout,
	})
	output := res.Stdout
	if res.Stderr != "" {
		if output != "" && !strings.HasSuffix(output, "\n") {
			output += "\n"
		}
		output += res.Stderr
	}
	output, truncated := truncateOutput(output)

	if runErr != nil {
		if errors.Is(runErr, exec.ErrTimeout) {
			s.logger.Warn("bash timed out after %s: %s", timeout, command)
			r := fail(fmt.Errorf("command timed out after %s: %w", timeout, exec.ErrTimeout))
			r.Output, r.Truncated, r.ExitCode = output, truncated, -1
			return r
		}
		return fail(runErr)
	}

	if res.ExitCode != 0 {
		r := fail(fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
		r.Output, r.Truncated, r.ExitCode = output, truncated, res.ExitCode
		return r
	}
	return Result{Success: true, Output: output, Truncated: truncated}
}

// Grep searches for pattern below path with grep -rn, optionally limited to files
// matching include. Exit status 1 (no matches) is a success.
func (s *Sandbox) Grep(ctx context.Context, pattern, path, include string) Result {
	if pattern == "" {
		return fail(fmt.Errorf("%w: pattern must not be empty", ErrInvalidArgs))
	}
	abs, err := s.Resolve(path)
	if err != nil {
		return fail(err)
	}
	target := s.Rel(abs)

	args := []string{"grep", "-rn", "-I"}
	for _, d := range excludedDirs {
		args = append(args, "--exclude-dir="+shellQuote(d))
	}
	if include != "" {
		args = append(args, "--include="+shellQuote(include))
	}
	args = append(args, "-e", shellQuote(pattern), "--", shellQuote(target))

	res := s.Bash(ctx, strings.Join(args, " "), 0, "")
	if !res.Success && res.ExitCode == 1 {
		return ok("No matches found")
	}
	return res
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
