package sandbox

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Glob matches pattern (supporting * and **) against paths relative to path
// (default: the root). Dotfiles and common build or dependency directories are
// skipped. Matches are returned relative to the root in lexical order, capped at
// the configured maximum.
func (s *Sandbox) Glob(pattern, path string) Result {
	if !doublestar.ValidatePattern(pattern) {
		return fail(fmt.Errorf("%w: bad glob pattern %q", ErrInvalidArgs, pattern))
	}
	base, err := s.Resolve(path)
	if err != nil {
		return fail(err)
	}

	var matches []string
	truncated := false
	walkErr := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if p == base {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") || (d.IsDir() && isExcludedDir(name)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(base, p)
		if relErr != nil {
			return nil //nolint:nilerr // cannot happen below base
		}
		if matched, _ := doublestar.Match(pattern, filepath.ToSlash(rel)); matched {
			if len(matches) >= s.cfg.MaxGlobResults {
				truncated = true
				return filepath.SkipAll
			}
			matches = append(matches, s.Rel(p))
		}
		return nil
	})
	if walkErr != nil {
		return fail(fmt.Errorf("glob %s: %w", pattern, walkErr))
	}

	if len(matches) == 0 {
		return ok("No files found")
	}
	out := strings.Join(matches, "\n")
	if truncated {
		out += fmt.Sprintf("\n... [results limited to %d]", s.cfg.MaxGlobResults)
	}
	return Result{Success: true, Output: out, Truncated: truncated}
}

func isExcludedDir(name string) bool {
	for _, d := range excludedDirs {
		if name == d {
			return true
		}
	}
	return false
}
