package sandbox

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// View returns lines [offset, offset+limit) of path, numbered from 1. offset is
// 1-based; zero or negative values mean the first line and the default limit.
func (s *Sandbox) View(path string, offset, limit int) Result {
	abs, err := s.Resolve(path)
	if err != nil {
		return fail(err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fail(fmt.Errorf("cannot read %s: %w", path, err))
	}
	if info.IsDir() {
		return fail(fmt.Errorf("%w: %s is a directory, use ls", ErrInvalidArgs, path))
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return fail(fmt.Errorf("cannot read %s: %w", path, err))
	}

	if offset <= 0 {
		offset = 1
	}
	if limit <= 0 {
		limit = s.cfg.ViewLimit
	}

	lines := splitLines(string(data))
	total := len(lines)
	if total == 0 {
		return Result{Success: true, Output: "(empty file)"}
	}
	if offset > total {
		return fail(fmt.Errorf("%w: offset %d is past end of file (%d lines)", ErrInvalidArgs, offset, total))
	}

	end := offset - 1 + limit
	if end > total {
		end = total
	}

	var b strings.Builder
	for i := offset - 1; i < end; i++ {
		line := lines[i]
		if len(line) > maxLineLength {
			line = strings.ToValidUTF8(line[:maxLineLength], "") + "... [line truncated]"
		}
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, line)
	}

	res := Result{Success: true, TotalLines: total}
	if end < total {
		res.Truncated = true
		fmt.Fprintf(&b, "\n(showing lines %d-%d of %d; use offset %d to continue)\n", offset, end, total, end+1)
	}
	res.Output = b.String()
	return res
}

// Edit replaces the single occurrence of old with replacement. Zero or multiple
// occurrences fail with ErrEditNotFound or ErrEditAmbiguous and leave the file untouched.
func (s *Sandbox) Edit(path, old, replacement string) Result {
	if old == "" {
		return fail(fmt.Errorf("%w: old string must not be empty", ErrInvalidArgs))
	}
	abs, err := s.Resolve(path)
	if err != nil {
		return fail(err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fail(fmt.Errorf("cannot edit %s: %w", path, err))
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fail(fmt.Errorf("cannot read %s: %w", path, err))
	}

	content := string(data)
	switch count := strings.Count(content, old); count {
	case 0:
		return fail(fmt.Errorf("%w in %s", ErrEditNotFound, path))
	case 1:
	default:
		return fail(fmt.Errorf("%w: %d matches in %s, include more surrounding context", ErrEditAmbiguous, count, path))
	}

	updated := strings.Replace(content, old, replacement, 1)
	if err := os.WriteFile(abs, []byte(updated), info.Mode().Perm()); err != nil {
		return fail(fmt.Errorf("cannot write %s: %w", path, err))
	}
	s.logger.Debug("edited %s (%d -> %d bytes)", s.Rel(abs), len(content), len(updated))
	return ok(fmt.Sprintf("edited %s", s.Rel(abs)))
}

// Ls lists path sorted by name, one "<type>\t<name>" line per entry.
func (s *Sandbox) Ls(path string) Result {
	abs, err := s.Resolve(path)
	if err != nil {
		return fail(err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return fail(fmt.Errorf("cannot list %s: %w", path, err))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	for _, e := range entries {
		kind := "file"
		switch {
		case e.Type()&os.ModeSymlink != 0:
			kind = "symlink"
		case e.IsDir():
			kind = "dir"
		}
		fmt.Fprintf(&b, "%s\t%s\n", kind, e.Name())
	}
	if b.Len() == 0 {
		return ok("(empty directory)")
	}
	return ok(b.String())
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
