package diffapply

import (
	"errors"
	"sort"
	"strings"
)

// ErrNoHunks is returned for a block with neither hunks nor a new-file marker.
var ErrNoHunks = errors.New("diff block has no hunks")

// Context window sizes around each hunk.
const (
	leadingContext  = 1
	trailingContext = 2
)

// ApplyBlock computes the new content of a file from its current content. Pass ""
// for a file that does not exist yet.
//
// Each hunk contributes the line before oldStart as leading context, its body with
// `-` lines dropped and `+` markers stripped, and up to two lines from
// oldStart-1+oldCount as trailing context. Original lines between hunks and after
// the last one are carried over so the rest of the file survives.
func ApplyBlock(original string, b Block) (string, error) {
	if len(b.Hunks) == 0 {
		if b.NewFile {
			return reconstruct(b.lines), nil
		}
		return "", ErrNoHunks
	}

	orig, origNewline := splitContent(original)
	hunks := append([]Hunk(nil), b.Hunks...)
	sort.SliceStable(hunks, func(i, j int) bool { return hunks[i].OldStart < hunks[j].OldStart })

	out := make([]string, 0, len(orig)+8)
	cursor := 0
	noNewline := false
	for i := range hunks {
		h := &hunks[i]
		start := clamp(h.OldStart-1, cursor, len(orig))
		end := clamp(h.OldStart-1+h.OldCount, start, len(orig))

		// Untouched lines up to the leading context window, then the window itself.
		lead := clamp(start-leadingContext, cursor, start)
		out = append(out, orig[cursor:lead]...)
		out = append(out, orig[lead:start]...)

		out = append(out, hunkBody(h.Lines)...)

		trail := clamp(end+trailingContext, end, len(orig))
		out = append(out, orig[end:trail]...)
		cursor = trail
		noNewline = h.NoNewline && trail == len(orig)
	}
	out = append(out, orig[cursor:]...)

	if len(out) == 0 {
		return "", nil
	}
	content := strings.Join(out, "\n")
	switch {
	case noNewline:
	case original == "" || origNewline:
		content += "\n"
	}
	return content, nil
}

func hunkBody(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "-"):
		case strings.HasPrefix(line, "+"):
			out = append(out, line[1:])
		case strings.HasPrefix(line, " "):
			out = append(out, line[1:])
		default:
			out = append(out, line)
		}
	}
	return out
}

// reconstruct builds a new file from `+` and plain lines, skipping git headers.
func reconstruct(lines []string) string {
	var out []string
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "new file"),
			strings.HasPrefix(line, "index "),
			strings.HasPrefix(line, "--- "),
			strings.HasPrefix(line, "+++ "),
			strings.HasPrefix(line, "-"),
			line == noNewlineMarker:
			continue
		case strings.HasPrefix(line, "+"):
			out = append(out, line[1:])
		default:
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, "\n") + "\n"
}

// splitContent splits content into lines and reports whether it ended in a newline.
func splitContent(s string) ([]string, bool) {
	if s == "" {
		return nil, false
	}
	trailing := strings.HasSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n"), trailing
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
