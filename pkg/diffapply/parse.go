// Package diffapply finds unified-diff-shaped blocks in model output and applies them
// to workspace files.
//
// The patcher is deliberately low-context: hunk context lines are not checked against
// the file, and overlapping hunks in one block are not reconciled.
package diffapply

import (
	"regexp"
	"strconv"
	"strings"
)

const noNewlineMarker = `\ No newline at end of file`

var (
	diffHeaderRe = regexp.MustCompile(`^diff --git a/(\S+) b/(\S+)`)
	hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)
)

// Block is one `diff --git` section of a response.
type Block struct {
	OldPath string
	NewPath string
	// Raw is the block text from its header to the next block, recorded as the change diff.
	Raw     string
	Hunks   []Hunk
	NewFile bool
	// lines is the block body after the header, used by full-file reconstruction.
	lines []string
}

// Hunk is one `@@ -a,b +c,d @@` section.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	// Lines are the raw body lines, markers included.
	Lines []string
	// NoNewline is set when the new side ends without a trailing newline.
	NoNewline bool
}

// ParseBlocks returns every block in text, in order. Each block runs to the next
// `diff --git` header or the end of text. Text outside blocks is ignored.
func ParseBlocks(text string) []Block {
	lines := strings.Split(text, "\n")

	var blocks []Block
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		blocks = append(blocks, parseBlock(lines[start:end]))
	}
	for i, line := range lines {
		if diffHeaderRe.MatchString(line) {
			flush(i)
			start = i
		}
	}
	flush(len(lines))
	return blocks
}

func parseBlock(lines []string) Block {
	m := diffHeaderRe.FindStringSubmatch(lines[0])
	body := trimBlockTail(lines[1:])
	b := Block{
		OldPath: m[1],
		NewPath: m[2],
		Raw:     strings.Join(append([]string{lines[0]}, body...), "\n") + "\n",
		lines:   body,
	}

	var cur *Hunk
	for _, line := range body {
		if strings.HasPrefix(line, "new file") {
			b.NewFile = true
		}
		if hm := hunkHeaderRe.FindStringSubmatch(line); hm != nil {
			b.Hunks = append(b.Hunks, Hunk{
				OldStart: atoi(hm[1], 0),
				OldCount: atoi(hm[2], 1),
				NewStart: atoi(hm[3], 0),
				NewCount: atoi(hm[4], 1),
			})
			cur = &b.Hunks[len(b.Hunks)-1]
			continue
		}
		if cur == nil {
			continue
		}
		if line == noNewlineMarker {
			// Applies to the preceding line; only the new side matters here.
			if n := len(cur.Lines); n > 0 && !strings.HasPrefix(cur.Lines[n-1], "-") {
				cur.NoNewline = true
			}
			continue
		}
		cur.Lines = append(cur.Lines, line)
	}
	return b
}

// trimBlockTail cuts a block at a closing code fence and drops the empty line left
// by a trailing newline. Only an unindented fence closes the block: a fence inside a
// hunk carries a " ", "+" or "-" prefix.
func trimBlockTail(lines []string) []string {
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			lines = lines[:i]
			break
		}
	}
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

func atoi(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
