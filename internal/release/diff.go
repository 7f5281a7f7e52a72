package release

import (
	"fmt"
	"io"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

const diffContext = 3

type diffLine struct {
	op   diffmatchpatch.Operation
	text string
}

type hunk struct {
	oldStart, oldCount int
	newStart, newCount int
	lines              []diffLine
}

// lineDiff splits a line-mode diff of before and after into single lines.
func lineDiff(before, after string) []diffLine {
	dmp := diffmatchpatch.New()
	chars1, chars2, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(chars1, chars2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var out []diffLine
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			out = append(out, diffLine{op: d.Type, text: line})
		}
	}
	return out
}

// hunks groups changed lines with up to three lines of surrounding context.
func hunks(lines []diffLine) []hunk {
	var (
		out     []hunk
		cur     *hunk
		oldLine = 1
		newLine = 1
		// trailing counts equal lines appended to cur since its last change.
		trailing int
	)
	for i, l := range lines {
		if l.op != diffmatchpatch.DiffEqual {
			if cur == nil {
				start := max(0, i-diffContext)
				for start < i && lines[start].op != diffmatchpatch.DiffEqual {
					start++
				}
				lead := i - start
				cur = &hunk{oldStart: oldLine - lead, newStart: newLine - lead}
				for _, c := range lines[start:i] {
					cur.lines = append(cur.lines, c)
					cur.oldCount++
					cur.newCount++
				}
			}
			cur.lines = append(cur.lines, l)
			trailing = 0
			if l.op == diffmatchpatch.DiffDelete {
				cur.oldCount++
				oldLine++
			} else {
				cur.newCount++
				newLine++
			}
			continue
		}

		if cur != nil {
			if trailing < diffContext {
				cur.lines = append(cur.lines, l)
				cur.oldCount++
				cur.newCount++
				trailing++
			} else if !changeWithin(lines[i:], diffContext) {
				out = append(out, *cur)
				cur = nil
			} else {
				cur.lines = append(cur.lines, l)
				cur.oldCount++
				cur.newCount++
			}
		}
		oldLine++
		newLine++
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// changeWithin reports whether a non-equal line occurs in the first n lines.
func changeWithin(lines []diffLine, n int) bool {
	for i := 0; i < n && i < len(lines); i++ {
		if lines[i].op != diffmatchpatch.DiffEqual {
			return true
		}
	}
	return false
}

// WriteDiff writes a unified diff of before and after labelled with name.
// Nothing is written when the contents are equal.
func WriteDiff(w io.Writer, name, before, after string, color bool) error {
	if before == after {
		return nil
	}
	paint := func(c, s string) string {
		if !color {
			return s
		}
		return c + s + colorReset
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", name, name)
	for _, h := range hunks(lineDiff(before, after)) {
		b.WriteString(paint(colorCyan, fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.oldStart, h.oldCount, h.newStart, h.newCount)))
		b.WriteByte('\n')
		for _, l := range h.lines {
			switch l.op {
			case diffmatchpatch.DiffDelete:
				b.WriteString(paint(colorRed, "-"+l.text))
			case diffmatchpatch.DiffInsert:
				b.WriteString(paint(colorGreen, "+"+l.text))
			default:
				b.WriteString(" " + l.text)
			}
			b.WriteByte('\n')
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
