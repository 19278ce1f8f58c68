//go:build test

package testutils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
)

// TestingT is the subset of testing.T used by the asserters
type TestingT interface {
	Errorf(format string, args ...interface{})
}

var sgrSequence = regexp.MustCompile("\x1b\\[[0-9;]*m")

// TextAsserter compares rendered CLI tables. Color codes, surrounding blank
// lines and trailing spaces are not significant.
type TextAsserter struct {
	t TestingT
}

func NewTextAsserter(t TestingT) *TextAsserter {
	return &TextAsserter{t: t}
}

// Assert reports a unified diff when actual and expected differ
func (ta *TextAsserter) Assert(actual, expected string) {
	a, e := normalizeText(actual), normalizeText(expected)
	if a == e {
		return
	}
	edits := myers.ComputeEdits("", e, a)
	ta.t.Errorf("Text assertion failed:\n%s", fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits)))
}

func normalizeText(text string) string {
	lines := strings.Split(strings.TrimSpace(sgrSequence.ReplaceAllString(text, "")), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}
