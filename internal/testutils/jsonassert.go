//go:build test

package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value, as long as
// the key exists. Used for timestamps.
const PresencePlaceholder = "<<PRESENCE>>"

// JSONAsserter compares rendered status documents structurally and reports
// an ASCII diff on mismatch.
type JSONAsserter struct {
	t      TestingT
	subset bool
}

// NewJSONAsserter creates an asserter requiring both documents to carry the same keys
func NewJSONAsserter(t TestingT) *JSONAsserter {
	return &JSONAsserter{t: t}
}

// Subset lets the actual document carry keys the expectation does not list
func (ja *JSONAsserter) Subset() *JSONAsserter {
	ja.subset = true
	return ja
}

// Assert compares actualJSON against expectedJSON
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	if diff := ja.Diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

// Diff returns a readable difference, or "" when the documents match
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only
	if _, ok := expected.([]any); ok {
		expected, actual = map[string]any{"array": expected}, map[string]any{"array": actual}
	} else if _, ok := actual.([]any); ok {
		expected, actual = map[string]any{"array": expected}, map[string]any{"array": actual}
	}

	ja.align(expected, actual)

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	out, _ := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(diff)
	return out
}

// align resolves presence placeholders in expected and, in subset mode,
// drops keys of actual that expected does not mention.
func (ja *JSONAsserter) align(expected, actual any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		if ja.subset {
			for k := range act {
				if _, listed := exp[k]; !listed {
					delete(act, k)
				}
			}
		}
		for k, v := range exp {
			if v == PresencePlaceholder {
				if got, present := act[k]; present {
					exp[k] = got
				}
				continue
			}
			ja.align(v, act[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				ja.align(exp[i], act[i])
			}
		}
	}
}
