//go:build test

package testutils

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Hook   *test.Hook
}

// NewTestHelper creates a test helper whose logger records every entry.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	hook := test.NewLocal(logger)
	return &TestHelper{
		T:      t,
		Logger: logger,
		Hook:   hook,
	}
}

// EntriesAt returns the recorded log entries at the given level.
func (h *TestHelper) EntriesAt(level logrus.Level) []logrus.Entry {
	var result []logrus.Entry
	for _, e := range h.Hook.AllEntries() {
		if e.Level == level {
			result = append(result, *e)
		}
	}
	return result
}

// EntriesContaining returns the recorded log entries whose message contains substr.
func (h *TestHelper) EntriesContaining(substr string) []logrus.Entry {
	var result []logrus.Entry
	for _, e := range h.Hook.AllEntries() {
		if strings.Contains(e.Message, substr) {
			result = append(result, *e)
		}
	}
	return result
}
