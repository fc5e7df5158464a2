package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// Logs is the read side of an observer logger, used by tests to assert on what
// the pipeline reported.
type Logs interface {
	Len() int
	All() []observer.LoggedEntry
	FilterMessage(msg string) *observer.ObservedLogs
	FilterMessageSnippet(snippet string) *observer.ObservedLogs
	TakeAll() []observer.LoggedEntry
}

var _ Logs = (*observer.ObservedLogs)(nil)

// NewObserverLogger creates a new logger that logs to an observer and returns the logger and the observer.
func NewObserverLogger(level string) (Logger, Logs) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	observerLogger, logs := observer.New(lvl)
	return &ZapLogger{zap.New(observerLogger)}, logs
}
