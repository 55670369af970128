package logging

import "log/slog"

const (
	LogLevelDebug = slog.LevelDebug
	LogLevelInfo  = slog.LevelInfo
	LogLevelWarn  = slog.LevelWarn
	LogLevelError = slog.LevelError
)

// Logger interface is the interface that talkarr's loggers must implement
//
// This interface is a subset of [slog.Logger], so a *slog.Logger can be passed anywhere a Logger is accepted.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Discard is a Logger that drops every record
var Discard Logger = slog.New(slog.DiscardHandler)
