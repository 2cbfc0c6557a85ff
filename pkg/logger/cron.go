package logger

import "github.com/robfig/cron/v3"

type cronLogger struct {
	l *Logger
}

// Cron adapts the logger to the robfig/cron logging interface
func (l *Logger) Cron() cron.Logger {
	return cronLogger{l: l}
}

// Info is debug level on purpose: cron logs every scheduled run.
func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
