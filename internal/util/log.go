// Package util holds the CLI's terminal logging.
package util

import (
	"fmt"
	"io"

	"github.com/pion/logging"
	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug shows debug output from the default logger and from every
// package logger created by a LoggerFactory.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// LoggerFactory adapts a pterm logger to pion's logging interface so the
// library packages log through the CLI's terminal output.
type LoggerFactory struct {
	logger *pterm.Logger
}

// NewLoggerFactory logs through pterm.DefaultLogger.
func NewLoggerFactory() *LoggerFactory {
	return &LoggerFactory{logger: &pterm.DefaultLogger}
}

// NewWriterLoggerFactory logs JSON lines at level to w.
func NewWriterLoggerFactory(w io.Writer, level pterm.LogLevel) *LoggerFactory {
	return &LoggerFactory{
		logger: pterm.DefaultLogger.
			WithWriter(w).
			WithFormatter(pterm.LogFormatterJSON).
			WithLevel(level),
	}
}

// NewLogger implements logging.LoggerFactory.
func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &scopedLogger{logger: f.logger, scope: scope}
}

type scopedLogger struct {
	logger *pterm.Logger
	scope  string
}

func (l *scopedLogger) args() []pterm.LoggerArgument {
	return l.logger.Args("scope", l.scope)
}

func (l *scopedLogger) Trace(msg string) { l.logger.Trace(msg, l.args()) }
func (l *scopedLogger) Tracef(format string, args ...interface{}) {
	l.logger.Trace(fmt.Sprintf(format, args...), l.args())
}

func (l *scopedLogger) Debug(msg string) { l.logger.Debug(msg, l.args()) }
func (l *scopedLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), l.args())
}

func (l *scopedLogger) Info(msg string) { l.logger.Info(msg, l.args()) }
func (l *scopedLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...), l.args())
}

func (l *scopedLogger) Warn(msg string) { l.logger.Warn(msg, l.args()) }
func (l *scopedLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), l.args())
}

func (l *scopedLogger) Error(msg string) { l.logger.Error(msg, l.args()) }
func (l *scopedLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), l.args())
}
