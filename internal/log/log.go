// Package log implements the structured logger used throughout the queue
// core. It keeps the level-based API the rest of the tree expects
// (Infof/Debugf/Errorf/Fatalf, plus a low-level Log for callers like
// internal/trace that need to control the caller depth reported in the
// log line) but is backed by go.uber.org/zap instead of a hand-rolled
// writer, so the output is structured JSON in production and a readable
// console encoder under a terminal.
package log

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a logging severity, ordered the same way the teacher's logger
// ordered them: Debug is the most verbose, Fatal the least.
type Level int

const (
	Debug Level = iota
	Info
	Error
	Fatal
)

func (l Level) zap() zapcore.Level {
	switch l {
	case Debug:
		return zapcore.DebugLevel
	case Error:
		return zapcore.ErrorLevel
	case Fatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger wraps a zap.SugaredLogger and remembers its own minimum level, so
// Reopen (used on SIGHUP in the master, mirroring the teacher's log
// rotation hook) can rebuild the underlying core without losing it.
type Logger struct {
	mu    sync.Mutex
	sugar *zap.SugaredLogger
	level zapcore.Level
	path  string
}

// New creates a logger writing to stderr, with console encoding. This is
// the default used by the daemons unless a log file is configured.
func New(level Level) *Logger {
	l := &Logger{level: level.zap()}
	l.build(os.Stderr)
	return l
}

// NewFile creates a logger writing JSON lines to the given path.
func NewFile(path string, level Level) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l := &Logger{level: level.zap(), path: path}
	l.buildJSON(f)
	return l, nil
}

func (l *Logger) build(w *os.File) {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(w), l.level)
	l.sugar = zap.New(core, zap.AddCallerSkip(2)).Sugar()
}

func (l *Logger) buildJSON(w *os.File) {
	cfg := zap.NewProductionEncoderConfig()
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(w), l.level)
	l.sugar = zap.New(core, zap.AddCallerSkip(2)).Sugar()
}

// Reopen re-opens the log file, for log rotation via SIGHUP. It is a no-op
// for the stderr logger.
func (l *Logger) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path == "" {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.buildJSON(f)
	return nil
}

// Log writes a message at the given level. calldepth is accepted so
// internal/trace can keep its call shape, but it is not used: no caller
// location is recorded.
func (l *Logger) Log(level Level, calldepth int, format string, a ...interface{}) {
	msg := fmt.Sprintf(format, a...)
	switch level {
	case Debug:
		l.sugar.Debug(msg)
	case Error:
		l.sugar.Error(msg)
	case Fatal:
		l.sugar.Fatal(msg)
	default:
		l.sugar.Info(msg)
	}
}

func (l *Logger) Debugf(format string, a ...interface{}) { l.Log(Debug, 1, format, a...) }
func (l *Logger) Infof(format string, a ...interface{})  { l.Log(Info, 1, format, a...) }
func (l *Logger) Errorf(format string, a ...interface{}) { l.Log(Error, 1, format, a...) }
func (l *Logger) Fatalf(format string, a ...interface{}) { l.Log(Fatal, 1, format, a...) }

// Default is the process-wide logger. Daemons replace it in main() once
// configuration has been parsed.
var Default = New(Info)

func Init() {}

func Log(level Level, calldepth int, format string, a ...interface{}) {
	Default.Log(level, calldepth+1, format, a...)
}

func Debugf(format string, a ...interface{}) { Default.Log(Debug, 1, format, a...) }
func Infof(format string, a ...interface{})  { Default.Log(Info, 1, format, a...) }
func Errorf(format string, a ...interface{}) { Default.Log(Error, 1, format, a...) }
func Fatalf(format string, a ...interface{}) { Default.Log(Fatal, 1, format, a...) }
