package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/h2bridge/internal/config"
)

// LogFields carries structured key/value pairs attached to a log entry.
type LogFields map[string]interface{}

// reopenableFile is a log target backed by a file that can be reopened in
// place, e.g. after log rotation on SIGHUP.
// fallbackOutput receives log writes while a log file cannot be reopened. It
// is never closed.
var fallbackOutput = os.Stderr

type reopenableFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openLogFile(path string) (*reopenableFile, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return &reopenableFile{path: path, f: f}, nil
}

func (r *reopenableFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Write(p)
}

func (r *reopenableFile) reopen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f != fallbackOutput {
		_ = r.f.Close()
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		// Keep writing somewhere rather than failing every log call.
		r.f = fallbackOutput
		return fmt.Errorf("failed to reopen log file %s: %w", r.path, err)
	}
	r.f = f
	return nil
}

func (r *reopenableFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == fallbackOutput {
		return nil
	}
	return r.f.Close()
}

// Logger is the process logger. It writes leveled error-log entries and, when
// enabled, one access entry per completed stream. A nil *Logger discards
// everything, which keeps optional logging out of callers' way.
type Logger struct {
	errorLog  zerolog.Logger
	accessLog *zerolog.Logger
	files     []*reopenableFile
}

// NewLogger creates a Logger from cfg. File targets are opened immediately.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}
	l := &Logger{}

	errTarget, errFormat := "stderr", "json"
	if cfg.ErrorLog != nil {
		if cfg.ErrorLog.Target != nil {
			errTarget = *cfg.ErrorLog.Target
		}
		if cfg.ErrorLog.Format != "" {
			errFormat = cfg.ErrorLog.Format
		}
	}
	w, err := l.openTarget(errTarget)
	if err != nil {
		return nil, err
	}
	l.errorLog = newZerolog(w, errFormat).Level(zerologLevel(cfg.LogLevel))

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		target := "stdout"
		if cfg.AccessLog.Target != nil {
			target = *cfg.AccessLog.Target
		}
		w, err := l.openTarget(target)
		if err != nil {
			_ = l.CloseLogFiles()
			return nil, err
		}
		al := newZerolog(w, cfg.AccessLog.Format)
		l.accessLog = &al
	}
	return l, nil
}

// NewTestLogger returns a Logger writing JSON error-log and access entries to
// w at the given level.
func NewTestLogger(w io.Writer, level config.LogLevel) *Logger {
	al := zerolog.New(w).With().Timestamp().Logger()
	return &Logger{
		errorLog:  zerolog.New(w).With().Timestamp().Logger().Level(zerologLevel(level)),
		accessLog: &al,
	}
}

func (l *Logger) openTarget(target string) (io.Writer, error) {
	switch target {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if !config.IsFilePath(target) {
		return nil, fmt.Errorf("invalid log target: %s", target)
	}
	rf, err := openLogFile(target)
	if err != nil {
		return nil, err
	}
	l.files = append(l.files, rf)
	return rf, nil
}

func newZerolog(w io.Writer, format string) zerolog.Logger {
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger that adds fields to every error-log entry.
func (l *Logger) With(fields LogFields) *Logger {
	if l == nil {
		return nil
	}
	child := *l
	child.errorLog = l.errorLog.With().Fields(map[string]interface{}(fields)).Logger()
	return &child
}

func (l *Logger) log(ev *zerolog.Event, msg string, fields []LogFields) {
	for _, f := range fields {
		if f != nil {
			ev = ev.Fields(map[string]interface{}(f))
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	if l != nil {
		l.log(l.errorLog.Debug(), msg, fields)
	}
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	if l != nil {
		l.log(l.errorLog.Info(), msg, fields)
	}
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	if l != nil {
		l.log(l.errorLog.Warn(), msg, fields)
	}
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	if l != nil {
		l.log(l.errorLog.Error(), msg, fields)
	}
}

// Access writes the completion entry of one stream.
func (l *Logger) Access(streamID uint32, status int, bytesIn, bytesOut int64, duration time.Duration, resetCode string) {
	if l == nil || l.accessLog == nil {
		return
	}
	ev := l.accessLog.Log().
		Str("log", "access").
		Uint32("h2_stream_id", streamID).
		Int("status", status).
		Int64("req_bytes", bytesIn).
		Int64("resp_bytes", bytesOut).
		Int64("duration_ms", duration.Milliseconds())
	if resetCode != "" {
		ev = ev.Str("rst", resetCode)
	}
	ev.Send()
}

// CloseLogFiles closes file targets. Standard streams are left alone.
func (l *Logger) CloseLogFiles() error {
	if l == nil {
		return nil
	}
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReopenLogFiles closes and reopens every file target.
func (l *Logger) ReopenLogFiles() error {
	if l == nil {
		return nil
	}
	var firstErr error
	for _, f := range l.files {
		if err := f.reopen(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
