package agent

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger provides formatted console logging with optional JSON-RPC tracing
type Logger struct {
	mu          sync.RWMutex
	verbose     bool
	useColor    bool
	jsonRPCMode bool
	writer      io.Writer
	zl          zerolog.Logger
}

// NewLogger creates a logger that writes to stderr
func NewLogger(verbose, useColor, jsonRPCMode bool) *Logger {
	return NewLoggerWithWriter(verbose, useColor, jsonRPCMode, os.Stderr)
}

// NewLoggerWithWriter creates a logger that writes to the given writer
func NewLoggerWithWriter(verbose, useColor, jsonRPCMode bool, w io.Writer) *Logger {
	l := &Logger{
		verbose:     verbose,
		useColor:    useColor,
		jsonRPCMode: jsonRPCMode,
	}
	l.SetWriter(w)
	return l
}

// SetWriter redirects all subsequent output
func (l *Logger) SetWriter(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
	l.zl = zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    !l.useColor,
		TimeFormat: "15:04:05",
	}).With().Timestamp().Logger()
}

// SetVerbose toggles debug and verbose output
func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

func (l *Logger) isVerbose() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verbose
}

func (l *Logger) emit(level zerolog.Level, prefix, format string, args ...interface{}) {
	l.mu.RLock()
	zl := l.zl
	l.mu.RUnlock()
	zl.WithLevel(level).Msg(prefix + fmt.Sprintf(format, args...))
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.emit(zerolog.InfoLevel, "", format, args...)
}

// Success logs a successful step
func (l *Logger) Success(format string, args ...interface{}) {
	l.emit(zerolog.InfoLevel, "✓ ", format, args...)
}

// Warning logs a warning
func (l *Logger) Warning(format string, args ...interface{}) {
	l.emit(zerolog.WarnLevel, "", format, args...)
}

// Error logs an error
func (l *Logger) Error(format string, args ...interface{}) {
	l.emit(zerolog.ErrorLevel, "", format, args...)
}

// Debug logs only in verbose mode
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.isVerbose() {
		return
	}
	l.emit(zerolog.DebugLevel, "", format, args...)
}

// InfoVerbose logs an info message only in verbose mode. Safe on a nil logger.
func (l *Logger) InfoVerbose(format string, args ...interface{}) {
	if l == nil || !l.isVerbose() {
		return
	}
	l.Info(format, args...)
}

// WarningVerbose logs a warning only in verbose mode. Safe on a nil logger.
func (l *Logger) WarningVerbose(format string, args ...interface{}) {
	if l == nil || !l.isVerbose() {
		return
	}
	l.Warning(format, args...)
}

// Request traces an outgoing JSON-RPC request
func (l *Logger) Request(method string, params interface{}) {
	l.trace("→", method, params)
}

// Response traces an incoming JSON-RPC response
func (l *Logger) Response(method string, result interface{}) {
	l.trace("←", method, result)
}

// Notification traces a server notification
func (l *Logger) Notification(method string, params interface{}) {
	l.trace("🔔", method, params)
}

func (l *Logger) trace(arrow, method string, payload interface{}) {
	l.mu.RLock()
	jsonRPC := l.jsonRPCMode
	verbose := l.verbose
	l.mu.RUnlock()

	switch {
	case jsonRPC:
		l.emit(zerolog.InfoLevel, "", "%s %s\n%s", arrow, method, PrettyJSON(payload))
	case verbose:
		l.emit(zerolog.DebugLevel, "", "%s %s", arrow, method)
	}
}

// maskToken keeps only the tail of a bearer token for display
func maskToken(token string) string {
	if token == "" {
		return "<none>"
	}
	if len(token) <= 8 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}
