package logger

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// MaxLogLines is the number of lines kept when the log file is trimmed
const MaxLogLines = 5000

// LogLevel represents the logging level
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var levelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLogLevel parses a string into a LogLevel, defaulting to info
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LogLevelTrace
	case "DEBUG":
		return LogLevelDebug
	case "WARN", "WARNING":
		return LogLevelWarn
	case "ERROR":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LimitedLogger writes leveled lines to a file and trims the file to the
// last MaxLogLines lines once it grows past that
type LimitedLogger struct {
	mutex     sync.Mutex
	file      *os.File
	lineCount int
	level     LogLevel
	maxLines  int
}

var (
	globalMu     sync.RWMutex
	globalLogger *LimitedLogger
	// stderrLogger is used until a file logger is installed
	stderrLogger = &LimitedLogger{file: os.Stderr, level: LogLevelInfo}
)

// NewLimitedLogger creates a LimitedLogger and installs it as the global logger
func NewLimitedLogger(file *os.File, level LogLevel) *LimitedLogger {
	ll := &LimitedLogger{
		file:     file,
		level:    level,
		maxLines: MaxLogLines,
	}
	ll.countExistingLines()

	globalMu.Lock()
	globalLogger = ll
	globalMu.Unlock()
	return ll
}

func current() *LimitedLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return stderrLogger
}

// SetLevel sets the logging level
func (ll *LimitedLogger) SetLevel(level LogLevel) {
	ll.mutex.Lock()
	defer ll.mutex.Unlock()
	ll.level = level
}

// Enabled reports whether messages at level are written
func (ll *LimitedLogger) Enabled(level LogLevel) bool {
	ll.mutex.Lock()
	defer ll.mutex.Unlock()
	return level >= ll.level
}

func (ll *LimitedLogger) logf(level LogLevel, format string, v ...any) {
	if !ll.Enabled(level) {
		return
	}
	msg := fmt.Sprintf("%s [%s] %s\n", time.Now().Format("2006/01/02 15:04:05"), level, fmt.Sprintf(format, v...))
	ll.Write([]byte(msg))
}

// Write implements io.Writer so the standard log package can be redirected here
func (ll *LimitedLogger) Write(p []byte) (int, error) {
	ll.mutex.Lock()
	defer ll.mutex.Unlock()

	n, err := ll.file.Write(p)
	if err != nil {
		return n, err
	}

	ll.lineCount += strings.Count(string(p), "\n")
	if ll.maxLines > 0 && ll.lineCount > ll.maxLines {
		ll.trim()
	}
	return n, nil
}

// countExistingLines counts lines already in the file so trimming accounts for them
func (ll *LimitedLogger) countExistingLines() {
	ll.mutex.Lock()
	defer ll.mutex.Unlock()

	if _, err := ll.file.Seek(0, 0); err != nil {
		return
	}
	scanner := bufio.NewScanner(ll.file)
	count := 0
	for scanner.Scan() {
		count++
	}
	ll.lineCount = count
	ll.file.Seek(0, 2)
}

// trim rewrites the file with its last maxLines lines. Caller must hold ll.mutex.
func (ll *LimitedLogger) trim() {
	if _, err := ll.file.Seek(0, 0); err != nil {
		return
	}
	scanner := bufio.NewScanner(ll.file)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) > ll.maxLines {
		lines = lines[len(lines)-ll.maxLines:]
	}

	ll.file.Truncate(0)
	ll.file.Seek(0, 0)
	w := bufio.NewWriter(ll.file)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	w.Flush()
	ll.lineCount = len(lines)
}

// Close closes the underlying file and reverts to stderr logging
func (ll *LimitedLogger) Close() error {
	globalMu.Lock()
	if globalLogger == ll {
		globalLogger = nil
	}
	globalMu.Unlock()
	return ll.file.Close()
}

func Debug(format string, v ...any) { current().logf(LogLevelDebug, format, v...) }
func Info(format string, v ...any)  { current().logf(LogLevelInfo, format, v...) }
func Warn(format string, v ...any)  { current().logf(LogLevelWarn, format, v...) }
func Error(format string, v ...any) { current().logf(LogLevelError, format, v...) }

// Fatal logs at error level and exits with code 1
func Fatal(format string, v ...any) {
	current().logf(LogLevelError, format, v...)
	os.Exit(1)
}

var noop = func() {}

// Trace returns a function that logs the elapsed time when called.
// Usage: defer logger.Trace("operation")()
func Trace(name string) func() {
	ll := current()
	if !ll.Enabled(LogLevelTrace) {
		return noop
	}
	start := time.Now()
	return func() {
		ll.logf(LogLevelTrace, "%s: %v", name, time.Since(start))
	}
}

// Prefixed logs through the global logger with a fixed prefix
type Prefixed struct {
	prefix string
}

// With returns a logger that prefixes every message, e.g. with a session id
func With(prefix string) Prefixed {
	return Prefixed{prefix: "[" + prefix + "] "}
}

func (p Prefixed) Debug(format string, v ...any) { Debug(p.prefix+format, v...) }
func (p Prefixed) Info(format string, v ...any)  { Info(p.prefix+format, v...) }
func (p Prefixed) Warn(format string, v ...any)  { Warn(p.prefix+format, v...) }
func (p Prefixed) Error(format string, v ...any) { Error(p.prefix+format, v...) }
