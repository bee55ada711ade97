// Package sklog defines the leveled logging functions (Debugf, Infof, etc.)
// used throughout this repo. Output goes to stderr; the minimum severity is
// settable at process start from configuration.
package sklog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Severity of a log line.
type Severity int

const (
	DEBUG Severity = iota
	INFO
	WARNING
	ERROR
	FATAL
)

var severityNames = map[Severity]string{
	DEBUG:   "DEBUG",
	INFO:    "INFO",
	WARNING: "WARNING",
	ERROR:   "ERROR",
	FATAL:   "FATAL",
}

var (
	mtx         sync.Mutex
	out         io.Writer = os.Stderr
	minSeverity           = INFO
)

// SetMinSeverity sets the lowest severity which will be emitted.
func SetMinSeverity(s Severity) {
	mtx.Lock()
	defer mtx.Unlock()
	minSeverity = s
}

// SetLogLevel sets the minimum severity from a configuration string, one of
// "debug", "info", "warning", "error". Unknown values leave the level
// unchanged and log a warning.
func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		SetMinSeverity(DEBUG)
	case "info":
		SetMinSeverity(INFO)
	case "warning":
		SetMinSeverity(WARNING)
	case "error":
		SetMinSeverity(ERROR)
	default:
		Warningf("Unknown log level %q; keeping current level", level)
	}
}

// SetOutput redirects log output, eg. to a per-execution log file. Returns a
// function which restores the previous writer.
func SetOutput(w io.Writer) func() {
	mtx.Lock()
	defer mtx.Unlock()
	prev := out
	out = w
	return func() {
		mtx.Lock()
		defer mtx.Unlock()
		out = prev
	}
}

func logf(depth int, s Severity, format string, args ...interface{}) {
	mtx.Lock()
	defer mtx.Unlock()
	if s < minSeverity {
		return
	}
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		file, line = "???", 0
	} else if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
		file = file[idx+1:]
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
	fmt.Fprintf(out, "%s %s %s:%d %s\n", severityNames[s], ts, file, line, msg)
}

func Debugf(format string, args ...interface{}) {
	logf(1, DEBUG, format, args...)
}

func Infof(format string, args ...interface{}) {
	logf(1, INFO, format, args...)
}

func Warningf(format string, args ...interface{}) {
	logf(1, WARNING, format, args...)
}

func Errorf(format string, args ...interface{}) {
	logf(1, ERROR, format, args...)
}

// Error logs the given error at ERROR severity.
func Error(err error) {
	logf(1, ERROR, "%s", err)
}

// Fatalf logs and then exits the process with a non-zero code.
func Fatalf(format string, args ...interface{}) {
	logf(1, FATAL, format, args...)
	os.Exit(255)
}

// Fatal logs the given values and then exits the process.
func Fatal(args ...interface{}) {
	logf(1, FATAL, "%s", fmt.Sprint(args...))
	os.Exit(255)
}
