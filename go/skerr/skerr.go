// Package skerr provides error wrapping which records the call site of the
// wrap. Errors returned across package boundaries should be wrapped exactly
// once per stack frame so that the resulting message reads as a call chain.
package skerr

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// wrapped is an error annotated with the file and line of the caller that
// wrapped it, plus an optional message.
type wrapped struct {
	cause   error
	msg     string
	callers string
}

func (w *wrapped) Error() string {
	if w.msg == "" {
		return fmt.Sprintf("%s; at %s", w.cause.Error(), w.callers)
	}
	return fmt.Sprintf("%s: %s; at %s", w.msg, w.cause.Error(), w.callers)
}

func (w *wrapped) Unwrap() error {
	return w.cause
}

func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	// Trim the file path down to the last two elements to keep messages short.
	parts := strings.Split(file, "/")
	if len(parts) > 2 {
		parts = parts[len(parts)-2:]
	}
	return fmt.Sprintf("%s:%d", strings.Join(parts, "/"), line)
}

// Wrap returns an error which records the caller's location and unwraps to
// err. Returns nil if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{cause: err, callers: callSite(2)}
}

// Wrapf is like Wrap but prepends a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &wrapped{cause: err, msg: fmt.Sprintf(format, args...), callers: callSite(2)}
}

// Fmt creates a new error with the caller's location recorded.
func Fmt(format string, args ...interface{}) error {
	return &wrapped{cause: errors.New(fmt.Sprintf(format, args...)), callers: callSite(2)}
}

// Unwrap returns the innermost error in a chain of wrapped errors. If err was
// never wrapped, err itself is returned.
func Unwrap(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
