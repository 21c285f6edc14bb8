// Package driver is the narrow, typed adapter over go-rod that the
// rest of the core drives real browsers through. It owns browser
// subprocess lifecycle; nothing outside this package talks CDP.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies driver failures for the error taxonomy.
type ErrorKind string

const (
	KindLaunchFailed     ErrorKind = "LaunchFailed"
	KindTimeout          ErrorKind = "Timeout"
	KindNavigationFailed ErrorKind = "NavigationFailed"
	KindElementNotFound  ErrorKind = "ElementNotFound"
	KindEvaluationFailed ErrorKind = "EvaluationFailed"
	KindContextClosed    ErrorKind = "ContextClosed"
	KindDriverCrash      ErrorKind = "DriverCrash"
)

// OpError carries the triggering operation name alongside the kind so
// failures stay diagnosable after crossing layers.
type OpError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op string, kind ErrorKind, err error) *OpError {
	return &OpError{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the driver error kind, or empty for foreign errors.
func KindOf(err error) ErrorKind {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// classify maps raw rod/CDP errors onto the taxonomy. Timeouts and
// missing elements come back from rod as context errors and
// not-found errors respectively.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return opErr(op, KindTimeout, err)
	case isNotFound(err):
		return opErr(op, KindElementNotFound, err)
	case isClosed(err):
		return opErr(op, KindContextClosed, err)
	default:
		return opErr(op, KindNavigationFailed, err)
	}
}

func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "cannot find element") ||
		strings.Contains(msg, "not found")
}

func isClosed(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "target closed") ||
		strings.Contains(msg, "session closed") ||
		strings.Contains(msg, "websocket: close")
}
