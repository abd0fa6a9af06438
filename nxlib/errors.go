package nxlib

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error symbols reported by the device inside CommandError. Only the ones
// the driver dispatches on are named here.
const (
	ErrSymbolCaptureTimeout  = "CaptureTimeout"
	ErrSymbolExecutionFailed = "ExecutionFailed"
)

var (
	// ErrPropertyMissing is reported by Tree.GetValue when the requested
	// path does not exist. Callers reading optionally-disabled features
	// are expected to catch it and substitute a sentinel.
	ErrPropertyMissing = errors.New("property does not exist")

	// ErrDataUnavailable is reported by Data accessors when an image node
	// has no binary payload, e.g. before any capture.
	ErrDataUnavailable = errors.New("binary data unavailable")
)

// CommandError is a device-side command failure.
type CommandError struct {
	Command string
	Symbol  string
	Code    int
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %s (%s, code %d)", e.Command, e.Message, e.Symbol, e.Code)
}

// IsTimeout reports whether the failure was an acquisition timeout.
func (e *CommandError) IsTimeout() bool {
	return e.Symbol == ErrSymbolCaptureTimeout
}
