package agent

import (
	"errors"
	"fmt"

	"github.com/quillon/liveagent/internal/playback"
	"github.com/quillon/liveagent/internal/protocol"
)

// Code classifies orchestrator errors for callers that present them.
type Code string

const (
	// CodeConnection covers transport failures to open or maintain the
	// session, including errors the remote reports over it.
	CodeConnection Code = "connection"

	// CodeDeviceUnavailable covers audio, camera or microphone devices that
	// could not be acquired or resumed.
	CodeDeviceUnavailable Code = "device_unavailable"

	// CodeProtocolViolation covers misuse of the send contract.
	CodeProtocolViolation Code = "protocol_violation"

	// CodeToolExecution covers tool runs that failed locally.
	CodeToolExecution Code = "tool_execution"

	// CodeCaptureFailure covers frame capture sessions, from a single failed
	// grab up to threshold-triggered shutdown.
	CodeCaptureFailure Code = "capture_failure"
)

// Error is the orchestrator's error surface: a stable code for presentation
// plus the underlying cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// codeFor maps well-known causes onto their taxonomy code, falling back to
// the given code for everything else.
func codeFor(err error, fallback Code) Code {
	switch {
	case errors.Is(err, playback.ErrDeviceUnavailable):
		return CodeDeviceUnavailable
	case errors.Is(err, protocol.ErrProtocolViolation):
		return CodeProtocolViolation
	default:
		return fallback
	}
}
