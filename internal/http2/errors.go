package http2

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrorCode is an HTTP/2 error code as carried by RST_STREAM and GOAWAY.
type ErrorCode uint32

// HTTP/2 error codes from RFC 7540 Section 7.
const (
	ErrCodeNoError            ErrorCode = 0x0
	ErrCodeProtocolError      ErrorCode = 0x1
	ErrCodeInternalError      ErrorCode = 0x2
	ErrCodeFlowControlError   ErrorCode = 0x3
	ErrCodeSettingsTimeout    ErrorCode = 0x4
	ErrCodeStreamClosed       ErrorCode = 0x5
	ErrCodeFrameSizeError     ErrorCode = 0x6
	ErrCodeRefusedStream      ErrorCode = 0x7
	ErrCodeCancel             ErrorCode = 0x8
	ErrCodeCompressionError   ErrorCode = 0x9
	ErrCodeConnectError       ErrorCode = 0xa
	ErrCodeEnhanceYourCalm    ErrorCode = 0xb
	ErrCodeInadequateSecurity ErrorCode = 0xc
	ErrCodeHTTP11Required     ErrorCode = 0xd
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeNoError:            "NO_ERROR",
	ErrCodeProtocolError:      "PROTOCOL_ERROR",
	ErrCodeInternalError:      "INTERNAL_ERROR",
	ErrCodeFlowControlError:   "FLOW_CONTROL_ERROR",
	ErrCodeSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrCodeStreamClosed:       "STREAM_CLOSED",
	ErrCodeFrameSizeError:     "FRAME_SIZE_ERROR",
	ErrCodeRefusedStream:      "REFUSED_STREAM",
	ErrCodeCancel:             "CANCEL",
	ErrCodeCompressionError:   "COMPRESSION_ERROR",
	ErrCodeConnectError:       "CONNECT_ERROR",
	ErrCodeEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrCodeInadequateSecurity: "INADEQUATE_SECURITY",
	ErrCodeHTTP11Required:     "HTTP_1_1_REQUIRED",
}

// String returns the RFC name of the code.
func (e ErrorCode) String() string {
	if name, ok := errorCodeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", uint32(e))
}

// Results of stream channel operations that are not data. Callers branch on
// them with errors.Is.
var (
	// ErrAborted reports that the stream was reset. It is terminal for both
	// directions. The reset code is available through ResetCode.
	ErrAborted = errors.New("stream aborted")

	// ErrAlreadyClosed reports a write to a direction that has already been
	// closed. The other direction is unaffected.
	ErrAlreadyClosed = errors.New("stream direction already closed")

	// ErrWouldBlock reports that no progress is possible right now. It is not
	// a failure: retry once the other side has acted.
	ErrWouldBlock = errors.New("operation would block")

	// ErrEndOfStream reports that the input is exhausted and no more will
	// arrive. It is io.EOF so request bodies read naturally.
	ErrEndOfStream = io.EOF
)

// StreamError is an error confined to one stream.
type StreamError struct {
	StreamID uint32
	Code     ErrorCode
	Msg      string
	Cause    error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream error on stream %d: %s (code %s, %d): %s", e.StreamID, e.Msg, e.Code, uint32(e.Code), e.Cause)
	}
	return fmt.Sprintf("stream error on stream %d: %s (code %s, %d)", e.StreamID, e.Msg, e.Code, uint32(e.Code))
}

func (e *StreamError) Unwrap() error { return e.Cause }

// NewStreamError creates a StreamError without an underlying cause.
func NewStreamError(streamID uint32, code ErrorCode, msg string) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg}
}

// NewStreamErrorWithCause creates a StreamError wrapping cause.
func NewStreamErrorWithCause(streamID uint32, code ErrorCode, msg string, cause error) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg, Cause: cause}
}

// ConnectionError is an error that takes down the whole session.
type ConnectionError struct {
	LastStreamID uint32
	Code         ErrorCode
	Msg          string
	Cause        error
	// DebugData is sent as GOAWAY additional debug data. Keep it free of
	// anything sensitive.
	DebugData []byte
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s (last_stream_id %d, code %s, %d): %s", e.Msg, e.LastStreamID, e.Code, uint32(e.Code), e.Cause)
	}
	return fmt.Sprintf("connection error: %s (last_stream_id %d, code %s, %d)", e.Msg, e.LastStreamID, e.Code, uint32(e.Code))
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// NewConnectionError creates a ConnectionError without an underlying cause.
func NewConnectionError(code ErrorCode, msg string) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg}
}

// NewConnectionErrorWithCause creates a ConnectionError wrapping cause.
func NewConnectionErrorWithCause(code ErrorCode, msg string, cause error) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg, Cause: cause}
}

// abortedError is what every operation on a reset stream returns.
func abortedError(streamID uint32, code ErrorCode) *StreamError {
	return NewStreamErrorWithCause(streamID, code, "stream was reset", ErrAborted)
}

// closedError is returned for writes after the direction was closed.
func closedError(streamID uint32, direction string) *StreamError {
	return NewStreamErrorWithCause(streamID, ErrCodeStreamClosed, direction+" already closed", ErrAlreadyClosed)
}

// ResetCode returns the error code to put on the wire for err: the code of a
// StreamError or ConnectionError anywhere in its chain, ErrCodeCancel for
// context cancellation, and ErrCodeInternalError for anything else. A nil
// error maps to ErrCodeNoError.
func ResetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeNoError
	}
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeCancel
	}
	return ErrCodeInternalError
}
