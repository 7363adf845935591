// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy shared by the reactor, the connection driver, the framing
// adapter and the facade. Every distinct outcome a caller must be able to
// tell apart has its own sentinel; Classify folds them into the four
// classes callers actually act on.

package api

import (
	"errors"
	"fmt"
)

// Transport I/O.
var (
	ErrWouldBlock = errors.New("operation would block")
	ErrTransport  = errors.New("transport i/o failure")
)

// Protocol engine.
var (
	// ErrWriteMore is returned by Engine.WriteStream when the engine wants
	// another call before a packet is finalized. It never reaches callers.
	ErrWriteMore   = errors.New("engine: write more")
	ErrEngine      = errors.New("engine failure")
	ErrStreamLimit = errors.New("engine: no stream credit")
)

// Framing.
var (
	ErrMalformedLength = errors.New("framing: malformed remaining length")
	ErrFrameOverflow   = errors.New("framing: frame buffer overflow")
	ErrFrameTooLarge   = errors.New("framing: declared frame exceeds buffer capacity")
	ErrRingOverflow    = errors.New("framing: receive ring overflow")
)

// Concurrency and availability.
var (
	ErrBusy           = errors.New("guard busy, try again")
	ErrReentrant      = errors.New("reentrant call rejected")
	ErrNotEstablished = errors.New("connection not established")
	ErrNoData         = errors.New("no data available")
	ErrUnavailable    = errors.New("transport unavailable")
	ErrSendQueueFull  = errors.New("stream send queue full")
)

// Lifecycle and registration.
var (
	ErrClosed            = errors.New("connection closed")
	ErrLoopClosed        = errors.New("reactor loop closed")
	ErrWatcherTableFull  = errors.New("reactor watcher table full")
	ErrAlreadyRegistered = errors.New("file descriptor already registered")
	ErrNotRegistered     = errors.New("watcher not registered")
	ErrNotSupported      = fmt.Errorf("operation not supported")
	ErrInvalidArgument   = fmt.Errorf("invalid argument")
)

// Class groups errors by what the caller should do next.
type Class int

const (
	// ClassNone is a nil error.
	ClassNone Class = iota
	// ClassRetry: nothing changed, call again later.
	ClassRetry
	// ClassSendFailed: the current operation failed, the connection is intact.
	ClassSendFailed
	// ClassFatal: the connection is closing or closed.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetry:
		return "retry"
	case ClassSendFailed:
		return "send-failed"
	case ClassFatal:
		return "fatal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classify maps err onto a Class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrBusy),
		errors.Is(err, ErrReentrant),
		errors.Is(err, ErrNoData),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrNotEstablished),
		errors.Is(err, ErrSendQueueFull),
		errors.Is(err, ErrWouldBlock):
		return ClassRetry
	case errors.Is(err, ErrMalformedLength),
		errors.Is(err, ErrFrameOverflow),
		errors.Is(err, ErrFrameTooLarge),
		errors.Is(err, ErrInvalidArgument):
		return ClassSendFailed
	default:
		return ClassFatal
	}
}

// IsRetryable reports whether err leaves all state unchanged.
func IsRetryable(err error) bool { return Classify(err) == ClassRetry }

// IsFatal reports whether err ended the connection.
func IsFatal(err error) bool { return Classify(err) == ClassFatal }

// ErrorCode identifies an engine-level failure reason carried in a
// connection-close packet.
type ErrorCode uint64

const (
	CodeNoError ErrorCode = iota
	CodeInternal
	CodeConnectionRefused
	CodeFlowControl
	CodeStreamLimit
	CodeStreamState
	CodeFinalSize
	CodeFrameEncoding
	CodeTransportParameter
	CodeConnectionIDLimit
	CodeProtocolViolation
	CodeInvalidToken
	CodeApplication
	CodeCryptoBufferExceeded
	CodeKeyUpdate
	CodeAEADLimitReached
	CodeNoViablePath
	CodeIdleTimeout ErrorCode = 0x100
)

// EngineError is a failure reported by the transport engine. Alert is a
// non-zero TLS alert when the failure came from the handshake.
type EngineError struct {
	Code   ErrorCode
	Alert  uint8
	Reason string
}

func (e *EngineError) Error() string {
	if e.Alert != 0 {
		return fmt.Sprintf("engine: %s (code=%#x alert=%d)", e.Reason, uint64(e.Code), e.Alert)
	}
	return fmt.Sprintf("engine: %s (code=%#x)", e.Reason, uint64(e.Code))
}

// Unwrap ties every engine error to ErrEngine.
func (e *EngineError) Unwrap() error { return ErrEngine }

// CloseError is the reason recorded for the connection-close packet.
type CloseError struct {
	Code        ErrorCode
	Application bool
	Alert       uint8
	Reason      string
}

// CloseErrorFrom derives a close reason from any error. Engine errors keep
// their code and alert; everything else becomes an internal error.
func CloseErrorFrom(err error) CloseError {
	var ee *EngineError
	if errors.As(err, &ee) {
		return CloseError{Code: ee.Code, Alert: ee.Alert, Reason: ee.Reason}
	}
	if err == nil {
		return CloseError{Code: CodeNoError}
	}
	return CloseError{Code: CodeInternal, Reason: err.Error()}
}
