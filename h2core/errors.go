package h2core

import (
	"errors"
	"fmt"
	"reflect"
)

// errorCode mirrors the HTTP/2 error code space (RFC 7540 §7) that the
// session hands back to the codec so it can decide whether to RST_STREAM
// or tear down the whole connection.
type errorCode uint32

const (
	errNo                errorCode = 0x0
	errProtocol          errorCode = 0x1
	errInternal          errorCode = 0x2
	errFlowControl       errorCode = 0x3
	errSettingsTimeout    errorCode = 0x4
	errStreamClosed      errorCode = 0x5
	errFrameSize         errorCode = 0x6
	errRefusedStream     errorCode = 0x7
	errCancel            errorCode = 0x8
	errCompression       errorCode = 0x9
	errConnect           errorCode = 0xa
	errEnhanceYourCalm   errorCode = 0xb
	errInadequateSecurity errorCode = 0xc
	errHTTP11Required    errorCode = 0xd
)

// invalidStreamID / invalidStreamState are not wire error codes; they are
// the sentinel results the session's callbacks return to the codec when a
// frame references a stream that cannot accept it. The codec maps both to
// a stream or connection error as it sees fit.
var (
	errInvalidStreamID    = newH2Error(errProtocol, "no such stream")
	errInvalidStreamState = newH2Error(errProtocol, "stream not in a state that accepts this frame")
	errWouldBlock         = errors.New("h2core: would block")
	errDeferred           = errors.New("h2core: body pull deferred, awaiting resume")
)

// h2Error is the in-band wire error: a protocol-level failure the codec
// is told about via an error code plus a human-readable reason, exactly
// the shape the teacher's h2Error played in the hand-rolled codec, kept
// here for everything that still flows across the SessionCallbacks
// boundary.
type h2Error struct {
	code errorCode
	msg  string
}

var _ error = (*h2Error)(nil)

func newH2Error(code errorCode, format string, a ...interface{}) *h2Error {
	return &h2Error{code: code, msg: fmt.Sprintf(format, a...)}
}

func (e *h2Error) Error() string {
	return e.msg
}

func (e *h2Error) Code() errorCode {
	return e.code
}

func isFatal(err error) bool {
	if err == nil {
		return false
	}
	var h2 *h2Error
	if errors.As(err, &h2) {
		// Stream-scoped protocol errors are not fatal to the connection;
		// everything else (internal, flow control at the connection
		// level, compression) is.
		return h2.code != errStreamClosed && h2.code != errRefusedStream
	}
	return !errors.Is(err, errWouldBlock) && !errors.Is(err, errDeferred)
}

// ErrContext and Error[C] give host-facing lifecycle errors (listener
// setup, TLS handshake, config validation, h2c upgrade) a typed,
// errors.As-friendly shape instead of ad hoc fmt.Errorf chains.
type ErrContext interface {
	message() string
}

type Error[C ErrContext] struct {
	Inner   error
	Context C
}

func (e Error[C]) Unwrap() error {
	return e.Inner
}

func (e Error[C]) Error() string {
	msg := e.Context.message()
	if e.Inner != nil {
		return fmt.Sprintf("%s: %v", msg, e.Inner)
	}
	return msg
}

func (e Error[C]) Is(other error) bool {
	return reflect.TypeOf(e) == reflect.TypeOf(other)
}

type ErrListen = Error[ListenContext]
type ListenContext struct{ Addr string }

func (c ListenContext) message() string {
	return fmt.Sprintf("failed to listen on %q", c.Addr)
}

type ErrHandshake = Error[HandshakeContext]
type HandshakeContext struct{ Remote string }

func (c HandshakeContext) message() string {
	return fmt.Sprintf("TLS handshake with %s failed", c.Remote)
}

type ErrUpgrade = Error[UpgradeContext]
type UpgradeContext struct{ Reason string }

func (c UpgradeContext) message() string {
	return fmt.Sprintf("h2c upgrade rejected: %s", c.Reason)
}

type ErrConfig = Error[ConfigContext]
type ConfigContext struct{ Field string }

func (c ConfigContext) message() string {
	return fmt.Sprintf("invalid configuration for %s", c.Field)
}
