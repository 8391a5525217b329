package route

import (
	"errors"
	"fmt"
)

// Transport-level send failures, shared vocabulary between the mesh and the
// dispatchers that map them onto error codes.
var (
	// ErrPeerQueueFull: очередь отправки пира переполнена.
	ErrPeerQueueFull = errors.New("route: peer send queue full")
	// ErrPeerUnavailable: пир не известен или соединение мертво.
	ErrPeerUnavailable = errors.New("route: peer unavailable")
)

// SendErrorCode maps a transport send failure onto the wire taxonomy.
func SendErrorCode(err error) ErrorCode {
	if err == nil {
		return Success
	}
	if errors.Is(err, ErrPeerQueueFull) {
		return BufferOverflow
	}
	return ConnectionFailed
}

// ErrorCode is the shared failure taxonomy. Codes cross process boundaries
// unchanged: the same values appear in client response frames and in routed
// reply headers.
type ErrorCode uint16

const (
	Success          ErrorCode = 0
	ConnectionClosed ErrorCode = 1
	ConnectionFailed ErrorCode = 2
	EncodeFailed     ErrorCode = 3
	DecodeFailed     ErrorCode = 4
	RequestTimeout   ErrorCode = 5
	InvalidResponse  ErrorCode = 6
	StageNotFound    ErrorCode = 7
	HandlerNotFound  ErrorCode = 8
	Unauthorized     ErrorCode = 9
	BufferOverflow   ErrorCode = 10
	Disabled         ErrorCode = 11
)

func (e ErrorCode) String() string {
	switch e {
	case Success:
		return "success"
	case ConnectionClosed:
		return "connection closed"
	case ConnectionFailed:
		return "connection failed"
	case EncodeFailed:
		return "encode failed"
	case DecodeFailed:
		return "decode failed"
	case RequestTimeout:
		return "request timeout"
	case InvalidResponse:
		return "invalid response"
	case StageNotFound:
		return "stage not found"
	case HandlerNotFound:
		return "handler not found"
	case Unauthorized:
		return "unauthorized"
	case BufferOverflow:
		return "buffer overflow"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// IsSuccess is sugar for comparisons in handler code.
func (e ErrorCode) IsSuccess() bool { return e == Success }

// CodedError carries an explicit wire error code out of a user handler. The
// dispatchers unwrap it to pick the code of the automatic error reply.
type CodedError struct {
	Code ErrorCode
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error { return e.Err }

// Coded wraps err with the wire code a failure reply should carry.
func Coded(code ErrorCode, err error) error {
	return &CodedError{Code: code, Err: err}
}

// CodeOf extracts the wire code from err, falling back when none is set.
func CodeOf(err error, fallback ErrorCode) ErrorCode {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return fallback
}
