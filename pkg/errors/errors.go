package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrRoomNotJoined      = errors.New("room not joined")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrAuthRejected       = errors.New("auth rejected")
	ErrNetwork            = errors.New("network unreachable")
	ErrNotConnected       = errors.New("not connected")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrAckTimeout         = errors.New("ack timeout")
	ErrClosed             = errors.New("engine closed")
	ErrTeardownIncomplete = errors.New("teardown incomplete: outbox not drained")
)

// Коды ошибок на проводе (поле error/errorCode в ack)
const (
	CodeNotFound         = "not_found"
	CodePermissionDenied = "permission_denied"
	CodeRoomNotJoined    = "room_not_joined"
	CodeInvalidArgument  = "invalid_argument"
	CodeUnauthorized     = "unauthorized"
	CodeInternal         = "internal"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindProtocol
	KindApplication
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindApplication:
		return "application"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error - типизированная ошибка движка.
// Fatal имеет смысл только для KindConnection: auth rejection и Failed не ретраятся.
type Error struct {
	Kind  Kind
	Op    string
	Code  string
	Err   error
	Fatal bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Connection(op string, err error, fatal bool) *Error {
	return &Error{Kind: KindConnection, Op: op, Err: err, Fatal: fatal}
}

func Protocol(op string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

func Application(op, code string, err error) *Error {
	return &Error{Kind: KindApplication, Op: op, Code: code, Err: err}
}

func Timeout(op string) *Error {
	return &Error{Kind: KindTimeout, Op: op, Err: ErrAckTimeout}
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrRoomNotJoined):
		return CodeRoomNotJoined
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	default:
		return CodeInternal
	}
}

// IsRetryable: timeout, протокольные и нефатальные сетевые ошибки повторяются,
// прикладные - никогда.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindTimeout, KindProtocol:
		return true
	case KindConnection:
		return !e.Fatal
	default:
		return false
	}
}

func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindApplication || (e.Kind == KindConnection && e.Fatal)
	}
	return false
}

// FromCode превращает код ошибки из ack в прикладную ошибку
func FromCode(op, code, message string) error {
	var base error
	switch code {
	case CodeNotFound:
		base = ErrNotFound
	case CodePermissionDenied:
		base = ErrPermissionDenied
	case CodeRoomNotJoined:
		base = ErrRoomNotJoined
	case CodeInvalidArgument:
		base = ErrInvalidArgument
	case CodeUnauthorized:
		return Connection(op, fmt.Errorf("%w: %s", ErrAuthRejected, message), true)
	default:
		if message == "" {
			message = "rejected by server"
		}
		return Application(op, CodeInternal, errors.New(message))
	}
	if message != "" {
		return Application(op, code, fmt.Errorf("%w: %s", base, message))
	}
	return Application(op, code, base)
}

// HTTPStatusFromError: код прикладной ошибки важнее обернутого sentinel
func HTTPStatusFromError(err error) int {
	if errors.Is(err, ErrAuthRejected) {
		return http.StatusUnauthorized
	}
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodePermissionDenied, CodeRoomNotJoined:
		return http.StatusForbidden
	case CodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
