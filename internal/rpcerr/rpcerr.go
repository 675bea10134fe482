// Package rpcerr maps the gateway's error taxonomy onto JSON-RPC error codes
// and HTTP status codes.
package rpcerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindParse
	KindInvalidRequest
	KindMethodNotFound
	KindInvalidParams
	KindNotFound
	KindAuthenticationRequired
	KindAuthorizationFailed
	KindRateLimited
)

// Wire codes. The negative 32xxx range below -32099 is reserved by JSON-RPC;
// the server-defined codes live in -32000..-32099.
const (
	CodeParseError             = -32700
	CodeInvalidRequest         = -32600
	CodeMethodNotFound         = -32601
	CodeInvalidParams          = -32602
	CodeInternalError          = -32603
	CodeAuthenticationRequired = -32001
	CodeNotFound               = -32002
	CodeAuthorizationFailed    = -32003
	CodeRateLimited            = -32029
)

var kindNames = map[Kind]string{
	KindInternal:               "INTERNAL_ERROR",
	KindParse:                  "PARSE_ERROR",
	KindInvalidRequest:         "INVALID_REQUEST",
	KindMethodNotFound:         "METHOD_NOT_FOUND",
	KindInvalidParams:          "INVALID_PARAMS",
	KindNotFound:               "NOT_FOUND",
	KindAuthenticationRequired: "AUTHENTICATION_REQUIRED",
	KindAuthorizationFailed:    "AUTHORIZATION_FAILED",
	KindRateLimited:            "RATE_LIMITED",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "UNKNOWN"
}

// Code returns the JSON-RPC error code for k.
func (k Kind) Code() int {
	switch k {
	case KindParse:
		return CodeParseError
	case KindInvalidRequest:
		return CodeInvalidRequest
	case KindMethodNotFound:
		return CodeMethodNotFound
	case KindInvalidParams:
		return CodeInvalidParams
	case KindNotFound:
		return CodeNotFound
	case KindAuthenticationRequired:
		return CodeAuthenticationRequired
	case KindAuthorizationFailed:
		return CodeAuthorizationFailed
	case KindRateLimited:
		return CodeRateLimited
	default:
		return CodeInternalError
	}
}

// Status returns the HTTP status for k.
func (k Kind) Status() int {
	switch k {
	case KindParse, KindInvalidRequest, KindInvalidParams:
		return http.StatusBadRequest
	case KindMethodNotFound, KindNotFound:
		return http.StatusNotFound
	case KindAuthenticationRequired:
		return http.StatusUnauthorized
	case KindAuthorizationFailed:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified gateway error. Data is rendered into the wire
// error's data member.
type Error struct {
	Kind    Kind
	Message string
	Data    any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause. The cause is kept for logging but never rendered.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithData returns a copy of e carrying data.
func (e *Error) WithData(data any) *Error {
	cp := *e
	cp.Data = data
	return &cp
}

// From classifies an arbitrary error. Unclassified errors become internal
// errors whose message is the error string and nothing more.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: err.Error(), cause: err}
}

// Panic converts a recovered panic value into an internal error.
func Panic(v any) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", cause: fmt.Errorf("panic: %v", v)}
}

// KindOf reports the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	if e := From(err); e != nil {
		return e.Kind
	}
	return KindInternal
}
