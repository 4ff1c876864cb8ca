package relay

import (
	"errors"
	"fmt"
)

// ErrUnknownRequest is returned for request types the relay does not handle.
var ErrUnknownRequest = errors.New("relay: unknown request type")

// ErrClosed is returned by sessions and brokers after Close.
var ErrClosed = errors.New("relay: closed")

// Failure is a protocol-level rejection. Transports map it to an error frame.
type Failure struct {
	Code   string
	Detail string
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Failure codes.
const (
	CodeInvalidRoutingKey = "invalid_routing_key"
	CodeInvalidRequest    = "invalid_request"
	CodeUnknownRequest    = "unknown_request"
	CodeInternal          = "internal"
)

func invalid(format string, args ...any) Failure {
	return Failure{Code: CodeInvalidRequest, Detail: fmt.Sprintf(format, args...)}
}

// AsFailure maps err to the Failure a client should see.
func AsFailure(err error) Failure {
	var f Failure
	switch {
	case errors.As(err, &f):
		return f
	case errors.Is(err, ErrUnknownRequest):
		return Failure{Code: CodeUnknownRequest, Detail: err.Error()}
	default:
		return Failure{Code: CodeInternal, Detail: "request failed"}
	}
}
