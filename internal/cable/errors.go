package cable

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned by a Connector to reject a connection.
	ErrUnauthorized = fmt.Errorf("unauthorized connection")

	ErrProtocol          = fmt.Errorf("protocol error")
	ErrSubscription      = fmt.Errorf("subscription error")
	ErrUnknownAction     = fmt.Errorf("unknown action")
	ErrBus               = fmt.Errorf("pubsub error")
	ErrTransport         = fmt.Errorf("transport error")
	ErrIdentifiersFrozen = fmt.Errorf("connection identifiers are frozen")
	ErrServerClosed      = fmt.Errorf("cable server closed")
	ErrInvalidIdentifier = fmt.Errorf("invalid connection identifiers")
	ErrWorkerOverload    = fmt.Errorf("worker pool overloaded")
)

const (
	CallbackConnect      = "connect"
	CallbackDisconnect   = "disconnect"
	CallbackSubscribed   = "subscribed"
	CallbackUnsubscribed = "unsubscribed"
	CallbackPerform      = "perform"
	CallbackStream       = "stream"
	CallbackPeriodic     = "periodic"
	CallbackJob          = "job"
)

// CallbackError wraps an error returned or a panic raised by application code.
type CallbackError struct {
	Callback string
	Channel  string
	Action   string
	Err      error
	Panic    any
	Stack    []byte
}

func (e *CallbackError) Error() string {
	where := e.Callback
	if e.Channel != "" {
		where = e.Channel + "#" + where
	}
	if e.Action != "" {
		where += "(" + e.Action + ")"
	}
	if e.Panic != nil {
		return fmt.Sprintf("%s panicked: %v", where, e.Panic)
	}
	return fmt.Sprintf("%s: %v", where, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the connection should be closed because of this error.
// Errors returned by channel callbacks are logged and the connection stays open.
func (e *CallbackError) Fatal() bool {
	return e.Panic != nil || e.Callback == CallbackConnect || e.Callback == CallbackJob
}

// ErrorType classifies failures for instrumentation.
type ErrorType string

const (
	ProtocolError     ErrorType = "protocol"
	SubscriptionError ErrorType = "subscription"
	CallbackFailure   ErrorType = "callback"
	TransportError    ErrorType = "transport"
	BusError          ErrorType = "bus"
)

type ErrorSeverity string

const (
	SeverityInfo     ErrorSeverity = "info"
	SeverityWarning  ErrorSeverity = "warning"
	SeverityError    ErrorSeverity = "error"
	SeverityCritical ErrorSeverity = "critical"
)

func classify(err error) (ErrorType, ErrorSeverity) {
	var cbErr *CallbackError
	switch {
	case errors.As(err, &cbErr):
		if cbErr.Panic != nil {
			return CallbackFailure, SeverityCritical
		}
		return CallbackFailure, SeverityError
	case errors.Is(err, ErrProtocol):
		return ProtocolError, SeverityWarning
	case errors.Is(err, ErrSubscription):
		return SubscriptionError, SeverityWarning
	case errors.Is(err, ErrBus):
		return BusError, SeverityError
	default:
		return TransportError, SeverityError
	}
}
