package cable

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Hook receives an Event, ConnectionEvent or ErrorEvent.
type Hook func(any)

const (
	EventPerformAction        = "perform_action"
	EventTransmit             = "transmit"
	EventConfirmSubscription  = "transmit_subscription_confirmation"
	EventRejectSubscription   = "transmit_subscription_rejection"
	EventBroadcast            = "broadcast"
	EventWork                 = "work"
	ConnectionEventConnect    = "connect"
	ConnectionEventDisconnect = "disconnect"
	ConnectionEventReject     = "reject"
)

// Event is an instrumentation event for a single operation.
type Event struct {
	Name         string        `json:"name"`
	Channel      string        `json:"channel,omitempty"`
	Action       string        `json:"action,omitempty"`
	Broadcasting string        `json:"broadcasting,omitempty"`
	Connection   string        `json:"connection,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// ConnectionEvent is emitted on connection lifecycle changes.
type ConnectionEvent struct {
	EventType   string    `json:"eventType"`
	Connection  string    `json:"connection"`
	Identifier  string    `json:"identifier,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// ErrorEvent represents a single failure.
type ErrorEvent struct {
	Type       ErrorType     `json:"type"`
	Severity   ErrorSeverity `json:"severity"`
	Connection string        `json:"connection,omitempty"`
	Message    string        `json:"message"`
	Error      error         `json:"-"`
	StackTrace string        `json:"stackTrace,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Hooks fans instrumentation out to registered observers. Hooks run inline
// on the calling goroutine and must not block.
type Hooks struct {
	eventHooks      []Hook
	connectionHooks []Hook
	errorHooks      []Hook

	mu sync.RWMutex
}

func NewHooks() *Hooks {
	return &Hooks{
		eventHooks:      make([]Hook, 0),
		connectionHooks: make([]Hook, 0),
		errorHooks:      make([]Hook, 0),
	}
}

func (h *Hooks) AddEventHook(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eventHooks = append(h.eventHooks, hook)
}

func (h *Hooks) AddConnectionHook(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectionHooks = append(h.connectionHooks, hook)
}

func (h *Hooks) AddErrorHook(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorHooks = append(h.errorHooks, hook)
}

func (h *Hooks) instrument(event Event) {
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	h.trigger(h.snapshot(&h.eventHooks), event)
}

func (h *Hooks) connection(event ConnectionEvent) {
	if h == nil {
		return
	}
	event.Timestamp = time.Now()
	h.trigger(h.snapshot(&h.connectionHooks), event)
}

func (h *Hooks) error(connection string, err error, stack []byte) {
	if h == nil {
		return
	}
	errType, severity := classify(err)
	h.trigger(h.snapshot(&h.errorHooks), ErrorEvent{
		Type:       errType,
		Severity:   severity,
		Connection: connection,
		Message:    err.Error(),
		Error:      err,
		StackTrace: string(stack),
		Timestamp:  time.Now(),
	})
}

// ReportBusError reports a failure of the pub/sub adapter outside any connection.
func (h *Hooks) ReportBusError(op string, err error) {
	h.error("", fmt.Errorf("%w: %s: %w", ErrBus, op, err), nil)
}

func (h *Hooks) snapshot(list *[]Hook) []Hook {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(*list) == 0 {
		return nil
	}
	hooks := make([]Hook, len(*list))
	copy(hooks, *list)
	return hooks
}

func (h *Hooks) trigger(hooks []Hook, event any) {
	for _, hook := range hooks {
		hook(event)
	}
}

// LoggingHook logs every event it receives at debug level.
func LoggingHook(logger *slog.Logger) Hook {
	return func(event any) {
		switch e := event.(type) {
		case Event:
			logger.Debug("cable event", "name", e.Name, "channel", e.Channel, "action", e.Action,
				"broadcasting", e.Broadcasting, "duration", e.Duration)
		case ConnectionEvent:
			logger.Debug("cable connection", "event", e.EventType, "connection", e.Connection, "identifier", e.Identifier)
		case ErrorEvent:
			logger.Debug("cable error", "type", e.Type, "severity", e.Severity, "message", e.Message)
		}
	}
}
