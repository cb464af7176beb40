package cable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"cable-service/internal/cable/pubsub"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Socket is the part of *websocket.Conn a Connection uses.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Subprotocol() string
	Close() error
}

type eventKind int

const (
	eventOpen eventKind = iota
	eventMessage
	eventClose
	eventDisconnect
)

// event is delivered to Connection.handle by the socket goroutines and by
// the internal channel.
type event struct {
	kind      eventKind
	data      []byte
	err       error
	reason    DisconnectReason
	reconnect bool
}

// ConnectionStatistics is a snapshot of one open connection.
type ConnectionStatistics struct {
	ID            string    `json:"id"`
	Identifier    string    `json:"identifier"`
	StartedAt     time.Time `json:"started_at"`
	Subscriptions []string  `json:"subscriptions"`
	RequestID     string    `json:"request_id"`
	LastPingAt    int64     `json:"last_ping_at,omitempty"`
}

// Connection is one client WebSocket. Socket I/O runs on a reader and a
// writer goroutine; every callback runs on the connection's executor.
type Connection struct {
	id        string
	requestID string
	startedAt time.Time

	server        *Server
	socket        Socket
	request       *http.Request
	executor      *Executor
	subscriptions *Subscriptions
	buffer        messageBuffer
	logger        atomic.Pointer[slog.Logger]

	state  atomic.Int32
	opened atomic.Bool
	// connected is set once Connector.Connect succeeds; Disconnect is owed
	// from then on even if the socket closed before the connection opened.
	connected atomic.Bool

	identMu     sync.RWMutex
	identifiers map[string]string
	internal    *pubsub.Subscriber

	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool

	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	teardownOnce sync.Once

	lastPing atomic.Int64
	lastSeen atomic.Int64
}

func newConnection(server *Server, socket Socket, r *http.Request) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	c := &Connection{
		id:          uuid.New().String(),
		requestID:   requestID,
		startedAt:   time.Now(),
		server:      server,
		socket:      socket,
		request:     r,
		identifiers: make(map[string]string),
		send:        make(chan []byte, server.config.SendBufferSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.executor = server.pool.NewExecutor(c)
	c.subscriptions = newSubscriptions(c)
	c.logger.Store(server.logger.With("connection", c.id, "request_id", requestID))
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) RequestID() string { return c.requestID }

func (c *Connection) Request() *http.Request { return c.request }

func (c *Connection) Server() *Server { return c.server }

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) Logger() *slog.Logger { return c.logger.Load() }

func (c *Connection) Subscriptions() *Subscriptions { return c.subscriptions }

// Context is cancelled when the connection is torn down.
func (c *Connection) Context() context.Context { return c.ctx }

// Done is closed once teardown has finished.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Identify sets a connection identifier. Identifiers can only be set while
// the connect callback runs.
func (c *Connection) Identify(name, value string) error {
	if c.State() != StateConnecting {
		return ErrIdentifiersFrozen
	}
	if name == "" || value == "" {
		return fmt.Errorf("%w: empty identifier %q", ErrInvalidIdentifier, name)
	}

	c.identMu.Lock()
	defer c.identMu.Unlock()
	c.identifiers[name] = value
	return nil
}

func (c *Connection) IdentifierValue(name string) string {
	c.identMu.RLock()
	defer c.identMu.RUnlock()
	return c.identifiers[name]
}

func (c *Connection) Identifiers() map[string]string {
	c.identMu.RLock()
	defer c.identMu.RUnlock()

	ids := make(map[string]string, len(c.identifiers))
	for k, v := range c.identifiers {
		ids[k] = v
	}
	return ids
}

// Identifier is the identifier values joined by ":" in name order.
func (c *Connection) Identifier() string {
	return identifierFor(c.Identifiers())
}

// Transmit sends msg if the connection is open. Sends to a closing or closed
// connection are dropped and report false.
func (c *Connection) Transmit(msg Message) bool {
	if c.State() != StateOpen {
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.Logger().Error("Failed to encode message", "error", err)
		return false
	}
	return c.write(data)
}

// Close sends a disconnect message and closes the socket. It is a no-op if
// the connection is already closing.
func (c *Connection) Close(reason DisconnectReason, reconnect bool) {
	if !c.advance(StateClosing) {
		return
	}

	c.Logger().Info("Closing connection", "reason", reason, "reconnect", reconnect)
	if data, err := json.Marshal(DisconnectMessage(reason, reconnect)); err == nil {
		c.write(data)
	}
	c.closeSend()
}

// HandleException is called by the worker pool for errors escaping a job.
func (c *Connection) HandleException(err error) {
	if r, ok := c.server.connector.(Rescuer); ok {
		r.Rescue(c, err)
	}

	var cbErr *CallbackError
	if errors.As(err, &cbErr) && !cbErr.Fatal() {
		return
	}
	c.Close(ReasonInvalidRequest, true)
}

func (c *Connection) Statistics() ConnectionStatistics {
	return ConnectionStatistics{
		ID:            c.id,
		Identifier:    c.Identifier(),
		StartedAt:     c.startedAt,
		Subscriptions: c.subscriptions.Identifiers(),
		RequestID:     c.requestID,
		LastPingAt:    c.lastPing.Load(),
	}
}

// LastSeen is the time of the last frame received from the client.
func (c *Connection) LastSeen() time.Time {
	if ns := c.lastSeen.Load(); ns > 0 {
		return time.Unix(0, ns)
	}
	return c.startedAt
}

func (c *Connection) run() {
	c.handle(event{kind: eventOpen})
	go c.writePump()
	go c.readPump()
}

// handle is the single transition function of the connection state machine.
func (c *Connection) handle(ev event) {
	switch ev.kind {
	case eventOpen:
		c.executor.Post(c.handleOpen)

	case eventMessage:
		if c.State() >= StateClosing {
			return
		}
		c.lastSeen.Store(time.Now().UnixNano())
		if pending := c.executor.Pending() + c.buffer.len(); pending >= c.server.config.MaxPendingMessages {
			c.Logger().Warn("Inbound backlog full, closing connection", "pending", pending)
			c.server.hooks.error(c.id, ErrWorkerOverload, nil)
			c.Close(ReasonInvalidRequest, true)
			return
		}
		if c.buffer.append(ev.data) {
			data := ev.data
			c.executor.Post(func() error { return c.dispatch(data) })
		}

	case eventClose:
		if ev.err != nil {
			c.Logger().Debug("WebSocket connection closed", "error", ev.err)
		}
		c.advance(StateClosing)
		c.closeSend()
		c.executor.Post(c.teardown)

	case eventDisconnect:
		c.Close(ev.reason, ev.reconnect)
	}
}

// advance moves the state forward to next and reports whether it changed.
func (c *Connection) advance(next State) bool {
	for {
		cur := c.state.Load()
		if State(cur) >= next {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

func (c *Connection) handleOpen() error {
	if c.socket.Subprotocol() == ProtocolUnsupported {
		c.Logger().Error("Client requested an unsupported protocol")
		c.Close(ReasonInvalidRequest, false)
		return nil
	}

	if err := c.server.connector.Connect(c.ctx, c); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			c.Logger().Error("An unauthorized connection attempt was rejected")
			c.server.hooks.connection(ConnectionEvent{
				EventType:   ConnectionEventReject,
				Connection:  c.id,
				ConnectedAt: c.startedAt,
			})
			c.Close(ReasonUnauthorized, false)
			return nil
		}
		return &CallbackError{Callback: CallbackConnect, Err: err}
	}
	c.connected.Store(true)

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return nil
	}
	c.opened.Store(true)

	identifier := c.Identifier()
	if identifier != "" {
		c.logger.Store(c.Logger().With("identifier", identifier))
	}

	if err := c.subscribeToInternalChannel(); err != nil {
		c.Logger().Error("Failed to subscribe to internal channel", "error", err)
		c.server.hooks.error(c.id, err, nil)
	}

	c.Transmit(WelcomeMessage())
	c.server.connections.add(c)
	c.server.hooks.connection(ConnectionEvent{
		EventType:   ConnectionEventConnect,
		Connection:  c.id,
		Identifier:  identifier,
		ConnectedAt: c.startedAt,
	})
	c.Logger().Info("Successfully upgraded to WebSocket",
		"protocol", c.socket.Subprotocol(), "remote_addr", c.request.RemoteAddr)

	for _, data := range c.buffer.process() {
		if err := c.dispatch(data); err != nil {
			c.server.pool.handleError(c, err)
		}
	}
	return nil
}

func (c *Connection) dispatch(data []byte) error {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		err = fmt.Errorf("%w: could not decode frame: %v", ErrProtocol, err)
		c.Logger().Error("Received unrecognized message", "error", err, "frame", string(data))
		c.server.hooks.error(c.id, err, nil)
		return nil
	}
	return c.subscriptions.Execute(frame)
}

func (c *Connection) subscribeToInternalChannel() error {
	channel := internalChannelFor(c.Identifiers())
	if channel == "" {
		return nil
	}

	c.internal = pubsub.NewSubscriber(func(message []byte) {
		c.executor.Post(func() error {
			c.processInternalMessage(message)
			return nil
		})
	})
	return c.server.adapter.Subscribe(c.ctx, channel, c.internal, nil)
}

func (c *Connection) unsubscribeFromInternalChannel() error {
	if c.internal == nil {
		return nil
	}
	return c.server.adapter.Unsubscribe(context.Background(), internalChannelFor(c.Identifiers()), c.internal)
}

func (c *Connection) processInternalMessage(message []byte) {
	var msg struct {
		Type      MessageType `json:"type"`
		Reconnect *bool       `json:"reconnect"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		c.Logger().Error("Invalid internal message", "error", err)
		return
	}

	if msg.Type == TypeDisconnect {
		reconnect := true
		if msg.Reconnect != nil {
			reconnect = *msg.Reconnect
		}
		c.Logger().Info("Removing connection", "identifier", c.Identifier())
		c.handle(event{kind: eventDisconnect, reason: ReasonRemote, reconnect: reconnect})
	}
}

func (c *Connection) teardown() error {
	var err error
	c.teardownOnce.Do(func() {
		var result *multierror.Error

		if uerr := c.subscriptions.UnsubscribeFromAll(); uerr != nil {
			result = multierror.Append(result, uerr)
		}
		if uerr := c.unsubscribeFromInternalChannel(); uerr != nil {
			result = multierror.Append(result, fmt.Errorf("%w: %w", ErrBus, uerr))
		}
		if c.connected.Load() {
			if derr := c.server.connector.Disconnect(c.ctx, c); derr != nil {
				result = multierror.Append(result, &CallbackError{Callback: CallbackDisconnect, Err: derr})
			}
		}

		c.server.connections.remove(c)
		c.cancel()
		c.state.Store(int32(StateClosed))
		if c.opened.Load() {
			c.server.hooks.connection(ConnectionEvent{
				EventType:   ConnectionEventDisconnect,
				Connection:  c.id,
				Identifier:  c.Identifier(),
				ConnectedAt: c.startedAt,
			})
		}
		c.Logger().Info("Finished WebSocket connection", "duration", time.Since(c.startedAt))
		close(c.done)

		err = result.ErrorOrNil()
	})
	return err
}

func (c *Connection) write(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		// Send buffer is full, close the client
		c.Logger().Warn("Send buffer full, closing connection")
		c.advance(StateClosing)
		c.sendClosed = true
		close(c.send)
		return false
	}
}

func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Connection) beat() {
	if c.State() != StateOpen {
		return
	}
	now := time.Now()
	c.lastPing.Store(now.Unix())
	c.Transmit(PingMessage(now))
}

func (c *Connection) readPump() {
	defer func() {
		c.handle(event{kind: eventClose})
	}()

	c.socket.SetReadLimit(c.server.config.MaxMessageSize)
	c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.Logger().Error("WebSocket error", "error", err)
			} else {
				c.Logger().Debug("WebSocket connection closed", "error", err)
			}
			return
		}
		c.socket.SetReadDeadline(time.Now().Add(pongWait))

		if messageType != websocket.TextMessage {
			c.Logger().Error("Couldn't handle non-text message", "type", messageType)
			continue
		}
		c.handle(event{kind: eventMessage, data: data})
	}
}

func (c *Connection) writePump() {
	beat := time.NewTicker(c.server.config.BeatInterval)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		beat.Stop()
		ping.Stop()
		if err := c.socket.Close(); err != nil {
			c.Logger().Debug("Error closing socket", "error", err)
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Send channel was closed, send close message and exit
				c.socket.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Logger().Debug("Error writing message", "error", err)
				return
			}

		case <-beat.C:
			c.beat()

		case <-ping.C:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Logger().Debug("Error sending ping", "error", err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
