// Package cableclient is a Go consumer for actioncable-v1-json servers. It
// keeps the connection alive with a ConnectionMonitor and resubscribes after
// every reconnect.
package cableclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	ProtocolV1          = "actioncable-v1-json"
	ProtocolUnsupported = "actioncable-unsupported"
)

var (
	ErrUnsupportedProtocol = errors.New("cableclient: server selected an unsupported protocol")
	ErrNotConnected        = errors.New("cableclient: not connected")
)

// message is a server to client frame.
type message struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Reconnect  *bool           `json:"reconnect,omitempty"`
}

type command struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
	Data       string `json:"data,omitempty"`
}

type Options struct {
	URL    string
	Header http.Header

	// Protocols are offered in order. The last one is the unsupported
	// marker and is never accepted.
	Protocols []string

	Dialer  *websocket.Dialer
	Logger  *slog.Logger
	Monitor MonitorConfig

	// GuaranteeInterval is how often unconfirmed subscribe commands are resent.
	GuaranteeInterval time.Duration

	// ReopenDelay separates closing a stale socket from dialing again.
	ReopenDelay time.Duration
}

// Consumer owns one logical connection to the server.
type Consumer struct {
	opts          Options
	log           *slog.Logger
	monitor       *ConnectionMonitor
	Subscriptions *Subscriptions

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex
}

func NewConsumer(opts Options) *Consumer {
	if len(opts.Protocols) == 0 {
		opts.Protocols = []string{ProtocolV1, ProtocolUnsupported}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GuaranteeInterval <= 0 {
		opts.GuaranteeInterval = 500 * time.Millisecond
	}
	if opts.ReopenDelay <= 0 {
		opts.ReopenDelay = 500 * time.Millisecond
	}

	c := &Consumer{
		opts: opts,
		log:  opts.Logger.With("component", "cableclient"),
	}
	c.monitor = NewConnectionMonitor(opts.Monitor, c.reopen)
	c.Subscriptions = newSubscriptions(c, opts.GuaranteeInterval)
	return c
}

func (c *Consumer) Monitor() *ConnectionMonitor {
	return c.monitor
}

// Connect starts the monitor and dials the server. The monitor is stopped
// again if the first dial fails.
func (c *Consumer) Connect(ctx context.Context) error {
	c.monitor.Start()
	if err := c.open(ctx); err != nil {
		c.monitor.Stop()
		return err
	}
	return nil
}

// Disconnect closes the connection for good.
func (c *Consumer) Disconnect() {
	c.close(false)
}

func (c *Consumer) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Consumer) supported(protocol string) bool {
	supported := c.opts.Protocols[:len(c.opts.Protocols)-1]
	for _, p := range supported {
		if p == protocol {
			return true
		}
	}
	return false
}

func (c *Consumer) open(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := *c.opts.Dialer
	dialer.Subprotocols = c.opts.Protocols

	conn, _, err := dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return fmt.Errorf("cableclient: dial %s: %w", c.opts.URL, err)
	}

	if !c.supported(conn.Subprotocol()) {
		c.log.Warn("Protocol is unsupported, closing without reconnect", "protocol", conn.Subprotocol())
		c.monitor.Stop()
		conn.Close()
		return ErrUnsupportedProtocol
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Debug("Opened connection", "url", c.opts.URL, "protocol", conn.Subprotocol())
	go c.readLoop(conn)
	return nil
}

func (c *Consumer) close(allowReconnect bool) {
	if !allowReconnect {
		c.monitor.Stop()
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
}

// reopen is called by the monitor when the connection is stale.
func (c *Consumer) reopen() {
	c.log.Info("Reopening stale connection", "attempts", c.monitor.ReconnectAttempts())

	if c.IsOpen() {
		c.close(true)
		time.Sleep(c.opts.ReopenDelay)
	}
	if !c.monitor.IsRunning() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Dialer.HandshakeTimeout+time.Second)
	defer cancel()
	if err := c.open(ctx); err != nil {
		c.log.Warn("Failed to reopen connection", "error", err)
	}
}

func (c *Consumer) send(cmd command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(cmd)
}

func (c *Consumer) readLoop(conn *websocket.Conn) {
	defer c.closed(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("Dropping malformed message", "error", err)
			continue
		}

		switch msg.Type {
		case "welcome":
			c.monitor.RecordConnect()
			c.Subscriptions.reload()
		case "disconnect":
			reconnect := msg.Reconnect != nil && *msg.Reconnect
			c.log.Info("Disconnecting", "reason", msg.Reason, "reconnect", reconnect)
			c.close(reconnect)
		case "ping":
			c.monitor.RecordPing()
		case "confirm_subscription":
			c.Subscriptions.confirm(msg.Identifier)
		case "reject_subscription":
			c.Subscriptions.reject(msg.Identifier)
		default:
			c.Subscriptions.received(msg.Identifier, msg.Message)
		}
	}
}

func (c *Consumer) closed(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	c.monitor.RecordDisconnect()
	c.Subscriptions.disconnected(c.monitor.IsRunning())
}
