package cable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"cable-service/internal/cable/pubsub"
	"cable-service/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
)

// Config holds the cable server settings.
type Config struct {
	// MountPath is where the WebSocket endpoint is mounted.
	MountPath string

	// AllowedRequestOrigins lists permitted Origin headers. Entries wrapped in
	// slashes ("/https?:\/\/example\.com/") are regular expressions.
	AllowedRequestOrigins []string

	// AllowSameOriginAsHost permits an Origin equal to the request host.
	AllowSameOriginAsHost bool

	// DisableRequestForgeryProtection accepts any origin.
	DisableRequestForgeryProtection bool

	WorkerPoolSize int
	BeatInterval   time.Duration
	Protocols      []string

	// WorkerBacklog bounds the unordered jobs waiting for a free worker.
	WorkerBacklog int

	// MaxMessageSize limits inbound frames in bytes.
	MaxMessageSize int64

	// SendBufferSize is the number of outbound frames queued per connection
	// before the connection is dropped as too slow.
	SendBufferSize int

	// MaxPendingMessages is the number of inbound frames a connection may
	// have waiting for its executor before it is closed.
	MaxPendingMessages int

	ReadBufferSize  int
	WriteBufferSize int

	// ShutdownTimeout bounds how long Shutdown waits for the worker pool.
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MountPath:             DefaultMountPath,
		AllowSameOriginAsHost: true,
		WorkerPoolSize:        DefaultWorkerPoolSize,
		WorkerBacklog:         DefaultWorkerBacklog,
		BeatInterval:          DefaultBeatInterval,
		Protocols:             Protocols,
		MaxMessageSize:        1 << 20,
		SendBufferSize:        256,
		MaxPendingMessages:    512,
		ReadBufferSize:        1024,
		WriteBufferSize:       1024,
		ShutdownTimeout:       30 * time.Second,
	}
}

// Connector authenticates connections. Connect runs on the worker pool before
// the connection is opened; it identifies the connection with
// Connection.Identify and returns ErrUnauthorized to reject it.
type Connector interface {
	Connect(ctx context.Context, c *Connection) error
	Disconnect(ctx context.Context, c *Connection) error
}

// Rescuer is an optional Connector extension told about every error raised
// by a connection's callbacks.
type Rescuer interface {
	Rescue(c *Connection, err error)
}

// AnonymousConnector accepts every connection without identifiers.
type AnonymousConnector struct{}

func (AnonymousConnector) Connect(context.Context, *Connection) error    { return nil }
func (AnonymousConnector) Disconnect(context.Context, *Connection) error { return nil }

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithConnector(c Connector) Option {
	return func(s *Server) { s.connector = c }
}

func WithAdapter(a pubsub.Adapter) Option {
	return func(s *Server) { s.adapter = a }
}

func WithHooks(h *Hooks) Option {
	return func(s *Server) { s.hooks = h }
}

func WithChannels(r *ChannelRegistry) Option {
	return func(s *Server) { s.channels = r }
}

// Server accepts WebSocket connections and owns the state they share.
type Server struct {
	config    Config
	logger    *slog.Logger
	connector Connector
	adapter   pubsub.Adapter
	hooks     *Hooks
	channels  *ChannelRegistry
	pool      *WorkerPool

	connections *connectionRegistry
	remote      *RemoteConnections
	upgrader    websocket.Upgrader
	origins     atomic.Pointer[originPolicy]
	closed      atomic.Bool
}

func NewServer(cfg Config, opts ...Option) (*Server, error) {
	defaults := DefaultConfig()
	if cfg.MountPath == "" {
		cfg.MountPath = defaults.MountPath
	}
	if cfg.BeatInterval <= 0 {
		cfg.BeatInterval = defaults.BeatInterval
	}
	if len(cfg.Protocols) == 0 {
		cfg.Protocols = defaults.Protocols
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}
	if cfg.MaxPendingMessages <= 0 {
		cfg.MaxPendingMessages = defaults.MaxPendingMessages
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}

	s := &Server{
		config:      cfg,
		connections: newConnectionRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = logger.Discard()
	}
	if s.connector == nil {
		s.connector = AnonymousConnector{}
	}
	if s.adapter == nil {
		s.adapter = pubsub.NewAsync(0)
	}
	if s.hooks == nil {
		s.hooks = NewHooks()
	}
	if s.channels == nil {
		s.channels = NewChannelRegistry()
	}

	policy, err := newOriginPolicy(cfg)
	if err != nil {
		return nil, err
	}
	s.origins.Store(policy)

	pool, err := NewWorkerPool(cfg.WorkerPoolSize, cfg.WorkerBacklog, s.logger, s.hooks)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	s.pool = pool
	s.remote = &RemoteConnections{server: s}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		Subprotocols:    cfg.Protocols,
		// Origins are checked before the upgrade.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return s, nil
}

func (s *Server) Config() Config { return s.config }

func (s *Server) Logger() *slog.Logger { return s.logger }

func (s *Server) Hooks() *Hooks { return s.hooks }

func (s *Server) Channels() *ChannelRegistry { return s.channels }

func (s *Server) WorkerPool() *WorkerPool { return s.pool }

func (s *Server) Adapter() pubsub.Adapter { return s.adapter }

func (s *Server) RemoteConnections() *RemoteConnections { return s.remote }

// ServeHTTP upgrades the request to a cable connection. Requests that are not
// WebSocket upgrades, come from a disallowed origin or offer no supported
// sub-protocol get a 404.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		s.logger.Error("Request is not a WebSocket upgrade", "path", r.URL.Path)
		notFound(w)
		return
	}

	if !s.origins.Load().allow(r) {
		s.logger.Error("Request origin not allowed", "origin", r.Header.Get("Origin"))
		notFound(w)
		return
	}

	if !s.supportsProtocol(r) {
		s.logger.Error("No supported sub-protocol offered", "protocols", websocket.Subprotocols(r))
		notFound(w)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	newConnection(s, ws, r).run()
}

func (s *Server) supportsProtocol(r *http.Request) bool {
	for _, offered := range websocket.Subprotocols(r) {
		for _, supported := range s.config.Protocols {
			if strings.EqualFold(offered, supported) {
				return true
			}
		}
	}
	return false
}

func notFound(w http.ResponseWriter) {
	http.Error(w, "Page not found", http.StatusNotFound)
}

// Broadcast JSON-encodes message and publishes it to every subscriber of
// broadcasting in every process.
func (s *Server) Broadcast(ctx context.Context, broadcasting string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast: %w", err)
	}

	s.logger.Debug("Broadcasting", "broadcasting", broadcasting, "message", string(payload))
	s.hooks.instrument(Event{Name: EventBroadcast, Broadcasting: broadcasting})

	if err := s.adapter.Broadcast(ctx, broadcasting, payload); err != nil {
		err = fmt.Errorf("%w: broadcast to %s: %w", ErrBus, broadcasting, err)
		s.hooks.error("", err, nil)
		return err
	}
	return nil
}

// Broadcaster publishes to one broadcasting.
type Broadcaster struct {
	server       *Server
	broadcasting string
}

func (s *Server) BroadcasterFor(broadcasting string) *Broadcaster {
	return &Broadcaster{server: s, broadcasting: broadcasting}
}

func (b *Broadcaster) Broadcast(ctx context.Context, message any) error {
	return b.server.Broadcast(ctx, b.broadcasting, message)
}

// SetAllowedOrigins replaces the allowed origin list.
func (s *Server) SetAllowedOrigins(origins []string) error {
	cfg := s.config
	cfg.AllowedRequestOrigins = origins
	policy, err := newOriginPolicy(cfg)
	if err != nil {
		return err
	}
	s.origins.Store(policy)
	return nil
}

// Restart asks every client to reconnect.
func (s *Server) Restart() {
	for _, c := range s.connections.all() {
		c.Close(ReasonServerRestart, true)
	}
}

// Shutdown stops accepting connections, closes the open ones and releases
// the worker pool and the pub/sub adapter.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	conns := s.connections.all()
	s.logger.Info("Shutting down cable server", "connections", len(conns))
	for _, c := range conns {
		c.Close(ReasonServerRestart, true)
	}

	var result *multierror.Error
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			result = multierror.Append(result, fmt.Errorf("waiting for connection %s: %w", c.ID(), ctx.Err()))
		}
		if ctx.Err() != nil {
			break
		}
	}

	timeout := s.config.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := s.pool.Halt(timeout); err != nil {
		result = multierror.Append(result, fmt.Errorf("worker pool: %w", err))
	}
	if err := s.adapter.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: %w", ErrBus, err))
	}
	return result.ErrorOrNil()
}

// ServerStatistics summarizes the process.
type ServerStatistics struct {
	Connections []ConnectionStatistics `json:"connections"`
	Worker      WorkerStats            `json:"worker"`
	Channels    []string               `json:"channels"`
}

func (s *Server) Statistics() ServerStatistics {
	conns := s.connections.all()
	stats := make([]ConnectionStatistics, 0, len(conns))
	for _, c := range conns {
		stats = append(stats, c.Statistics())
	}
	return ServerStatistics{
		Connections: stats,
		Worker:      s.pool.Stats(),
		Channels:    s.channels.Names(),
	}
}

func (s *Server) ConnectionCount() int {
	return s.connections.count()
}

// ConnectionsWhere lists the local connections matching identifiers.
func (s *Server) ConnectionsWhere(identifiers map[string]string) []ConnectionStatistics {
	conns := s.connections.where(identifiers)
	stats := make([]ConnectionStatistics, 0, len(conns))
	for _, c := range conns {
		stats = append(stats, c.Statistics())
	}
	return stats
}
