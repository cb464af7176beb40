package cable

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cable-service/internal/cable/pubsub"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var errSocketClosed = errors.New("socket closed")

type inboundFrame struct {
	messageType int
	data        []byte
}

// fakeSocket stands in for *websocket.Conn.
type fakeSocket struct {
	in       chan inboundFrame
	protocol string

	mu     sync.Mutex
	out    [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:       make(chan inboundFrame, 64),
		protocol: ProtocolV1,
		closed:   make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-f.in:
		return frame.messageType, frame.data, nil
	case <-f.closed:
		return 0, nil, errSocketClosed
	}
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errSocketClosed
	default:
	}
	if messageType == websocket.TextMessage {
		f.mu.Lock()
		f.out = append(f.out, append([]byte(nil), data...))
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeSocket) SetReadLimit(int64) {}
func (f *fakeSocket) SetReadDeadline(time.Time) error { return nil }
func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeSocket) SetPongHandler(func(string) error) {}
func (f *fakeSocket) Subprotocol() string { return f.protocol }

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// sendJSON queues a client frame.
func (f *fakeSocket) sendJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	f.in <- inboundFrame{messageType: websocket.TextMessage, data: data}
}

func (f *fakeSocket) sendRaw(messageType int, data string) {
	f.in <- inboundFrame{messageType: messageType, data: []byte(data)}
}

// messages returns the decoded frames written so far, excluding pings.
func (f *fakeSocket) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	var msgs []map[string]any
	for _, data := range f.out {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if m["type"] == string(TypePing) {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func (f *fakeSocket) pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, data := range f.out {
		var m map[string]any
		if json.Unmarshal(data, &m) == nil && m["type"] == string(TypePing) {
			n++
		}
	}
	return n
}

func (f *fakeSocket) find(match func(map[string]any) bool) map[string]any {
	for _, m := range f.messages() {
		if match(m) {
			return m
		}
	}
	return nil
}

func (f *fakeSocket) waitFor(t *testing.T, match func(map[string]any) bool) map[string]any {
	t.Helper()
	var found map[string]any
	require.Eventually(t, func() bool {
		found = f.find(match)
		return found != nil
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func typeIs(typ MessageType, identifier string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		if m["type"] != string(typ) {
			return false
		}
		return identifier == "" || m["identifier"] == identifier
	}
}

func messageFor(identifier string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		_, hasMessage := m["message"]
		return m["type"] == nil && m["identifier"] == identifier && hasMessage
	}
}

// testConnector records connector callbacks.
type testConnector struct {
	identifiers map[string]string
	reject      bool
	err         error
	release     chan struct{}

	connects    atomic.Int32
	disconnects atomic.Int32
	rescued     atomic.Int32
}

func (tc *testConnector) Connect(_ context.Context, c *Connection) error {
	tc.connects.Add(1)
	if tc.release != nil {
		<-tc.release
	}
	if tc.reject {
		return ErrUnauthorized
	}
	if tc.err != nil {
		return tc.err
	}
	for k, v := range tc.identifiers {
		if err := c.Identify(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (tc *testConnector) Disconnect(context.Context, *Connection) error {
	tc.disconnects.Add(1)
	return nil
}

func (tc *testConnector) Rescue(*Connection, error) {
	tc.rescued.Add(1)
}

// testChannel is a configurable channel used across the package tests.
type testChannel struct {
	Base

	stream        string
	reject        bool
	failSubscribe bool

	subscribed   *atomic.Int32
	unsubscribed *atomic.Int32

	// started receives the subscription when a "slow" action begins; the
	// action then waits for release.
	started chan *Subscription
	release chan struct{}
}

func (ch *testChannel) Subscribed(sub *Subscription) error {
	ch.subscribed.Add(1)
	if ch.failSubscribe {
		return errors.New("subscribe failed")
	}
	if ch.reject {
		sub.Reject()
		return nil
	}
	if room := sub.Params().String("room"); room != "" {
		return sub.StreamFrom("room_" + room)
	}
	if ch.stream != "" {
		return sub.StreamFrom(ch.stream)
	}
	return nil
}

func (ch *testChannel) Unsubscribed(*Subscription) error {
	ch.unsubscribed.Add(1)
	return nil
}

func (ch *testChannel) Perform(sub *Subscription, action string, data Data) error {
	switch action {
	case "ding":
		sub.Transmit(map[string]any{"dong": data["message"]})
		return nil
	case "fail":
		return errors.New("action failed")
	case "explode":
		panic("kaboom")
	case "slow":
		ch.started <- sub
		<-ch.release
		sub.Transmit(map[string]any{"late": true})
		return nil
	}
	return ch.Base.Perform(sub, action, data)
}

type channelCounters struct {
	subscribed   atomic.Int32
	unsubscribed atomic.Int32
}

func (cc *channelCounters) factory(configure func(*testChannel)) ChannelFactory {
	return func() Channel {
		ch := &testChannel{subscribed: &cc.subscribed, unsubscribed: &cc.unsubscribed}
		if configure != nil {
			configure(ch)
		}
		return ch
	}
}

type testEnv struct {
	server    *Server
	adapter   *pubsub.Inline
	connector *testConnector
	echo      *channelCounters
}

func newTestEnv(t *testing.T, connector *testConnector, configure ...func(*Config)) *testEnv {
	t.Helper()

	if connector == nil {
		connector = &testConnector{}
	}
	cfg := DefaultConfig()
	cfg.BeatInterval = time.Hour
	for _, fn := range configure {
		fn(&cfg)
	}

	env := &testEnv{
		adapter:   pubsub.NewInline(),
		connector: connector,
		echo:      &channelCounters{},
	}

	channels := NewChannelRegistry()
	channels.Register("EchoChannel", env.echo.factory(nil))
	channels.Register("RejectChannel", env.echo.factory(func(ch *testChannel) { ch.reject = true }))
	channels.Register("BrokenChannel", env.echo.factory(func(ch *testChannel) { ch.failSubscribe = true }))
	channels.Register("StreamChannel", env.echo.factory(func(ch *testChannel) { ch.stream = "news" }))

	server, err := NewServer(cfg,
		WithAdapter(env.adapter),
		WithConnector(connector),
		WithChannels(channels),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})

	env.server = server
	return env
}

// open starts a connection on a fake socket without waiting for welcome.
func (e *testEnv) open() (*Connection, *fakeSocket) {
	sock := newFakeSocket()
	c := newConnection(e.server, sock, httptest.NewRequest("GET", "/cable", nil))
	c.run()
	return c, sock
}

// connect opens a connection and waits for the welcome message.
func (e *testEnv) connect(t *testing.T) (*Connection, *fakeSocket) {
	t.Helper()
	c, sock := e.open()
	sock.waitFor(t, typeIs(TypeWelcome, ""))
	return c, sock
}

func identifierJSON(t *testing.T, params map[string]any) string {
	t.Helper()
	data, err := json.Marshal(params)
	require.NoError(t, err)
	return string(data)
}

func subscribeFrame(identifier string) Frame {
	return Frame{Command: CommandSubscribe, Identifier: identifier}
}

func messageFrame(t *testing.T, identifier string, data map[string]any) Frame {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	return Frame{Command: CommandMessage, Identifier: identifier, Data: string(payload)}
}

func waitClosed(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s was not torn down (state %s)", c.ID(), c.State())
	}
}
