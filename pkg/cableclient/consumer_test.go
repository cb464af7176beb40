package cableclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cable-service/internal/cable"
	"cable-service/internal/cable/pubsub"
	"cable-service/internal/channels"
	"cable-service/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMonitor = MonitorConfig{
	StaleThreshold:  150 * time.Millisecond,
	MinPollInterval: 20 * time.Millisecond,
	MaxPollInterval: 50 * time.Millisecond,
}

func newCableServer(t *testing.T) (*cable.Server, *httptest.Server) {
	t.Helper()

	cfg := cable.DefaultConfig()
	cfg.BeatInterval = 50 * time.Millisecond

	registry := cable.NewChannelRegistry()
	channels.Register(registry, channels.Options{})

	server, err := cable.NewServer(cfg, cable.WithAdapter(pubsub.NewInline()), cable.WithChannels(registry))
	require.NoError(t, err)

	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		ts.Close()
		server.Shutdown(context.Background())
	})
	return server, ts
}

func newTestConsumer(t *testing.T, ts *httptest.Server, configure ...func(*Options)) *Consumer {
	t.Helper()
	opts := Options{
		URL:               "ws" + strings.TrimPrefix(ts.URL, "http") + cable.DefaultMountPath,
		Header:            http.Header{"Origin": []string{ts.URL}},
		Logger:            logger.Discard(),
		Monitor:           testMonitor,
		GuaranteeInterval: 20 * time.Millisecond,
		ReopenDelay:       10 * time.Millisecond,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	c := NewConsumer(opts)
	t.Cleanup(c.Disconnect)
	return c
}

// quietMonitor keeps scripted servers, which never ping, from looking stale.
func quietMonitor(opts *Options) {
	opts.Monitor = MonitorConfig{StaleThreshold: 10 * time.Second}
}

// recorder collects subscription callbacks.
type recorder struct {
	connected    atomic.Int32
	rejected     atomic.Int32
	disconnected chan bool
	received     chan json.RawMessage
}

func newRecorder() *recorder {
	return &recorder{
		disconnected: make(chan bool, 8),
		received:     make(chan json.RawMessage, 8),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		Connected:    func() { r.connected.Add(1) },
		Rejected:     func() { r.rejected.Add(1) },
		Disconnected: func(reconnect bool) { r.disconnected <- reconnect },
		Received:     func(msg json.RawMessage) { r.received <- msg },
	}
}

func (r *recorder) next(t *testing.T) json.RawMessage {
	t.Helper()
	select {
	case msg := <-r.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestConsumerPerformAction(t *testing.T) {
	_, ts := newCableServer(t)
	c := newTestConsumer(t, ts)
	require.NoError(t, c.Connect(context.Background()))

	rec := newRecorder()
	sub, err := c.Subscriptions.Create(map[string]any{"channel": "EchoChannel"}, rec.handlers())
	require.NoError(t, err)
	assert.Equal(t, `{"channel":"EchoChannel"}`, sub.Identifier())

	require.Eventually(t, func() bool { return rec.connected.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, c.Subscriptions.guarantor.Pending())

	require.NoError(t, sub.Perform("ding", map[string]any{"message": "hello"}))
	assert.JSONEq(t, `{"dong":"hello"}`, string(rec.next(t)))
}

func TestConsumerSubscribesBeforeConnect(t *testing.T) {
	_, ts := newCableServer(t)
	c := newTestConsumer(t, ts)

	rec := newRecorder()
	_, err := c.Subscriptions.Create(map[string]any{"channel": "EchoChannel"}, rec.handlers())
	require.NoError(t, err)
	assert.Empty(t, c.Subscriptions.guarantor.Pending(), "nothing is sent before the connection opens")

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return rec.connected.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestConsumerRejectedSubscription(t *testing.T) {
	_, ts := newCableServer(t)
	c := newTestConsumer(t, ts)
	require.NoError(t, c.Connect(context.Background()))

	rec := newRecorder()
	_, err := c.Subscriptions.Create(map[string]any{"channel": "ChatChannel"}, rec.handlers())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.rejected.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, c.Subscriptions.All())
	assert.Empty(t, c.Subscriptions.guarantor.Pending())
	assert.EqualValues(t, 0, rec.connected.Load())
}

func TestConsumerRequiresChannel(t *testing.T) {
	c := NewConsumer(Options{URL: "ws://127.0.0.1:1/cable"})
	_, err := c.Subscriptions.Create(map[string]any{"room": "1"}, Handlers{})
	assert.Error(t, err)
}

func TestConsumerUnsupportedProtocol(t *testing.T) {
	_, ts := newCableServer(t)
	c := newTestConsumer(t, ts, func(opts *Options) {
		opts.Protocols = []string{"actioncable-v2-json", ProtocolUnsupported}
	})

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)
	assert.False(t, c.IsOpen())
	assert.False(t, c.Monitor().IsRunning())
}

func TestConsumerReconnectsAfterRestart(t *testing.T) {
	server, ts := newCableServer(t)
	c := newTestConsumer(t, ts)
	require.NoError(t, c.Connect(context.Background()))

	rec := newRecorder()
	sub, err := c.Subscriptions.Create(map[string]any{"channel": "EchoChannel"}, rec.handlers())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.connected.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	server.Restart()

	select {
	case willReconnect := <-rec.disconnected:
		assert.True(t, willReconnect)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not told about the disconnect")
	}

	require.Eventually(t, func() bool { return rec.connected.Load() == 2 }, 3*time.Second, 10*time.Millisecond,
		"the stale connection is reopened and the subscription reloaded")
	assert.True(t, c.IsOpen())

	require.NoError(t, sub.Perform("ding", map[string]any{"message": "again"}))
	assert.JSONEq(t, `{"dong":"again"}`, string(rec.next(t)))
}

func TestConsumerDisconnect(t *testing.T) {
	server, ts := newCableServer(t)
	c := newTestConsumer(t, ts)
	require.NoError(t, c.Connect(context.Background()))

	rec := newRecorder()
	_, err := c.Subscriptions.Create(map[string]any{"channel": "EchoChannel"}, rec.handlers())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.connected.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	c.Disconnect()

	select {
	case willReconnect := <-rec.disconnected:
		assert.False(t, willReconnect)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not told about the disconnect")
	}
	assert.False(t, c.Monitor().IsRunning())
	require.Eventually(t, func() bool { return server.ConnectionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

// scriptedServer accepts one cable connection and hands it to script.
func scriptedServer(t *testing.T, script func(ws *websocket.Conn)) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{
		Subprotocols: []string{ProtocolV1, ProtocolUnsupported},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	var wg sync.WaitGroup
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wg.Add(1)
		defer wg.Done()
		defer ws.Close()
		script(ws)
	}))
	t.Cleanup(func() {
		ts.Close()
		wg.Wait()
	})
	return ts
}

func TestSubscriptionGuarantorResends(t *testing.T) {
	var subscribes atomic.Int32
	ts := scriptedServer(t, func(ws *websocket.Conn) {
		_ = ws.WriteJSON(map[string]string{"type": "welcome"})
		for {
			var cmd command
			if err := ws.ReadJSON(&cmd); err != nil {
				return
			}
			if cmd.Command != "subscribe" {
				continue
			}
			// Confirm only the third attempt.
			if subscribes.Add(1) == 3 {
				_ = ws.WriteJSON(map[string]string{"type": "confirm_subscription", "identifier": cmd.Identifier})
			}
		}
	})

	c := newTestConsumer(t, ts, quietMonitor)
	require.NoError(t, c.Connect(context.Background()))

	rec := newRecorder()
	_, err := c.Subscriptions.Create(map[string]any{"channel": "EchoChannel"}, rec.handlers())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.connected.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, c.Subscriptions.guarantor.Pending())

	time.Sleep(50 * time.Millisecond)
	sent := subscribes.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sent, subscribes.Load(), "no resends once confirmed")
}

func TestConsumerHonorsDisconnectWithoutReconnect(t *testing.T) {
	ts := scriptedServer(t, func(ws *websocket.Conn) {
		_ = ws.WriteJSON(map[string]string{"type": "welcome"})
		_ = ws.WriteJSON(map[string]any{"type": "disconnect", "reason": "unauthorized", "reconnect": false})
		_, _, _ = ws.ReadMessage()
	})

	c := newTestConsumer(t, ts, quietMonitor)
	rec := newRecorder()
	_, err := c.Subscriptions.Create(map[string]any{"channel": "EchoChannel"}, rec.handlers())
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))

	select {
	case willReconnect := <-rec.disconnected:
		assert.False(t, willReconnect)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not handled")
	}
	assert.False(t, c.Monitor().IsRunning())
	assert.False(t, c.IsOpen())
}
