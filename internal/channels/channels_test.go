package channels

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"cable-service/internal/cable"
	"cable-service/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queryConnector identifies connections by the "user" query parameter.
type queryConnector struct{}

func (queryConnector) Connect(_ context.Context, c *cable.Connection) error {
	if user := c.Request().URL.Query().Get("user"); user != "" {
		return c.Identify("current_user", user)
	}
	return nil
}

func (queryConnector) Disconnect(context.Context, *cable.Connection) error { return nil }

type staticPresence []string

func (p staticPresence) GetOnlineUsers(context.Context) ([]string, error) { return p, nil }

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func setup(t *testing.T) (*cable.Server, func(user string) *client) {
	t.Helper()

	registry := cable.NewChannelRegistry()
	Register(registry, Options{Presence: staticPresence{"1", "2"}, ClockInterval: 20 * time.Millisecond})

	cfg := cable.DefaultConfig()
	cfg.DisableRequestForgeryProtection = true
	cfg.BeatInterval = time.Hour
	server, err := cable.NewServer(cfg,
		cable.WithChannels(registry),
		cable.WithConnector(queryConnector{}),
		cable.WithLogger(logger.Discard()),
	)
	require.NoError(t, err)

	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})

	connect := func(user string) *client {
		dialer := websocket.Dialer{Subprotocols: []string{cable.ProtocolV1}}
		ws, _, err := dialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/cable?user="+user, nil)
		require.NoError(t, err)
		t.Cleanup(func() { ws.Close() })

		c := &client{t: t, ws: ws}
		require.Equal(t, cable.TypeWelcome, c.read().Type)
		return c
	}
	return server, connect
}

func (c *client) read() cable.Message {
	c.t.Helper()
	for {
		require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg cable.Message
		require.NoError(c.t, c.ws.ReadJSON(&msg))
		if msg.Type != cable.TypePing {
			return msg
		}
	}
}

func (c *client) subscribe(identifier string) cable.Message {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(cable.Frame{Command: cable.CommandSubscribe, Identifier: identifier}))
	return c.read()
}

func (c *client) perform(identifier string, data map[string]any) {
	c.t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(cable.Frame{Command: cable.CommandMessage, Identifier: identifier, Data: string(payload)}))
}

func TestEchoChannel(t *testing.T) {
	_, connect := setup(t)
	c := connect("1")

	id := `{"channel":"EchoChannel"}`
	assert.Equal(t, cable.TypeConfirmation, c.subscribe(id).Type)

	c.perform(id, map[string]any{"action": "ding", "message": "hello"})
	assert.Equal(t, map[string]any{"dong": "hello"}, c.read().Message)
}

func TestChatChannel(t *testing.T) {
	_, connect := setup(t)
	alice, bob := connect("alice"), connect("bob")

	id := `{"channel":"ChatChannel","room":"lobby"}`
	require.Equal(t, cable.TypeConfirmation, alice.subscribe(id).Type)
	require.Equal(t, cable.TypeConfirmation, bob.subscribe(id).Type)

	alice.perform(id, map[string]any{"action": "speak", "message": "  hi bob  "})

	for _, c := range []*client{alice, bob} {
		msg := c.read()
		assert.Equal(t, id, msg.Identifier)
		body, ok := msg.Message.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "hi bob", body["message"])
		assert.Equal(t, "alice", body["user"])
		assert.Equal(t, "lobby", body["room"])
	}

	noRoom := `{"channel":"ChatChannel"}`
	assert.Equal(t, cable.TypeRejection, alice.subscribe(noRoom).Type)
}

func TestChatChannelTruncatesOnCharacterBoundary(t *testing.T) {
	_, connect := setup(t)
	c := connect("alice")

	id := `{"channel":"ChatChannel","room":"lobby"}`
	require.Equal(t, cable.TypeConfirmation, c.subscribe(id).Type)

	// 2047 two-byte characters and a three-byte one crossing the limit.
	long := "x" + strings.Repeat("é", 2047) + "€"
	c.perform(id, map[string]any{"action": "speak", "message": long})

	body, ok := c.read().Message.(map[string]any)
	require.True(t, ok)
	text, _ := body["message"].(string)
	assert.True(t, utf8.ValidString(text))
	assert.Equal(t, "x"+strings.Repeat("é", 2047), text)
}

func TestTruncate(t *testing.T) {
	tests := map[string]struct {
		in   string
		n    int
		want string
	}{
		"short":           {"hello", 10, "hello"},
		"ascii":           {"hello", 3, "hel"},
		"rune boundary":   {"héllo", 3, "hé"},
		"inside a rune":   {"héllo", 2, "h"},
		"four byte rune":  {"a😀b", 4, "a"},
		"whole four byte": {"a😀b", 5, "a😀"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestNotificationsChannel(t *testing.T) {
	server, connect := setup(t)
	c := connect("7")

	id := `{"channel":"NotificationsChannel"}`
	require.Equal(t, cable.TypeConfirmation, c.subscribe(id).Type)

	assert.Equal(t, "notifications:user:7", NotificationsFor("7"))
	require.NoError(t, server.Broadcast(context.Background(), NotificationsFor("7"), map[string]any{"title": "hello"}))
	assert.Equal(t, map[string]any{"title": "hello"}, c.read().Message)

	anonymous := connect("")
	assert.Equal(t, cable.TypeRejection, anonymous.subscribe(id).Type)
}

func TestClockChannel(t *testing.T) {
	_, connect := setup(t)
	c := connect("1")

	id := `{"channel":"ClockChannel"}`
	require.Equal(t, cable.TypeConfirmation, c.subscribe(id).Type)

	tick := c.read()
	assert.Equal(t, id, tick.Identifier)
	body, ok := tick.Message.(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, float64(time.Now().Unix()), body["time"], 5)
}

func TestAppearanceChannel(t *testing.T) {
	_, connect := setup(t)
	watcher, user := connect("1"), connect("2")

	id := `{"channel":"AppearanceChannel"}`
	require.Equal(t, cable.TypeConfirmation, watcher.subscribe(id).Type)
	require.Equal(t, cable.TypeConfirmation, user.subscribe(id).Type)

	user.perform(id, map[string]any{"action": "appear"})
	assert.Equal(t, map[string]any{"user": "2", "status": "online"}, watcher.read().Message)

	watcher.perform(id, map[string]any{"action": "online"})
	for {
		msg := watcher.read()
		if body, ok := msg.Message.(map[string]any); ok && body["online"] != nil {
			assert.Equal(t, []any{"1", "2"}, body["online"])
			break
		}
	}

	user.ws.Close()
	for {
		msg := watcher.read()
		if body, ok := msg.Message.(map[string]any); ok && body["status"] == "offline" {
			assert.Equal(t, "2", body["user"])
			break
		}
	}
}
