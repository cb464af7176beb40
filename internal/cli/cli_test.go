package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cable-service/internal/auth"
	"cable-service/internal/cable"
	"cable-service/internal/config"
	"cable-service/pkg/logger"

	"github.com/c2h5oh/datasize"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "cli-test-secret"

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ShutdownTimeout: 2 * time.Second},
		Cable: config.CableConfig{
			MountPath:       cable.DefaultMountPath,
			AllowSameOrigin: true,
			WorkerPoolSize:  4,
			BeatInterval:    time.Hour,
			MaxMessageSize:  datasize.MB,
			SendBufferSize:  16,
		},
		Log:    config.LogConfig{Level: "info"},
		PubSub: config.PubSubConfig{Adapter: config.AdapterInline},
		JWT:    config.JWTConfig{Secret: testSecret, ExpirationTime: time.Hour},
	}
}

func startApp(t *testing.T) (*app, *httptest.Server) {
	t.Helper()

	log, level := logger.New(logger.Config{Output: &bytes.Buffer{}})
	a, err := newApp(testConfig(), log, level)
	require.NoError(t, err)

	ts := httptest.NewServer(a.handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.shutdown(ctx)
	})
	return a, ts
}

func issue(t *testing.T, user string, admin bool) string {
	t.Helper()
	token, err := auth.NewTokenService(testSecret, time.Hour).IssueToken(user, admin)
	require.NoError(t, err)
	return token
}

func readMessage(t *testing.T, ws *websocket.Conn) cable.Message {
	t.Helper()
	for {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg cable.Message
		require.NoError(t, ws.ReadJSON(&msg))
		if msg.Type != cable.TypePing {
			return msg
		}
	}
}

func TestAppServesCableAndStats(t *testing.T) {
	a, ts := startApp(t)

	dialer := websocket.Dialer{Subprotocols: []string{cable.ProtocolV1}, HandshakeTimeout: 2 * time.Second}
	header := http.Header{"Origin": []string{ts.URL}}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + cable.DefaultMountPath + "?token=" + issue(t, "7", false)

	ws, _, err := dialer.Dial(url, header)
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, cable.TypeWelcome, readMessage(t, ws).Type)

	id := `{"channel":"EchoChannel"}`
	require.NoError(t, ws.WriteJSON(cable.Frame{Command: cable.CommandSubscribe, Identifier: id}))
	assert.Equal(t, cable.TypeConfirmation, readMessage(t, ws).Type)

	require.NoError(t, ws.WriteJSON(cable.Frame{
		Command:    cable.CommandMessage,
		Identifier: id,
		Data:       `{"action":"ding","message":"hi"}`,
	}))
	assert.Equal(t, map[string]any{"dong": "hi"}, readMessage(t, ws).Message)

	stats, err := fetchStats(context.Background(), ts.Client(), ts.URL, issue(t, "admin", true))
	require.NoError(t, err)
	require.Len(t, stats.Connections, 1)
	assert.Equal(t, "7", stats.Connections[0].Identifier)
	assert.Equal(t, []string{id}, stats.Connections[0].Subscriptions)
	assert.Equal(t, 4, stats.Worker.Size)

	var out bytes.Buffer
	renderStats(&out, stats)
	assert.Contains(t, out.String(), stats.Connections[0].ID)
	assert.Contains(t, strings.ToUpper(out.String()), "SUBSCRIPTIONS")

	assert.Equal(t, 1, a.server.ConnectionCount())
}

func TestFetchStatsRequiresAdmin(t *testing.T) {
	_, ts := startApp(t)

	_, err := fetchStats(context.Background(), ts.Client(), ts.URL, issue(t, "7", false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestAppReload(t *testing.T) {
	a, ts := startApp(t)

	cfg := testConfig()
	cfg.Log.Level = "debug"
	cfg.Cable.AllowedOrigins = []string{"https://app.example.com"}
	a.reload(cfg)

	assert.Equal(t, "DEBUG", a.level.Level().String())

	dialer := websocket.Dialer{Subprotocols: []string{cable.ProtocolV1}, HandshakeTimeout: 2 * time.Second}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + cable.DefaultMountPath + "?token=" + issue(t, "7", false)

	ws, _, err := dialer.Dial(url, http.Header{"Origin": []string{"https://app.example.com"}})
	require.NoError(t, err)
	ws.Close()

	_, resp, err := dialer.Dial(url, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cfg.Cable.AllowedOrigins = []string{"/(unclosed/"}
	a.reload(cfg)
	ws, _, err = dialer.Dial(url, http.Header{"Origin": []string{"https://app.example.com"}})
	require.NoError(t, err, "an invalid origin list keeps the previous one")
	ws.Close()
}

func TestAppRejectsUnknownAdapter(t *testing.T) {
	cfg := testConfig()
	cfg.PubSub.Adapter = "carrier-pigeon"

	_, err := newApp(cfg, logger.Discard(), nil)
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "cable.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jwt:\n  secret: "+testSecret+"\n"), 0o600))

	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "token", "--user", "9", "--admin"})
	require.NoError(t, root.Execute())

	claims, err := auth.NewTokenService(testSecret, time.Hour).ParseToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "9", claims.UserID)
	assert.True(t, claims.Admin)
}

func TestTokenCommandRequiresUser(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"token"})
	assert.Error(t, root.Execute())
}
