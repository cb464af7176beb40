package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cable-service/internal/cable"
	"cable-service/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingChannel struct{ cable.Base }

func (failingChannel) Perform(*cable.Subscription, string, cable.Data) error {
	return errors.New("nope")
}

func TestMetricsFollowCableActivity(t *testing.T) {
	registry := cable.NewChannelRegistry()
	registry.Register("FailingChannel", func() cable.Channel { return failingChannel{} })

	cfg := cable.DefaultConfig()
	cfg.DisableRequestForgeryProtection = true
	server, err := cable.NewServer(cfg, cable.WithChannels(registry), cable.WithLogger(logger.Discard()))
	require.NoError(t, err)

	m := New()
	m.Attach(server)

	ts := httptest.NewServer(server)
	defer ts.Close()
	defer server.Shutdown(context.Background())

	dialer := websocket.Dialer{Subprotocols: []string{cable.ProtocolV1}}
	ws, _, err := dialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/cable", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return testutil.ToFloat64(m.connections) == 1 }, time.Second, 5*time.Millisecond)

	id := `{"channel":"FailingChannel"}`
	require.NoError(t, ws.WriteJSON(cable.Frame{Command: cable.CommandSubscribe, Identifier: id}))
	require.NoError(t, ws.WriteJSON(cable.Frame{Command: cable.CommandMessage, Identifier: id, Data: `{"action":"go"}`}))
	require.NoError(t, server.Broadcast(context.Background(), "anything", "hello"))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.errors.WithLabelValues(string(cable.CallbackFailure), string(cable.SeverityError))) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.subscriptions.WithLabelValues("FailingChannel", "confirmed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.broadcasts))
	assert.Equal(t, 1, testutil.CollectAndCount(m.actions))
	assert.Positive(t, testutil.CollectAndCount(m.jobs))

	ws.Close()
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.connections) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connectionEvents.WithLabelValues(cable.ConnectionEventDisconnect)))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "cable_connections 0")
	assert.Contains(t, string(body), "cable_worker_pending_jobs")
	assert.Contains(t, string(body), "cable_worker_overloaded_total")
}
