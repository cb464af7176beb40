package database

import (
	"fmt"
	"log/slog"
	"time"

	"cable-service/internal/config"

	"github.com/nats-io/nats.go"
)

// NewNATSConnection connects with unlimited reconnects; subscriptions are
// restored by the client after every reconnect.
func NewNATSConnection(cfg *config.NATSConfig, log *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("NATS connection established successfully", "url", nc.ConnectedUrl())
	return nc, nil
}
