package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"cable-service/internal/cable"
)

const (
	// IdentifierUser names the connection identifier holding the user id.
	IdentifierUser = "current_user"

	TokenQueryParam = "token"
	TokenCookie     = "cable_token"
)

// Presence records which users hold at least one open connection.
type Presence interface {
	SetUserOnline(ctx context.Context, userID string) error
	SetUserOffline(ctx context.Context, userID string) error
}

// Connector identifies cable connections by the JWT sent with the upgrade
// request.
type Connector struct {
	tokens   *TokenService
	presence Presence
	logger   *slog.Logger

	// mu serializes presence writes so online and offline cannot reorder.
	mu     sync.Mutex
	online map[string]int
}

func NewConnector(tokens *TokenService, presence Presence, logger *slog.Logger) *Connector {
	return &Connector{
		tokens:   tokens,
		presence: presence,
		logger:   logger,
		online:   make(map[string]int),
	}
}

func (c *Connector) Connect(ctx context.Context, conn *cable.Connection) error {
	raw := TokenFromRequest(conn.Request())
	if raw == "" {
		return cable.ErrUnauthorized
	}

	claims, err := c.tokens.ParseToken(raw)
	if err != nil {
		conn.Logger().Info("Rejecting connection with invalid token", "error", err)
		return cable.ErrUnauthorized
	}

	if err := conn.Identify(IdentifierUser, claims.UserID); err != nil {
		return err
	}

	if c.presence != nil {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.online[claims.UserID]++
		if err := c.presence.SetUserOnline(ctx, claims.UserID); err != nil {
			conn.Logger().Warn("Failed to record presence", "error", err)
		}
	}
	return nil
}

// Disconnect marks the user offline when their last connection in this
// process goes away.
func (c *Connector) Disconnect(ctx context.Context, conn *cable.Connection) error {
	if c.presence == nil {
		return nil
	}
	userID := conn.IdentifierValue(IdentifierUser)
	if userID == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.online[userID]
	if !ok {
		return nil
	}
	if n > 1 {
		c.online[userID] = n - 1
		return nil
	}
	delete(c.online, userID)
	return c.presence.SetUserOffline(ctx, userID)
}

// OnlineConnections is the number of open connections of userID.
func (c *Connector) OnlineConnections(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online[userID]
}

func (c *Connector) Rescue(conn *cable.Connection, err error) {
	c.logger.Warn("Connection callback failed", "connection", conn.ID(), "identifier", conn.Identifier(), "error", err)
}

// TokenFromRequest reads the token from the query string, a bearer
// Authorization header or the cable cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := r.URL.Query().Get(TokenQueryParam); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if cookie, err := r.Cookie(TokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}
