package handlers

import (
	"cable-service/internal/cable"

	"github.com/gin-gonic/gin"
)

type CableHandler struct {
	server *cable.Server
}

func NewCableHandler(server *cable.Server) *CableHandler {
	return &CableHandler{server: server}
}

// HandleWebSocket godoc
// @Summary Cable connection
// @Description Upgrade to an ActionCable WebSocket (actioncable-v1-json)
// @Tags cable
// @Param token query string false "JWT identifying the user"
// @Success 101 "Switching Protocols"
// @Failure 404 "Not an upgrade, origin not allowed or no supported sub-protocol"
// @Router /cable [get]
func (h *CableHandler) HandleWebSocket(c *gin.Context) {
	h.server.ServeHTTP(c.Writer, c.Request)
}
