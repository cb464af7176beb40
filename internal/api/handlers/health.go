package handlers

import (
	"net/http"

	"cable-service/internal/cable"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	server  *cable.Server
	adapter string
}

func NewHealthHandler(server *cable.Server, adapter string) *HealthHandler {
	return &HealthHandler{server: server, adapter: adapter}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"adapter":     h.adapter,
		"connections": h.server.ConnectionCount(),
	})
}
