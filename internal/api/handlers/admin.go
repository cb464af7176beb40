package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"runtime"

	"cable-service/internal/cable"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type AdminHandler struct {
	server *cable.Server
	proc   *process.Process
}

func NewAdminHandler(server *cable.Server) *AdminHandler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		slog.Warn("Process stats unavailable", "error", err)
	}
	return &AdminHandler{server: server, proc: proc}
}

type ProcessStats struct {
	PID            int     `json:"pid"`
	Goroutines     int     `json:"goroutines"`
	CPUPercent     float64 `json:"cpu_percent"`
	RSSBytes       uint64  `json:"rss_bytes"`
	SystemMemUsed  float64 `json:"system_memory_used_percent"`
	OpenFileHandle int32   `json:"open_files,omitempty"`
}

type ConnectionsResponse struct {
	cable.ServerStatistics
	Process ProcessStats `json:"process"`
}

type BroadcastRequest struct {
	Stream  string          `json:"stream" binding:"required"`
	Message json.RawMessage `json:"message" binding:"required"`
}

type DisconnectRequest struct {
	Identifiers map[string]string `json:"identifiers" binding:"required"`
	Reconnect   *bool             `json:"reconnect"`
}

// GetConnections godoc
// @Summary List cable connections
// @Description Open connections of this process with worker pool and process stats
// @Tags admin
// @Produce json
// @Success 200 {object} ConnectionsResponse
// @Failure 401 {object} map[string]interface{} "Unauthorized"
// @Router /admin/cable/connections [get]
// @Security BearerAuth
func (h *AdminHandler) GetConnections(c *gin.Context) {
	c.JSON(http.StatusOK, ConnectionsResponse{
		ServerStatistics: h.server.Statistics(),
		Process:          h.processStats(),
	})
}

// Broadcast godoc
// @Summary Broadcast to a stream
// @Tags admin
// @Accept json
// @Produce json
// @Param request body BroadcastRequest true "Stream and message"
// @Success 202 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{} "Bad request"
// @Failure 502 {object} map[string]interface{} "Pub/sub failure"
// @Router /admin/cable/broadcasts [post]
// @Security BearerAuth
func (h *AdminHandler) Broadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.server.Broadcast(c.Request.Context(), req.Stream, req.Message); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"stream": req.Stream})
}

// Disconnect godoc
// @Summary Disconnect connections by identifiers
// @Description Closes matching connections in every process
// @Tags admin
// @Accept json
// @Produce json
// @Param request body DisconnectRequest true "Identifiers and reconnect flag"
// @Success 202 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{} "Bad request"
// @Router /admin/cable/disconnect [post]
// @Security BearerAuth
func (h *AdminHandler) Disconnect(c *gin.Context) {
	var req DisconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	remote, err := h.server.RemoteConnections().Where(req.Identifiers)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reconnect := true
	if req.Reconnect != nil {
		reconnect = *req.Reconnect
	}
	if err := remote.Disconnect(c.Request.Context(), reconnect); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"identifiers": req.Identifiers, "reconnect": reconnect})
}

func (h *AdminHandler) processStats() ProcessStats {
	stats := ProcessStats{
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
	}

	if h.proc != nil {
		if cpu, err := h.proc.CPUPercent(); err == nil {
			stats.CPUPercent = cpu
		}
		if info, err := h.proc.MemoryInfo(); err == nil {
			stats.RSSBytes = info.RSS
		}
		if fds, err := h.proc.NumFDs(); err == nil {
			stats.OpenFileHandle = fds
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		stats.SystemMemUsed = vmem.UsedPercent
	}
	return stats
}
