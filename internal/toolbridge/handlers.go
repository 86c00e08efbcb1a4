package toolbridge

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tracklet/tracklet/internal/common/logger"
)

// Handler provides HTTP handlers for tool connection management.
type Handler struct {
	bridge *Bridge
	logger *logger.Logger
}

// NewHandler creates a new tool connection handler.
func NewHandler(bridge *Bridge, log *logger.Logger) *Handler {
	return &Handler{bridge: bridge, logger: log}
}

// RegisterRoutes registers the tool connection routes.
func RegisterRoutes(router *gin.Engine, bridge *Bridge, log *logger.Logger) {
	h := NewHandler(bridge, log)
	api := router.Group("/api/v1")
	api.POST("/projects/:project_id/tool-connections", h.register)
	api.GET("/projects/:project_id/tool-connections", h.list)
	api.POST("/tool-connections/:id/refresh", h.refresh)
	api.DELETE("/tool-connections/:id", h.remove)
}

// RegisterConnectionRequest is the payload for registering a tool server.
type RegisterConnectionRequest struct {
	ServerID  string `json:"server_id" binding:"required"`
	Transport string `json:"transport" binding:"required"`
	URL       string `json:"url" binding:"required"`
	AuthToken string `json:"auth_token"`
}

func (h *Handler) register(c *gin.Context) {
	var req RegisterConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	conn := &ToolConnection{
		ProjectID: c.Param("project_id"),
		ServerID:  req.ServerID,
		Transport: Transport(req.Transport),
		URL:       req.URL,
		AuthToken: req.AuthToken,
	}

	registered, err := h.bridge.Register(c.Request.Context(), conn)
	if err != nil {
		h.logger.Error("failed to register tool connection", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, registered)
}

func (h *Handler) list(c *gin.Context) {
	conns, err := h.bridge.List(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		h.logger.Error("failed to list tool connections", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tool connections"})
		return
	}
	c.JSON(http.StatusOK, conns)
}

func (h *Handler) refresh(c *gin.Context) {
	conn, err := h.bridge.Refresh(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrConnectionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("failed to refresh tool connection", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to refresh tool connection"})
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *Handler) remove(c *gin.Context) {
	if err := h.bridge.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrConnectionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("failed to delete tool connection", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete tool connection"})
		return
	}
	c.Status(http.StatusNoContent)
}
