// Package handlers exposes the planning thread over HTTP.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tracklet/tracklet/internal/agentrun"
	"github.com/tracklet/tracklet/internal/common/logger"
	"github.com/tracklet/tracklet/internal/planning/models"
	"github.com/tracklet/tracklet/internal/planning/repository"
	"github.com/tracklet/tracklet/internal/planning/service"
)

// Handler provides HTTP handlers for planning entities, threads, and runs.
type Handler struct {
	service    *service.Service
	controller *agentrun.Controller
	logger     *logger.Logger
}

// NewHandler creates a planning handler.
func NewHandler(svc *service.Service, controller *agentrun.Controller, log *logger.Logger) *Handler {
	return &Handler{service: svc, controller: controller, logger: log}
}

// RegisterRoutes registers the planning routes.
func RegisterRoutes(router *gin.Engine, svc *service.Service, controller *agentrun.Controller, log *logger.Logger) {
	h := NewHandler(svc, controller, log)
	api := router.Group("/api/v1")

	api.POST("/projects/:project_id/issues", h.createIssue)
	api.GET("/projects/:project_id/issues", h.listIssues)
	api.GET("/issues/:id", h.getIssue)
	api.GET("/issues/:id/thread", h.readThread(models.EntityTypeIssue))
	api.POST("/issues/:id/thread", h.submit(models.EntityTypeIssue))
	api.GET("/issues/:id/runs", h.listRuns(models.EntityTypeIssue))

	api.POST("/projects/:project_id/initiatives", h.createInitiative)
	api.GET("/initiatives/:id", h.getInitiative)
	api.GET("/initiatives/:id/thread", h.readThread(models.EntityTypeInitiative))
	api.POST("/initiatives/:id/thread", h.submit(models.EntityTypeInitiative))
	api.GET("/initiatives/:id/runs", h.listRuns(models.EntityTypeInitiative))

	api.POST("/runs/:id/approve", h.approveRun)
	api.POST("/runs/:id/cancel", h.cancelRun)
}

// CreateIssueRequest is the payload for creating an issue.
type CreateIssueRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

func (h *Handler) createIssue(c *gin.Context) {
	var req CreateIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	issue := &models.Issue{
		ProjectID:   c.Param("project_id"),
		Title:       req.Title,
		Description: req.Description,
	}
	if err := h.service.CreateIssue(c.Request.Context(), issue); err != nil {
		h.respondError(c, err, "failed to create issue")
		return
	}
	c.JSON(http.StatusCreated, issue)
}

func (h *Handler) listIssues(c *gin.Context) {
	issues, err := h.service.ListIssues(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		h.respondError(c, err, "failed to list issues")
		return
	}
	c.JSON(http.StatusOK, issues)
}

func (h *Handler) getIssue(c *gin.Context) {
	issue, err := h.service.GetIssue(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "failed to get issue")
		return
	}
	c.JSON(http.StatusOK, issue)
}

// CreateInitiativeRequest is the payload for creating an initiative.
type CreateInitiativeRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

func (h *Handler) createInitiative(c *gin.Context) {
	var req CreateInitiativeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	initiative := &models.Initiative{
		ProjectID:   c.Param("project_id"),
		Title:       req.Title,
		Description: req.Description,
	}
	if err := h.service.CreateInitiative(c.Request.Context(), initiative); err != nil {
		h.respondError(c, err, "failed to create initiative")
		return
	}
	c.JSON(http.StatusCreated, initiative)
}

func (h *Handler) getInitiative(c *gin.Context) {
	initiative, err := h.service.GetInitiative(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "failed to get initiative")
		return
	}
	c.JSON(http.StatusOK, initiative)
}

func (h *Handler) readThread(entityType models.EntityType) gin.HandlerFunc {
	return func(c *gin.Context) {
		thread, err := h.service.Read(c.Request.Context(), entityType, c.Param("id"))
		if err != nil {
			h.respondError(c, err, "failed to read thread")
			return
		}
		c.JSON(http.StatusOK, thread)
	}
}

func (h *Handler) submit(entityType models.EntityType) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req service.SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}

		result, err := h.service.Submit(c.Request.Context(), entityType, c.Param("id"), req)
		if err != nil {
			h.respondError(c, err, "failed to submit planning action")
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (h *Handler) listRuns(entityType models.EntityType) gin.HandlerFunc {
	return func(c *gin.Context) {
		runs, err := h.service.ListRuns(c.Request.Context(), entityType, c.Param("id"))
		if err != nil {
			h.respondError(c, err, "failed to list runs")
			return
		}
		c.JSON(http.StatusOK, runs)
	}
}

func (h *Handler) approveRun(c *gin.Context) {
	run, err := h.controller.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "failed to approve run")
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handler) cancelRun(c *gin.Context) {
	run, err := h.controller.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "failed to cancel run")
		return
	}
	c.JSON(http.StatusOK, run)
}

// respondError maps domain errors to HTTP statuses.
func (h *Handler) respondError(c *gin.Context, err error, logMsg string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error(logMsg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": logMsg})
	}
}
