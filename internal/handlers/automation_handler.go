package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"inboxflow/internal/models"
	"inboxflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AccountReconciler 触发双 id 修复
type AccountReconciler interface {
	Reconcile(ctx context.Context, accountID uint) (*models.Account, error)
}

// AutomationHandler 会话自动化设置、执行记录与账号修复
type AutomationHandler struct {
	settings   *services.SettingsService
	funnels    *services.FunnelService
	runs       *services.AutomationRunService
	reconciler AccountReconciler
	logger     *logrus.Logger
}

func NewAutomationHandler(settings *services.SettingsService, funnels *services.FunnelService, runs *services.AutomationRunService, reconciler AccountReconciler, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationHandler{
		settings:   settings,
		funnels:    funnels,
		runs:       runs,
		reconciler: reconciler,
		logger:     logger,
	}
}

// RegisterAutomationRoutes 挂载到 /api/v1
func RegisterAutomationRoutes(api gin.IRouter, h *AutomationHandler) {
	conv := api.Group("/conversations/:id")
	{
		conv.GET("/automation", h.GetAutomation)
		conv.PUT("/auto-funnel", h.SetAutoFunnel)
		conv.PUT("/bot", h.PinBot)
	}
	api.GET("/automation/runs", h.ListRuns)
	api.POST("/accounts/:id/reconcile", h.ReconcileAccount)
}

// AutoFunnelRequest 自动漏斗开关
type AutoFunnelRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// PinBotRequest bot_id 为 null 时取消固定
type PinBotRequest struct {
	BotID *uint `json:"bot_id"`
}

// AutomationState 会话当前的自动化状态
type AutomationState struct {
	Settings    *models.ConversationAISettings `json:"settings"`
	Enrollments []models.FunnelEnrollment      `json:"enrollments"`
}

func workspaceID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Query("workspace_id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid workspace ID",
			Message: "workspace_id query parameter is required",
		})
		return 0, false
	}
	return uint(id), true
}

// GetAutomation 返回会话设置与漏斗报名
func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	wsID, ok := workspaceID(c)
	if !ok {
		return
	}
	convID := c.Param("id")
	ctx := c.Request.Context()

	st, err := h.settings.Get(ctx, wsID, convID)
	if err != nil {
		h.logger.Errorf("Failed to load settings for %s: %v", convID, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load settings", Message: err.Error()})
		return
	}
	enrollments, err := h.funnels.Enrollments(ctx, wsID, convID)
	if err != nil {
		h.logger.Errorf("Failed to load enrollments for %s: %v", convID, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load enrollments", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, AutomationState{Settings: st, Enrollments: enrollments})
}

// SetAutoFunnel 开关 AI 漏斗移动
func (h *AutomationHandler) SetAutoFunnel(c *gin.Context) {
	wsID, ok := workspaceID(c)
	if !ok {
		return
	}
	var req AutoFunnelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	st, err := h.settings.SetAutoFunnel(c.Request.Context(), wsID, c.Param("id"), *req.Enabled)
	if err != nil {
		h.logger.Errorf("Failed to toggle auto funnel: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to update settings", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "auto funnel updated", Data: st})
}

// PinBot 固定或取消固定会话机器人
func (h *AutomationHandler) PinBot(c *gin.Context) {
	wsID, ok := workspaceID(c)
	if !ok {
		return
	}
	var req PinBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	st, err := h.settings.PinBot(c.Request.Context(), wsID, c.Param("id"), req.BotID)
	if errors.Is(err, services.ErrBotUnavailable) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Bot not available", Message: err.Error()})
		return
	}
	if err != nil {
		h.logger.Errorf("Failed to pin bot: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to update settings", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "bot updated", Data: st})
}

// ListRuns 自动化执行记录，可按会话过滤
func (h *AutomationHandler) ListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	runs, err := h.runs.List(c.Request.Context(), c.Query("conversation_id"), limit)
	if err != nil {
		h.logger.Errorf("Failed to list automation runs: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list runs", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs, "total": len(runs)})
}

// ReconcileAccount 手动触发双 id 修复
func (h *AutomationHandler) ReconcileAccount(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid account ID", Message: "ID must be a valid number"})
		return
	}

	acc, err := h.reconciler.Reconcile(c.Request.Context(), uint(id))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, SuccessResponse{Message: "account reconciled", Data: acc})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Account not found", Message: err.Error()})
	case errors.Is(err, services.ErrNotReconciled):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Account not reconciled", Message: err.Error()})
	default:
		h.logger.Errorf("Failed to reconcile account %d: %v", id, err)
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "Reconcile failed", Message: err.Error()})
	}
}
