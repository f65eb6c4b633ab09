package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"inboxflow/internal/config"
	"inboxflow/internal/middleware"
	"inboxflow/internal/models"
	"inboxflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// EventProcessor 处理单条入站事件
type EventProcessor interface {
	Process(ctx context.Context, evt services.InboundEvent) (*services.IngestResult, error)
}

// WebhookHandler 平台 webhook 握手与接收
type WebhookHandler struct {
	cfg       *config.Config
	processor EventProcessor
	logger    *logrus.Logger
}

func NewWebhookHandler(cfg *config.Config, processor EventProcessor, logger *logrus.Logger) *WebhookHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookHandler{cfg: cfg, processor: processor, logger: logger}
}

// RegisterWebhookRoutes 每个平台一对 GET/POST，POST 先过签名校验
func RegisterWebhookRoutes(r gin.IRouter, h *WebhookHandler) {
	for _, platform := range []string{models.PlatformFacebook, models.PlatformInstagram} {
		path := "/webhooks/" + platform
		r.GET(path, h.Verify(platform))
		r.POST(path, middleware.WebhookSignature(h.cfg, platform, h.logger), h.Receive(platform))
	}
}

func (h *WebhookHandler) verifyToken(platform string) string {
	if platform == models.PlatformInstagram {
		return h.cfg.Platforms.Instagram.VerifyToken
	}
	return h.cfg.Platforms.Facebook.VerifyToken
}

// Verify 订阅握手：mode=subscribe 且 token 一致时原样返回 challenge
func (h *WebhookHandler) Verify(platform string) gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := h.verifyToken(platform)
		mode := c.Query("hub.mode")
		token := c.Query("hub.verify_token")
		if mode != "subscribe" || expected == "" || token != expected {
			h.logger.WithFields(logrus.Fields{
				"platform": platform,
				"mode":     mode,
			}).Warn("webhook verification rejected")
			c.String(http.StatusForbidden, "forbidden")
			return
		}
		c.String(http.StatusOK, c.Query("hub.challenge"))
	}
}

// Receive 解析并逐条处理事件；单条失败不影响确认，避免平台重投风暴
func (h *WebhookHandler) Receive(platform string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := rawBody(c)
		if !ok {
			var err error
			if body, err = io.ReadAll(c.Request.Body); err != nil {
				c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
				return
			}
		}

		events, err := services.ParseWebhookEvents(platform, body)
		if err != nil {
			h.logger.WithError(err).WithField("platform", platform).Warn("unparseable webhook body")
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON", Message: err.Error()})
			return
		}

		ctx := c.Request.Context()
		for _, evt := range events {
			h.process(ctx, evt)
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (h *WebhookHandler) process(ctx context.Context, evt services.InboundEvent) {
	log := h.logger.WithFields(logrus.Fields{
		"platform":     evt.Platform,
		"message_id":   evt.MessageID,
		"recipient_id": evt.AccountSideID(),
		"is_echo":      evt.IsEcho,
	})
	res, err := h.processor.Process(ctx, evt)
	switch {
	case err == nil:
		log.WithFields(logrus.Fields{
			"conversation_id": res.ConversationID,
			"replies":         len(res.Replies),
		}).Debug("webhook event processed")
	case errors.Is(err, services.ErrDuplicateMessage):
		log.Debug("duplicate webhook delivery ignored")
	case errors.Is(err, services.ErrAccountRejected), errors.Is(err, services.ErrAccountNotFound):
		log.WithError(err).Warn("webhook event not routed")
	default:
		log.WithError(err).Error("webhook event failed")
	}
}

func rawBody(c *gin.Context) ([]byte, bool) {
	v, ok := c.Get(middleware.RawBodyKey)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}
