package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"inboxflow/internal/config"
	appmetrics "inboxflow/internal/metrics"
	"inboxflow/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	// SignatureHeader Meta 平台签名头，格式 sha256=<hex>
	SignatureHeader = "X-Hub-Signature-256"
	// RawBodyKey 验签后原始请求体在 gin.Context 中的键
	RawBodyKey = "webhook_raw_body"

	defaultMaxBodyBytes = 1 << 20
)

var (
	errMissingSignature = errors.New("missing signature")
	errBadSignature     = errors.New("signature mismatch")
	errNoSecret         = errors.New("no app secret configured")
)

// SignatureSecrets 返回平台可接受的密钥，按尝试顺序排列。
// Instagram 有两种接入方式：Instagram 登录用 IG 密钥，经 Facebook 主页接入的用 Facebook 密钥。
func SignatureSecrets(cfg *config.Config, platform string) []string {
	fb := cfg.Platforms.Facebook.AppSecret
	ig := cfg.Platforms.Instagram.AppSecret
	var secrets []string
	switch platform {
	case models.PlatformInstagram:
		secrets = []string{ig, fb}
	default:
		secrets = []string{fb}
	}
	out := secrets[:0]
	for _, s := range secrets {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// VerifySignature 常量时间比较 HMAC-SHA256；任一密钥匹配即通过
func VerifySignature(body []byte, header string, secrets []string) error {
	if len(secrets) == 0 {
		return errNoSecret
	}
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok || sig == "" {
		return errMissingSignature
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return errBadSignature
	}
	for _, secret := range secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		if hmac.Equal(mac.Sum(nil), want) {
			return nil
		}
	}
	return errBadSignature
}

// WebhookSignature 读取受限大小的原始请求体并验签，失败返回 403 且不进入处理器
func WebhookSignature(cfg *config.Config, platform string, logger *logrus.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = logrus.New()
	}
	maxBytes := cfg.Security.WebhookMaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	secrets := SignatureSecrets(cfg, platform)

	return func(c *gin.Context) {
		appmetrics.Inc(appmetrics.WebhooksReceived)
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes))
		if err != nil {
			appmetrics.Inc(appmetrics.WebhooksRejected)
			logger.WithError(err).WithField("platform", platform).Warn("webhook body rejected")
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}

		if err := VerifySignature(body, c.GetHeader(SignatureHeader), secrets); err != nil {
			appmetrics.Inc(appmetrics.WebhooksRejected)
			logger.WithError(err).WithFields(logrus.Fields{
				"platform":  platform,
				"client_ip": c.ClientIP(),
			}).Warn("webhook signature verification failed")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}

		c.Set(RawBodyKey, body)
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}
