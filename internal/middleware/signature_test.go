package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"inboxflow/internal/config"
	"inboxflow/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func signatureRouter(cfg *config.Config, platform string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/hook", WebhookSignature(cfg, platform, quietLogger()), func(c *gin.Context) {
		raw := c.MustGet(RawBodyKey).([]byte)
		body, _ := io.ReadAll(c.Request.Body)
		if !bytes.Equal(raw, body) {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, "text/plain", body)
	})
	return r
}

func postSigned(r http.Handler, body, signature string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookSignature(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Platforms.Facebook.AppSecret = "fb-secret"
	cfg.Platforms.Instagram.AppSecret = "ig-secret"
	body := `{"object":"page","entry":[]}`

	tests := []struct {
		name     string
		platform string
		sig      string
		want     int
	}{
		{"facebook valid", models.PlatformFacebook, sign("fb-secret", body), http.StatusOK},
		{"facebook rejects instagram secret", models.PlatformFacebook, sign("ig-secret", body), http.StatusForbidden},
		{"instagram own secret", models.PlatformInstagram, sign("ig-secret", body), http.StatusOK},
		{"instagram falls back to facebook secret", models.PlatformInstagram, sign("fb-secret", body), http.StatusOK},
		{"missing header", models.PlatformFacebook, "", http.StatusForbidden},
		{"wrong prefix", models.PlatformFacebook, strings.Replace(sign("fb-secret", body), "sha256=", "sha1=", 1), http.StatusForbidden},
		{"not hex", models.PlatformFacebook, "sha256=zz", http.StatusForbidden},
		{"tampered", models.PlatformFacebook, sign("fb-secret", body+" "), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postSigned(signatureRouter(cfg, tt.platform), body, tt.sig)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, body, w.Body.String())
			}
		})
	}
}

func TestWebhookSignature_NoSecretFailsClosed(t *testing.T) {
	cfg := config.GetDefaultConfig()
	w := postSigned(signatureRouter(cfg, models.PlatformFacebook), "{}", sign("", "{}"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookSignature_BodyLimit(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Platforms.Facebook.AppSecret = "fb-secret"
	cfg.Security.WebhookMaxBodyBytes = 16
	body := strings.Repeat("x", 64)
	w := postSigned(signatureRouter(cfg, models.PlatformFacebook), body, sign("fb-secret", body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestSignatureSecrets(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Platforms.Facebook.AppSecret = "fb"
	require.Equal(t, []string{"fb"}, SignatureSecrets(cfg, models.PlatformInstagram))

	cfg.Platforms.Instagram.AppSecret = "ig"
	assert.Equal(t, []string{"ig", "fb"}, SignatureSecrets(cfg, models.PlatformInstagram))
	assert.Equal(t, []string{"fb"}, SignatureSecrets(cfg, models.PlatformFacebook))
}
