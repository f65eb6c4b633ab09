package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"

	"inboxflow/internal/config"
	"inboxflow/internal/models"
	"inboxflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testConfig() *config.Config {
	gin.SetMode(gin.TestMode)
	cfg := config.GetDefaultConfig()
	cfg.Platforms.Facebook.AppSecret = "fb-secret"
	cfg.Platforms.Facebook.VerifyToken = "fb-verify"
	cfg.Platforms.Instagram.AppSecret = "ig-secret"
	cfg.Platforms.Instagram.VerifyToken = "ig-verify"
	return cfg
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// fakeProcessor 记录事件，并按 message id 返回预设错误
type fakeProcessor struct {
	mu     sync.Mutex
	events []services.InboundEvent
	errs   map[string]error
}

func (f *fakeProcessor) Process(_ context.Context, evt services.InboundEvent) (*services.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	if err := f.errs[evt.MessageID]; err != nil {
		return nil, err
	}
	return &services.IngestResult{ConversationID: "conv"}, nil
}

func (f *fakeProcessor) Events() []services.InboundEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]services.InboundEvent(nil), f.events...)
}
