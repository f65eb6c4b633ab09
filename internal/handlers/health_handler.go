package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"inboxflow/internal/config"
	appmetrics "inboxflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Version 构建时通过 -ldflags 覆盖
var Version = "dev"

// StatsProvider 提供 /metrics 中的组件快照
type StatsProvider interface {
	Stats() map[string]interface{}
}

// HealthHandler 健康、就绪与指标端点
type HealthHandler struct {
	config *config.Config
	db     *gorm.DB
	redis  redis.Cmdable
	stats  map[string]StatsProvider
	logger *logrus.Logger
}

// NewHealthHandler redis 可为 nil
func NewHealthHandler(cfg *config.Config, db *gorm.DB, rdb redis.Cmdable, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &HealthHandler{
		config: cfg,
		db:     db,
		redis:  rdb,
		stats:  make(map[string]StatsProvider),
		logger: logger,
	}
}

// AddStats 注册一个组件快照，在 /metrics 中以 name 为键输出
func (h *HealthHandler) AddStats(name string, p StatsProvider) {
	h.stats[name] = p
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services,omitempty"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 依赖状态
type ServiceInfo struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SystemInfo 进程信息
type SystemInfo struct {
	Uptime     string `json:"uptime"`
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
}

var startTime = time.Now()

func (h *HealthHandler) system() SystemInfo {
	return SystemInfo{
		Uptime:     time.Since(startTime).Round(time.Second).String(),
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
	}
}

// Health 存活检查，不访问外部依赖
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   Version,
		Timestamp: time.Now().UTC(),
		System:    h.system(),
	})
}

// Ready 检查数据库；Redis 只影响 degraded 状态，因为投递去重会回落到数据库
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "ready",
		Version:   Version,
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]ServiceInfo),
		System:    h.system(),
	}

	db := h.checkDatabase(ctx)
	resp.Services["database"] = db
	if db.Status != "healthy" {
		resp.Status = "not_ready"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	if h.redis != nil {
		rs := h.checkRedis(ctx)
		resp.Services["redis"] = rs
		if rs.Status != "healthy" {
			resp.Status = "degraded"
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	if h.db == nil {
		return ServiceInfo{Status: "unhealthy", Error: "database connection not initialized"}
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		h.logger.WithError(err).Warn("database ping failed")
		return ServiceInfo{Status: "unhealthy", Latency: time.Since(start).String(), Error: err.Error()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}

func (h *HealthHandler) checkRedis(ctx context.Context) ServiceInfo {
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		h.logger.WithError(err).Warn("redis ping failed")
		return ServiceInfo{Status: "unhealthy", Latency: time.Since(start).String(), Error: err.Error()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}

// Metrics 计数器与组件快照（JSON）
func (h *HealthHandler) Metrics(c *gin.Context) {
	total, byPrefix := appmetrics.RateLimitSnapshot()
	components := make(map[string]interface{}, len(h.stats))
	for name, p := range h.stats {
		components[name] = p.Stats()
	}
	c.JSON(http.StatusOK, gin.H{
		"counters": appmetrics.Snapshot(),
		"rate_limit": gin.H{
			"dropped_total": total,
			"by_prefix":     byPrefix,
		},
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}
