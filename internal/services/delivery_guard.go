package services

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// 落库前占位的有效期；进程在落库前崩溃时，平台重投最多被挡这么久
const deliveryClaimTTL = time.Minute

// DeliveryGuard 在数据库唯一索引之前拦截热重投
type DeliveryGuard interface {
	// FirstDelivery 首次见到该消息 id 返回 true
	FirstDelivery(ctx context.Context, messageID string) bool
	// Confirm 消息已落库，延长标记有效期
	Confirm(ctx context.Context, messageID string)
	// Release 处理失败时撤销标记，允许平台重投
	Release(ctx context.Context, messageID string)
}

// RedisDeliveryGuard SETNX 实现；Redis 不可用时放行，由数据库兜底
type RedisDeliveryGuard struct {
	client   redis.Cmdable
	claimTTL time.Duration
	ttl      time.Duration
	logger   *logrus.Logger
}

func NewRedisDeliveryGuard(client redis.Cmdable, ttl time.Duration, logger *logrus.Logger) *RedisDeliveryGuard {
	if logger == nil {
		logger = logrus.New()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeliveryGuard{client: client, claimTTL: deliveryClaimTTL, ttl: ttl, logger: logger}
}

func deliveryKey(messageID string) string {
	return "dm:delivery:" + messageID
}

func (g *RedisDeliveryGuard) FirstDelivery(ctx context.Context, messageID string) bool {
	ok, err := g.client.SetNX(ctx, deliveryKey(messageID), 1, g.claimTTL).Result()
	if err != nil {
		g.logger.WithError(err).WithField("message_id", messageID).Debug("delivery guard unavailable, falling back to database")
		return true
	}
	return ok
}

func (g *RedisDeliveryGuard) Confirm(ctx context.Context, messageID string) {
	if err := g.client.Expire(ctx, deliveryKey(messageID), g.ttl).Err(); err != nil {
		g.logger.WithError(err).WithField("message_id", messageID).Debug("delivery guard confirm failed")
	}
}

func (g *RedisDeliveryGuard) Release(ctx context.Context, messageID string) {
	if err := g.client.Del(ctx, deliveryKey(messageID)).Err(); err != nil {
		g.logger.WithError(err).WithField("message_id", messageID).Debug("delivery guard release failed")
	}
}
