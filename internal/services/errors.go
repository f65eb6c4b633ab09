package services

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrAccountRejected 账号或其 workspace 已停用，webhook 不得转交给其他账号
	ErrAccountRejected = errors.New("webhook recipient belongs to an inactive account or workspace")
	// ErrAccountNotFound 没有账号能认领该 webhook
	ErrAccountNotFound = errors.New("no connected account matches webhook recipient")
	// ErrDuplicateMessage 平台重投的消息
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrNoProvider 机器人配置了不支持的 AI 提供方
	ErrNoProvider = errors.New("unsupported AI provider")
	// ErrMissingCredential AI 提供方未配置密钥
	ErrMissingCredential = errors.New("missing AI provider credential")
	// ErrNotReconciled 会话列表中找不到与账号用户名一致的参与者
	ErrNotReconciled = errors.New("no participant matches account username")
	// ErrCircuitOpen 提供方熔断中
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// isUniqueViolation 兼容 TranslateError 与原始驱动错误
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
