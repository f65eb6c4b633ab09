package services

import (
	"context"
	"fmt"
	"strings"

	"inboxflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Reconciler 双 id 修复：用 API 作用域 id 列出会话，按用户名找回 webhook 使用的账号 id
type Reconciler struct {
	db     *gorm.DB
	lister ConversationLister
	logger *logrus.Logger
}

func NewReconciler(db *gorm.DB, lister ConversationLister, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Reconciler{db: db, lister: lister, logger: logger}
}

// Reconcile 幂等；非双 id 账号直接返回
func (r *Reconciler) Reconcile(ctx context.Context, accountID uint) (*models.Account, error) {
	var acc models.Account
	if err := r.db.WithContext(ctx).First(&acc, accountID).Error; err != nil {
		return nil, fmt.Errorf("load account %d: %w", accountID, err)
	}
	if !acc.IsBusinessLogin() {
		return &acc, nil
	}
	if acc.PlatformUsername == "" {
		return nil, fmt.Errorf("account %d has no username to reconcile against", acc.ID)
	}

	convs, err := r.lister.ListConversations(ctx, &acc)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var found string
	for _, conv := range convs {
		for _, p := range conv.Participants.Data {
			if p.ID != "" && strings.EqualFold(p.Username, acc.PlatformUsername) {
				found = p.ID
				break
			}
		}
		if found != "" {
			break
		}
	}
	if found == "" {
		return nil, ErrNotReconciled
	}

	previous := acc.PlatformUserID
	if err := updatePlatformUserID(ctx, r.db, &acc, found); err != nil {
		return nil, err
	}
	r.logger.WithFields(logrus.Fields{
		"account_id": acc.ID,
		"previous":   previous,
		"current":    found,
	}).Info("account reconciled")
	return &acc, nil
}

// ReconcilePending 对所有未对齐的活跃双 id 账号执行修复，返回成功数
func (r *Reconciler) ReconcilePending(ctx context.Context) (int, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("platform = ? AND is_active = ? AND reconciled_at IS NULL", models.PlatformInstagram, true).
		Where("connection_type = ? OR access_token LIKE ?", models.ConnectionInstagramBusinessLogin, "IGAAL%").
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("load pending accounts: %w", err)
	}

	done := 0
	for _, id := range ids {
		if _, err := r.Reconcile(ctx, id); err != nil {
			r.logger.WithError(err).WithField("account_id", id).Warn("reconcile failed")
			continue
		}
		done++
	}
	return done, nil
}
