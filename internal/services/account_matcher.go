package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inboxflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 启发式回退时最多探测的候选账号数
const maxHeuristicCandidates = 20

// AccountMatcher 将 webhook 中的账号侧 id 解析为唯一的活跃账号
type AccountMatcher struct {
	db     *gorm.DB
	lister ConversationLister
	logger *logrus.Logger
}

func NewAccountMatcher(db *gorm.DB, lister ConversationLister, logger *logrus.Logger) *AccountMatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &AccountMatcher{db: db, lister: lister, logger: logger}
}

// Match 依次尝试主 id、路由 id、停用拒绝、双 id 启发式。
// accountSideID 是 webhook 中属于我方账号的一侧，counterpartID 是对端。
func (m *AccountMatcher) Match(ctx context.Context, platform, accountSideID, counterpartID string) (*models.Account, error) {
	log := m.logger.WithFields(logrus.Fields{"platform": platform, "account_side_id": accountSideID})

	acc, err := m.findActive(ctx, platform, "accounts.platform_user_id = ?", accountSideID)
	if err != nil || acc != nil {
		return acc, err
	}

	acc, err = m.findActive(ctx, platform, "accounts.page_id = ?", accountSideID)
	if err != nil || acc != nil {
		return acc, err
	}

	var known int64
	if err := m.db.WithContext(ctx).Model(&models.Account{}).
		Where("platform = ? AND (platform_user_id = ? OR page_id = ?)", platform, accountSideID, accountSideID).
		Count(&known).Error; err != nil {
		return nil, fmt.Errorf("check known accounts: %w", err)
	}
	if known > 0 {
		log.Warn("webhook recipient belongs to an inactive account or workspace, rejecting")
		return nil, ErrAccountRejected
	}

	if platform == models.PlatformInstagram && m.lister != nil {
		acc, err = m.matchByParticipants(ctx, accountSideID, counterpartID)
		if err != nil || acc != nil {
			return acc, err
		}
	}

	log.Warn("no connected account found for webhook recipient")
	return nil, ErrAccountNotFound
}

func (m *AccountMatcher) findActive(ctx context.Context, platform, column string, id string) (*models.Account, error) {
	if id == "" {
		return nil, nil
	}
	var acc models.Account
	err := m.activeScope(ctx).
		Where("accounts.platform = ?", platform).
		Where(column, id).
		Preload("Workspace").
		First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	return &acc, nil
}

// activeScope 账号与 workspace 均为活跃
func (m *AccountMatcher) activeScope(ctx context.Context) *gorm.DB {
	return m.db.WithContext(ctx).Model(&models.Account{}).
		Joins("JOIN workspaces ON workspaces.id = accounts.workspace_id").
		Where("accounts.is_active = ? AND workspaces.is_active = ?", true, true)
}

// matchByParticipants 只在会话参与者中确认出现 webhook 的 id 时才认领，并自愈 platform_user_id
func (m *AccountMatcher) matchByParticipants(ctx context.Context, accountSideID, counterpartID string) (*models.Account, error) {
	var candidates []models.Account
	err := m.activeScope(ctx).
		Where("accounts.platform = ?", models.PlatformInstagram).
		Where("accounts.reconciled_at IS NULL").
		Where("accounts.connection_type = ? OR accounts.access_token LIKE ?", models.ConnectionInstagramBusinessLogin, "IGAAL%").
		Order("accounts.id ASC").
		Limit(maxHeuristicCandidates).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("load heuristic candidates: %w", err)
	}

	// 账号侧 id 命中优先于对端 id 命中
	var counterpartHit *models.Account
	for i := range candidates {
		acc := &candidates[i]
		if !acc.IsBusinessLogin() {
			continue
		}
		convs, err := m.lister.ListConversations(ctx, acc)
		if err != nil {
			m.logger.WithError(err).WithField("account_id", acc.ID).Warn("list conversations failed during account match")
			continue
		}
		for _, conv := range convs {
			for _, p := range conv.Participants.Data {
				if p.ID == accountSideID {
					return m.heal(ctx, acc, accountSideID)
				}
				if counterpartHit == nil && counterpartID != "" && p.ID == counterpartID {
					counterpartHit = acc
				}
			}
		}
	}
	if counterpartHit != nil {
		return m.heal(ctx, counterpartHit, accountSideID)
	}
	return nil, nil
}

func (m *AccountMatcher) heal(ctx context.Context, acc *models.Account, webhookID string) (*models.Account, error) {
	if err := updatePlatformUserID(ctx, m.db, acc, webhookID); err != nil {
		return nil, err
	}
	m.logger.WithFields(logrus.Fields{
		"account_id":       acc.ID,
		"platform_user_id": webhookID,
	}).Info("account identifier repaired from conversation participants")
	if err := m.db.WithContext(ctx).Preload("Workspace").First(acc, acc.ID).Error; err != nil {
		return nil, fmt.Errorf("reload account: %w", err)
	}
	return acc, nil
}

// updatePlatformUserID 写入 webhook 使用的账号 id 并标记已对齐
func updatePlatformUserID(ctx context.Context, db *gorm.DB, acc *models.Account, platformUserID string) error {
	now := time.Now()
	err := db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", acc.ID).
		Updates(map[string]interface{}{
			"platform_user_id": platformUserID,
			"reconciled_at":    now,
		}).Error
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("platform user id %s already claimed by another active account: %w", platformUserID, err)
		}
		return fmt.Errorf("update platform user id: %w", err)
	}
	acc.PlatformUserID = platformUserID
	acc.ReconciledAt = &now
	return nil
}
