package services

import (
	"context"
	"errors"
	"fmt"

	"inboxflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrBotUnavailable 要固定的机器人不存在、未启用或不属于该工作区
var ErrBotUnavailable = errors.New("bot not available in workspace")

// SettingsService 会话级自动化开关
type SettingsService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewSettingsService(db *gorm.DB, logger *logrus.Logger) *SettingsService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SettingsService{db: db, logger: logger}
}

// Get 无记录时返回默认值（AI 与自动漏斗均开启），ID 为 0
func (s *SettingsService) Get(ctx context.Context, workspaceID uint, conversationID string) (*models.ConversationAISettings, error) {
	st, err := findSettings(ctx, s.db, workspaceID, conversationID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = defaultSettings(workspaceID, conversationID)
	}
	return st, nil
}

// SetAutoFunnel 开关自动漏斗移动
func (s *SettingsService) SetAutoFunnel(ctx context.Context, workspaceID uint, conversationID string, enabled bool) (*models.ConversationAISettings, error) {
	st, err := upsertSettings(ctx, s.db, workspaceID, conversationID, func(st *models.ConversationAISettings) {
		st.AutoFunnelEnabled = enabled
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"enabled":         enabled,
	}).Info("auto funnel toggled")
	return st, nil
}

// PinBot 为会话固定机器人并覆盖工作区默认；botID 为 nil 时取消固定
func (s *SettingsService) PinBot(ctx context.Context, workspaceID uint, conversationID string, botID *uint) (*models.ConversationAISettings, error) {
	if botID != nil {
		var bot models.AIBot
		err := s.db.WithContext(ctx).
			Where("id = ? AND workspace_id = ? AND is_active = ?", *botID, workspaceID, true).
			First(&bot).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBotUnavailable
		}
		if err != nil {
			return nil, fmt.Errorf("load bot: %w", err)
		}
	}
	return upsertSettings(ctx, s.db, workspaceID, conversationID, func(st *models.ConversationAISettings) {
		if botID == nil {
			st.AssignedBotID = nil
			st.OverrideWorkspaceDefault = false
			return
		}
		id := *botID
		st.AIEnabled = true
		st.AssignedBotID = &id
		st.OverrideWorkspaceDefault = true
	})
}

// SetAIEnabled 会话级 AI 总开关
func (s *SettingsService) SetAIEnabled(ctx context.Context, workspaceID uint, conversationID string, enabled bool) (*models.ConversationAISettings, error) {
	return upsertSettings(ctx, s.db, workspaceID, conversationID, func(st *models.ConversationAISettings) {
		st.AIEnabled = enabled
	})
}

func defaultSettings(workspaceID uint, conversationID string) *models.ConversationAISettings {
	return &models.ConversationAISettings{
		ConversationID:    conversationID,
		WorkspaceID:       workspaceID,
		AIEnabled:         true,
		AutoFunnelEnabled: true,
	}
}

func findSettings(ctx context.Context, db *gorm.DB, workspaceID uint, conversationID string) (*models.ConversationAISettings, error) {
	var st models.ConversationAISettings
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND workspace_id = ?", conversationID, workspaceID).
		First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation settings: %w", err)
	}
	return &st, nil
}

// upsertSettings 读取或以默认值创建后应用 mutate；并发创建冲突时重读再更新
func upsertSettings(ctx context.Context, db *gorm.DB, workspaceID uint, conversationID string, mutate func(*models.ConversationAISettings)) (*models.ConversationAISettings, error) {
	st, err := findSettings(ctx, db, workspaceID, conversationID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = defaultSettings(workspaceID, conversationID)
		mutate(st)
		err = db.WithContext(ctx).Create(st).Error
		if err == nil {
			return st, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("create conversation settings: %w", err)
		}
		if st, err = findSettings(ctx, db, workspaceID, conversationID); err != nil {
			return nil, err
		}
		if st == nil {
			return nil, fmt.Errorf("conversation %s settings belong to another workspace", conversationID)
		}
	}
	mutate(st)
	if err := db.WithContext(ctx).Save(st).Error; err != nil {
		return nil, fmt.Errorf("save conversation settings: %w", err)
	}
	return st, nil
}
