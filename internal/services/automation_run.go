package services

import (
	"context"
	"fmt"

	"inboxflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 阶段执行结果
const (
	RunSuccess = "success"
	RunSkipped = "skipped"
	RunFailed  = "failed"
)

// AutomationRunService 记录并查询各阶段执行结果
type AutomationRunService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAutomationRunService(db *gorm.DB, logger *logrus.Logger) *AutomationRunService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationRunService{db: db, logger: logger}
}

// Record 写入失败只记日志，不影响调用方
func (s *AutomationRunService) Record(ctx context.Context, run *models.AutomationRun) {
	if s == nil || s.db == nil {
		return
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"stage":           run.Stage,
			"conversation_id": run.ConversationID,
		}).Warn("failed to record automation run")
	}
}

// List 按会话过滤，最新在前
func (s *AutomationRunService) List(ctx context.Context, conversationID string, limit int) ([]models.AutomationRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if conversationID != "" {
		q = q.Where("conversation_id = ?", conversationID)
	}
	var runs []models.AutomationRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list automation runs: %w", err)
	}
	return runs, nil
}
