package services

import (
	"context"
	"errors"
	"fmt"

	"inboxflow/internal/metrics"
	"inboxflow/internal/models"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EnrollmentSweeper 定期推进 next_step_at 已到的报名
type EnrollmentSweeper struct {
	db         *gorm.DB
	funnels    *FunnelService
	dispatcher *Dispatcher
	runs       *AutomationRunService
	batchSize  int
	cron       *cron.Cron
	logger     *logrus.Logger
}

func NewEnrollmentSweeper(db *gorm.DB, funnels *FunnelService, dispatcher *Dispatcher, runs *AutomationRunService, batchSize int, logger *logrus.Logger) *EnrollmentSweeper {
	if logger == nil {
		logger = logrus.New()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &EnrollmentSweeper{
		db:         db,
		funnels:    funnels,
		dispatcher: dispatcher,
		runs:       runs,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Start 按 cron 表达式调度，如 "@every 1m"
func (s *EnrollmentSweeper) Start(spec string) error {
	if spec == "" {
		spec = "@every 1m"
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.SweepOnce(context.Background()); err != nil {
			s.logger.WithError(err).Error("enrollment sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", spec, err)
	}
	s.cron = c
	c.Start()
	s.logger.WithField("schedule", spec).Info("enrollment sweeper started")
	return nil
}

// Stop 等待正在执行的一轮结束
func (s *EnrollmentSweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("enrollment sweeper stopped")
}

// SweepOnce 执行一轮，返回发出的消息数
func (s *EnrollmentSweeper) SweepOnce(ctx context.Context) (int, error) {
	due, err := s.funnels.DueEnrollments(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	// 每个会话每轮最多发出一条，其余到期报名留给下一轮
	sentTo := make(map[string]bool)
	for _, enr := range due {
		key := fmt.Sprintf("%d/%s", enr.WorkspaceID, enr.ConversationID)
		if sentTo[key] {
			continue
		}
		produced, err := s.advance(ctx, enr)
		if produced {
			sentTo[key] = true
		}
		status := RunSuccess
		note := ""
		switch {
		case err != nil:
			status = RunFailed
			note = err.Error()
			metrics.Inc(metrics.StageFailures)
			s.logger.WithError(err).WithField("enrollment_id", enr.ID).Error("failed to advance enrollment")
		case produced:
			sent++
			note = "sent"
		default:
			status = RunSkipped
		}
		s.runs.Record(ctx, &models.AutomationRun{
			CorrelationID:  uuid.New().String(),
			Stage:          models.StageSweep,
			WorkspaceID:    enr.WorkspaceID,
			ConversationID: enr.ConversationID,
			RefID:          enr.ID,
			Status:         status,
			Message:        note,
		})
	}
	metrics.Add(metrics.EnrollmentsSwept, uint64(len(due)))
	if len(due) > 0 {
		s.logger.WithFields(logrus.Fields{"due": len(due), "sent": sent}).Info("enrollment sweep finished")
	}
	return sent, nil
}

// advance 返回本次是否产生了待发文本；发送失败时同时返回错误
func (s *EnrollmentSweeper) advance(ctx context.Context, enr models.FunnelEnrollment) (bool, error) {
	text, err := s.funnels.RunEnrollment(ctx, enr.ID)
	if err != nil || text == "" {
		return false, err
	}
	if s.dispatcher == nil {
		return false, nil
	}

	var part models.ConversationParticipant
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND workspace_id = ?", enr.ConversationID, enr.WorkspaceID).
		First(&part).Error; err != nil {
		return true, fmt.Errorf("load participant: %w", err)
	}

	var acc models.Account
	err = s.db.WithContext(ctx).
		Where("workspace_id = ? AND platform = ? AND is_active = ?", enr.WorkspaceID, part.Platform, true).
		First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, fmt.Errorf("no active %s account for workspace %d", part.Platform, enr.WorkspaceID)
	}
	if err != nil {
		return true, fmt.Errorf("load account: %w", err)
	}

	if _, err := s.dispatcher.Send(ctx, OutboundRequest{
		Account:        &acc,
		ConversationID: enr.ConversationID,
		RecipientID:    part.ParticipantID,
		Text:           text,
		Stage:          models.StageSweep,
	}); err != nil {
		return true, err
	}
	return true, nil
}
