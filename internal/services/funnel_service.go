package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inboxflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 单次推进最多执行的步骤数，防止配置成环的漏斗空转
const maxStepsPerPass = 50

// errEnrollmentMoved 报名已被其他执行者推进
var errEnrollmentMoved = errors.New("enrollment advanced concurrently")

// FunnelInput 漏斗引擎处理一条入站消息所需的信息
type FunnelInput struct {
	WorkspaceID    uint
	ConversationID string
	Text           string
	IsFirstMessage bool
}

// FunnelResult 一次处理的结果；Text 为空表示无需发送
type FunnelResult struct {
	Text         string
	FunnelID     uint
	EnrollmentID uint
	Enrolled     bool
}

// FunnelService 漏斗触发、报名与步骤状态机
type FunnelService struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewFunnelService(db *gorm.DB, logger *logrus.Logger) *FunnelService {
	if logger == nil {
		logger = logrus.New()
	}
	return &FunnelService{db: db, logger: logger, now: time.Now}
}

// ProcessMessage 评估触发器、报名并执行；之后推进该会话已到期的报名。
// 每次最多返回一段待发送文本。
func (s *FunnelService) ProcessMessage(ctx context.Context, in FunnelInput) (*FunnelResult, error) {
	result := &FunnelResult{}

	funnel, err := s.CheckTriggers(ctx, in)
	if err != nil {
		return nil, err
	}

	var justRan uint
	if funnel != nil {
		enr, created, err := s.Enroll(ctx, funnel, in.ConversationID)
		if err != nil {
			return nil, err
		}
		result.FunnelID = funnel.ID
		result.EnrollmentID = enr.ID
		result.Enrolled = created
		if created {
			justRan = enr.ID
			text, err := s.RunEnrollment(ctx, enr.ID)
			if err != nil {
				return nil, err
			}
			if text != "" {
				result.Text = text
				return result, nil
			}
		}
	}

	pending, err := s.dueForConversation(ctx, in.WorkspaceID, in.ConversationID, justRan)
	if err != nil {
		return nil, err
	}
	for _, enr := range pending {
		text, err := s.RunEnrollment(ctx, enr.ID)
		if err != nil {
			s.logger.WithError(err).WithField("enrollment_id", enr.ID).Error("failed to advance pending enrollment")
			continue
		}
		if text != "" {
			result.Text = text
			result.FunnelID = enr.FunnelID
			result.EnrollmentID = enr.ID
			return result, nil
		}
	}
	return result, nil
}

// CheckTriggers 按优先级降序返回第一个命中的活跃漏斗
func (s *FunnelService) CheckTriggers(ctx context.Context, in FunnelInput) (*models.Funnel, error) {
	var funnels []models.Funnel
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND is_active = ?", in.WorkspaceID, true).
		Order("priority DESC").Order("id ASC").
		Find(&funnels).Error
	if err != nil {
		return nil, fmt.Errorf("load funnels: %w", err)
	}

	var tags map[string]bool
	for i := range funnels {
		f := &funnels[i]
		cfg, err := f.ParseTrigger()
		if err != nil {
			s.logger.WithError(err).WithField("funnel_id", f.ID).Warn("invalid funnel trigger config")
			continue
		}
		switch f.TriggerType {
		case models.FunnelTriggerNewConversation:
			if in.IsFirstMessage {
				return f, nil
			}
		case models.FunnelTriggerKeyword:
			if matchKeywords(in.Text, cfg.Keywords, cfg.Match) {
				return f, nil
			}
		case models.FunnelTriggerTag:
			if len(cfg.Tags) == 0 {
				continue
			}
			if tags == nil {
				if tags, err = s.conversationTags(ctx, in.WorkspaceID, in.ConversationID); err != nil {
					return nil, err
				}
			}
			if hasAllTags(tags, cfg.Tags) {
				return f, nil
			}
		}
	}
	return nil, nil
}

// Enroll 创建 active 报名；已存在时返回现有记录且 created 为 false
func (s *FunnelService) Enroll(ctx context.Context, funnel *models.Funnel, conversationID string) (*models.FunnelEnrollment, bool, error) {
	existing, err := s.activeEnrollment(ctx, funnel.ID, conversationID)
	if err != nil || existing != nil {
		return existing, false, err
	}

	first, ok, err := s.firstStepOrder(ctx, funnel.ID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		first = 1
	}

	enr := &models.FunnelEnrollment{
		FunnelID:       funnel.ID,
		WorkspaceID:    funnel.WorkspaceID,
		ConversationID: conversationID,
		CurrentStep:    first,
		Status:         models.EnrollmentActive,
		EnrolledAt:     s.now(),
		EnrollmentData: "{}",
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(enr).Error; err != nil {
		if isUniqueViolation(err) {
			existing, ferr := s.activeEnrollment(ctx, funnel.ID, conversationID)
			if ferr != nil {
				return nil, false, ferr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("create enrollment: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"funnel_id":       funnel.ID,
		"conversation_id": conversationID,
		"enrollment_id":   enr.ID,
	}).Info("conversation enrolled in funnel")
	return enr, true, nil
}

// RunEnrollment 从当前步骤起连续执行，直到产生文本、遇到未到期的 delay 或报名结束
func (s *FunnelService) RunEnrollment(ctx context.Context, enrollmentID uint) (string, error) {
	var enr models.FunnelEnrollment
	if err := s.db.WithContext(ctx).First(&enr, enrollmentID).Error; err != nil {
		return "", fmt.Errorf("load enrollment %d: %w", enrollmentID, err)
	}
	if enr.Status != models.EnrollmentActive {
		return "", nil
	}

	var steps []models.FunnelStep
	err := s.db.WithContext(ctx).
		Where("funnel_id = ? AND is_active = ?", enr.FunnelID, true).
		Order("step_order ASC").
		Find(&steps).Error
	if err != nil {
		return "", fmt.Errorf("load funnel steps: %w", err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"enrollment_id":   enr.ID,
		"funnel_id":       enr.FunnelID,
		"conversation_id": enr.ConversationID,
	})

	for i := 0; i < maxStepsPerPass; i++ {
		prev := enr.CurrentStep
		step := stepAt(steps, prev)
		if step == nil {
			s.advance(&enr, steps)
			if err := s.save(ctx, &enr, prev); err != nil {
				return "", s.moved(log, err)
			}
			if enr.Status != models.EnrollmentActive {
				return "", nil
			}
			continue
		}

		cfg, err := step.ParseConfig()
		if err != nil {
			log.WithError(err).WithField("step_order", step.StepOrder).Warn("invalid step config, skipping step")
			cfg = models.StepConfig{}
		}

		text := ""
		stop := false
		switch step.StepType {
		case models.StepSendMessage:
			text = cfg.Text
			s.advance(&enr, steps)
			if enr.Status == models.EnrollmentActive {
				due := s.now()
				enr.NextStepAt = &due
			}
			stop = text != ""

		case models.StepDelay:
			d := cfg.Delay()
			now := s.now()
			switch {
			case !enr.DelayArmed && d > 0:
				at := now.Add(d)
				enr.NextStepAt = &at
				enr.DelayArmed = true
				stop = true
			case enr.DelayArmed && enr.NextStepAt != nil && now.Before(*enr.NextStepAt):
				return "", nil
			default:
				s.advance(&enr, steps)
			}

		case models.StepCondition:
			// 仅识别 user_replied 分支，当前直接前进
			s.advance(&enr, steps)

		case models.StepTag:
			if err := s.applyTags(ctx, &enr, cfg); err != nil {
				return "", err
			}
			s.advance(&enr, steps)

		case models.StepAssignHuman:
			now := s.now()
			enr.Status = models.EnrollmentExited
			enr.CompletedAt = &now
			enr.NextStepAt = nil
			enr.DelayArmed = false
			stop = true

		case models.StepAIResponse:
			if err := s.enableAI(ctx, &enr, cfg); err != nil {
				return "", err
			}
			s.advance(&enr, steps)

		default:
			log.WithField("step_type", step.StepType).Warn("unknown step type, skipping")
			s.advance(&enr, steps)
		}

		if err := s.save(ctx, &enr, prev); err != nil {
			return "", s.moved(log, err)
		}
		log.WithFields(logrus.Fields{
			"step_order": step.StepOrder,
			"step_type":  step.StepType,
			"status":     enr.Status,
		}).Debug("funnel step executed")

		if stop || enr.Status != models.EnrollmentActive {
			return text, nil
		}
	}

	log.Warn("funnel step limit reached in a single pass")
	return "", nil
}

// DueEnrollments 所有工作区内 next_step_at 已到的 active 报名
func (s *FunnelService) DueEnrollments(ctx context.Context, limit int) ([]models.FunnelEnrollment, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.FunnelEnrollment
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_step_at IS NOT NULL AND next_step_at <= ?", models.EnrollmentActive, s.now()).
		Order("next_step_at ASC").Order("id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load due enrollments: %w", err)
	}
	return out, nil
}

// Enrollments 会话的全部报名，最新在前
func (s *FunnelService) Enrollments(ctx context.Context, workspaceID uint, conversationID string) ([]models.FunnelEnrollment, error) {
	var out []models.FunnelEnrollment
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND conversation_id = ?", workspaceID, conversationID).
		Order("id DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	return out, nil
}

func (s *FunnelService) dueForConversation(ctx context.Context, workspaceID uint, conversationID string, exclude uint) ([]models.FunnelEnrollment, error) {
	q := s.db.WithContext(ctx).
		Where("workspace_id = ? AND conversation_id = ?", workspaceID, conversationID).
		Where("status = ? AND next_step_at IS NOT NULL AND next_step_at <= ?", models.EnrollmentActive, s.now())
	if exclude != 0 {
		q = q.Where("id <> ?", exclude)
	}
	var out []models.FunnelEnrollment
	if err := q.Order("next_step_at ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load pending enrollments: %w", err)
	}
	return out, nil
}

func (s *FunnelService) activeEnrollment(ctx context.Context, funnelID uint, conversationID string) (*models.FunnelEnrollment, error) {
	var enr models.FunnelEnrollment
	err := s.db.WithContext(ctx).
		Where("funnel_id = ? AND conversation_id = ? AND status = ?", funnelID, conversationID, models.EnrollmentActive).
		First(&enr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find enrollment: %w", err)
	}
	return &enr, nil
}

func (s *FunnelService) firstStepOrder(ctx context.Context, funnelID uint) (int, bool, error) {
	var step models.FunnelStep
	err := s.db.WithContext(ctx).
		Where("funnel_id = ? AND is_active = ?", funnelID, true).
		Order("step_order ASC").
		First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load first step: %w", err)
	}
	return step.StepOrder, true, nil
}

// advance 移到下一个更大的 step_order，没有则完成报名
func (s *FunnelService) advance(enr *models.FunnelEnrollment, steps []models.FunnelStep) {
	enr.NextStepAt = nil
	enr.DelayArmed = false
	for _, st := range steps {
		if st.StepOrder > enr.CurrentStep {
			enr.CurrentStep = st.StepOrder
			return
		}
	}
	now := s.now()
	enr.Status = models.EnrollmentCompleted
	enr.CompletedAt = &now
}

// save 以 current_step 做乐观并发控制
func (s *FunnelService) save(ctx context.Context, enr *models.FunnelEnrollment, prevStep int) error {
	res := s.db.WithContext(ctx).Model(&models.FunnelEnrollment{}).
		Where("id = ? AND current_step = ? AND status = ?", enr.ID, prevStep, models.EnrollmentActive).
		Updates(map[string]interface{}{
			"current_step": enr.CurrentStep,
			"status":       enr.Status,
			"completed_at": enr.CompletedAt,
			"next_step_at": enr.NextStepAt,
			"delay_armed":  enr.DelayArmed,
		})
	if res.Error != nil {
		return fmt.Errorf("save enrollment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errEnrollmentMoved
	}
	return nil
}

func (s *FunnelService) moved(log *logrus.Entry, err error) error {
	if errors.Is(err, errEnrollmentMoved) {
		log.Debug("enrollment advanced by another worker, stopping")
		return nil
	}
	return err
}

func (s *FunnelService) applyTags(ctx context.Context, enr *models.FunnelEnrollment, cfg models.StepConfig) error {
	add := normalizeTags(cfg.Add)
	remove := normalizeTags(cfg.Remove)
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, tag := range add {
			row := models.ConversationTag{
				WorkspaceID:    enr.WorkspaceID,
				ConversationID: enr.ConversationID,
				Tag:            tag,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		if len(remove) > 0 {
			if err := tx.Where("workspace_id = ? AND conversation_id = ? AND tag IN ?", enr.WorkspaceID, enr.ConversationID, remove).
				Delete(&models.ConversationTag{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply tag step: %w", err)
	}
	return nil
}

func (s *FunnelService) enableAI(ctx context.Context, enr *models.FunnelEnrollment, cfg models.StepConfig) error {
	funnelID := enr.FunnelID
	_, err := upsertSettings(ctx, s.db, enr.WorkspaceID, enr.ConversationID, func(st *models.ConversationAISettings) {
		st.AIEnabled = true
		st.FunnelID = &funnelID
		if cfg.BotID != nil {
			botID := *cfg.BotID
			st.AssignedBotID = &botID
			st.OverrideWorkspaceDefault = true
		}
	})
	if err != nil {
		return fmt.Errorf("ai_response step: %w", err)
	}
	return nil
}

func (s *FunnelService) conversationTags(ctx context.Context, workspaceID uint, conversationID string) (map[string]bool, error) {
	var tags []string
	err := s.db.WithContext(ctx).Model(&models.ConversationTag{}).
		Where("workspace_id = ? AND conversation_id = ?", workspaceID, conversationID).
		Pluck("tag", &tags).Error
	if err != nil {
		return nil, fmt.Errorf("load conversation tags: %w", err)
	}
	out := make(map[string]bool, len(tags))
	for _, t := range tags {
		out[strings.ToLower(t)] = true
	}
	return out, nil
}

func stepAt(steps []models.FunnelStep, order int) *models.FunnelStep {
	for i := range steps {
		if steps[i].StepOrder == order {
			return &steps[i]
		}
	}
	return nil
}

func hasAllTags(have map[string]bool, want []string) bool {
	for _, t := range want {
		if !have[strings.ToLower(strings.TrimSpace(t))] {
			return false
		}
	}
	return true
}

func normalizeTags(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// matchKeywords 小写子串匹配；mode 为 all 时要求全部命中，否则任一命中
func matchKeywords(text string, keywords []string, mode string) bool {
	lower := strings.ToLower(text)
	seen := 0
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		seen++
		hit := strings.Contains(lower, kw)
		if mode == "all" {
			if !hit {
				return false
			}
		} else if hit {
			return true
		}
	}
	return mode == "all" && seen > 0
}
