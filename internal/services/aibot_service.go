package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inboxflow/internal/models"

	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultContextWindow = 10

// ResponseGenerator 生成机器人回复
type ResponseGenerator interface {
	Generate(ctx context.Context, bot *models.AIBot, history []*schema.Message) (string, error)
}

// BotInput 机器人阶段的输入
type BotInput struct {
	WorkspaceID    uint
	ConversationID string
	Text           string
}

// BotReply 待发送的机器人回复；Delay 大于 0 时延迟发送
type BotReply struct {
	Bot   *models.AIBot
	Text  string
	Delay time.Duration
	// Release 发送失败时归还已占用的名额；未设上限时为 nil
	Release func(ctx context.Context)
}

// botResolver 单层解析：返回机器人，或 stop 表示到此为止不回复
type botResolver func(ctx context.Context, workspaceID uint, conversationID string, st *models.ConversationAISettings) (bot *models.AIBot, stop bool, err error)

// AIBotService 选择机器人、检查触发与上限、调用模型
type AIBotService struct {
	db        *gorm.DB
	generator ResponseGenerator
	logger    *logrus.Logger
	resolvers []botResolver
}

func NewAIBotService(db *gorm.DB, generator ResponseGenerator, logger *logrus.Logger) *AIBotService {
	if logger == nil {
		logger = logrus.New()
	}
	s := &AIBotService{db: db, generator: generator, logger: logger}
	s.resolvers = []botResolver{
		s.resolveDisabled,
		s.resolveOverride,
		s.resolveFunnelStep,
		s.resolveWorkspaceDefault,
	}
	return s
}

// ProcessIncoming 返回 nil 表示本条消息不由机器人回复
func (s *AIBotService) ProcessIncoming(ctx context.Context, in BotInput) (*BotReply, error) {
	bot, err := s.ResolveBot(ctx, in.WorkspaceID, in.ConversationID)
	if err != nil || bot == nil {
		return nil, err
	}
	log := s.logger.WithFields(logrus.Fields{
		"bot_id":          bot.ID,
		"conversation_id": in.ConversationID,
	})

	ok, err := s.ShouldRespond(ctx, bot, in.Text)
	if err != nil || !ok {
		return nil, err
	}

	capped, err := s.reachedCap(ctx, bot, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if capped {
		log.Debug("bot reached per-conversation message cap")
		return nil, nil
	}

	history, err := s.BuildContext(ctx, in.WorkspaceID, in.ConversationID, bot.ContextWindowMessages)
	if err != nil {
		return nil, err
	}

	text, err := s.generator.Generate(ctx, bot, history)
	if err != nil {
		if errors.Is(err, ErrNoProvider) || errors.Is(err, ErrMissingCredential) {
			log.WithError(err).Warn("bot has no usable ai provider")
			return nil, nil
		}
		return nil, fmt.Errorf("generate reply: %w", err)
	}

	// 决定回复时即占用名额，延迟发送与并发消息都计入
	claimed, err := s.claimReplySlot(ctx, bot, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		log.Debug("bot reached per-conversation message cap")
		return nil, nil
	}

	reply := &BotReply{
		Bot:   bot,
		Text:  text + BotMarker(bot.Name),
		Delay: time.Duration(bot.ResponseDelaySeconds) * time.Second,
	}
	if bot.MaxMessagesPerConversation != nil {
		botID, conversationID := bot.ID, in.ConversationID
		reply.Release = func(ctx context.Context) {
			s.releaseReplySlot(ctx, botID, conversationID)
		}
	}
	return reply, nil
}

// BotMarker 追加到机器人回复末尾的署名
func BotMarker(name string) string {
	return "\n\n[Bot: " + name + "]"
}

// ResolveBot 按优先级依次尝试各层解析
func (s *AIBotService) ResolveBot(ctx context.Context, workspaceID uint, conversationID string) (*models.AIBot, error) {
	st, err := findSettings(ctx, s.db, workspaceID, conversationID)
	if err != nil {
		return nil, err
	}
	for _, resolve := range s.resolvers {
		bot, stop, err := resolve(ctx, workspaceID, conversationID, st)
		if err != nil {
			return nil, err
		}
		if bot != nil || stop {
			return bot, nil
		}
	}
	return nil, nil
}

func (s *AIBotService) resolveDisabled(_ context.Context, _ uint, _ string, st *models.ConversationAISettings) (*models.AIBot, bool, error) {
	return nil, st != nil && !st.AIEnabled, nil
}

func (s *AIBotService) resolveOverride(ctx context.Context, workspaceID uint, _ string, st *models.ConversationAISettings) (*models.AIBot, bool, error) {
	if st == nil || !st.OverrideWorkspaceDefault || st.AssignedBotID == nil {
		return nil, false, nil
	}
	bot, err := s.activeBot(ctx, workspaceID, *st.AssignedBotID)
	return bot, false, err
}

func (s *AIBotService) resolveFunnelStep(ctx context.Context, workspaceID uint, conversationID string, _ *models.ConversationAISettings) (*models.AIBot, bool, error) {
	var steps []models.FunnelStep
	err := s.db.WithContext(ctx).Model(&models.FunnelStep{}).
		Joins("JOIN funnel_enrollments ON funnel_enrollments.funnel_id = funnel_steps.funnel_id AND funnel_enrollments.current_step = funnel_steps.step_order").
		Where("funnel_enrollments.workspace_id = ? AND funnel_enrollments.conversation_id = ? AND funnel_enrollments.status = ?",
			workspaceID, conversationID, models.EnrollmentActive).
		Where("funnel_steps.step_type = ? AND funnel_steps.is_active = ?", models.StepAIResponse, true).
		Order("funnel_enrollments.id ASC").
		Find(&steps).Error
	if err != nil {
		return nil, false, fmt.Errorf("load ai_response steps: %w", err)
	}
	for i := range steps {
		cfg, err := steps[i].ParseConfig()
		if err != nil || cfg.BotID == nil {
			continue
		}
		bot, err := s.activeBot(ctx, workspaceID, *cfg.BotID)
		if err != nil {
			return nil, false, err
		}
		if bot != nil {
			return bot, false, nil
		}
	}
	return nil, false, nil
}

func (s *AIBotService) resolveWorkspaceDefault(ctx context.Context, workspaceID uint, _ string, _ *models.ConversationAISettings) (*models.AIBot, bool, error) {
	var bot models.AIBot
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND bot_type = ? AND auto_respond = ? AND is_active = ?",
			workspaceID, models.BotTypeWorkspaceDefault, true, true).
		Order("id ASC").
		First(&bot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load workspace default bot: %w", err)
	}
	return &bot, false, nil
}

func (s *AIBotService) activeBot(ctx context.Context, workspaceID, botID uint) (*models.AIBot, error) {
	var bot models.AIBot
	err := s.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ? AND is_active = ?", botID, workspaceID, true).
		First(&bot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load bot %d: %w", botID, err)
	}
	return &bot, nil
}

// ShouldRespond 无触发器时总是回复；否则任一触发器命中即回复
func (s *AIBotService) ShouldRespond(ctx context.Context, bot *models.AIBot, text string) (bool, error) {
	var triggers []models.AIBotTrigger
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND is_active = ?", bot.ID, true).
		Order("priority DESC").Order("id ASC").
		Find(&triggers).Error
	if err != nil {
		return false, fmt.Errorf("load bot triggers: %w", err)
	}
	if len(triggers) == 0 {
		return true, nil
	}
	for i := range triggers {
		if s.evaluateTrigger(&triggers[i], text) {
			return true, nil
		}
	}
	return false, nil
}

func (s *AIBotService) evaluateTrigger(t *models.AIBotTrigger, text string) bool {
	switch t.TriggerType {
	case models.BotTriggerAlways:
		return true
	case models.BotTriggerKeyword:
		cfg, err := t.ParseConfig()
		if err != nil {
			s.logger.WithError(err).WithField("trigger_id", t.ID).Warn("invalid bot trigger config")
			return false
		}
		return matchKeywords(text, cfg.Keywords, cfg.Match)
	case models.BotTriggerTimeBased:
		// 未实现的时间窗口触发
		return false
	default:
		return false
	}
}

// reachedCap 有名额记录时以记录为准，否则统计已发出的消息
func (s *AIBotService) reachedCap(ctx context.Context, bot *models.AIBot, conversationID string) (bool, error) {
	if bot.MaxMessagesPerConversation == nil {
		return false, nil
	}
	n, err := s.usedReplies(ctx, bot, conversationID)
	if err != nil {
		return false, err
	}
	return n >= int64(*bot.MaxMessagesPerConversation), nil
}

func (s *AIBotService) usedReplies(ctx context.Context, bot *models.AIBot, conversationID string) (int64, error) {
	var usage models.BotConversationUsage
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND conversation_id = ?", bot.ID, conversationID).
		First(&usage).Error
	if err == nil {
		return int64(usage.ReplyCount), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("load bot usage: %w", err)
	}
	return s.countSentReplies(ctx, bot, conversationID)
}

// countSentReplies 按 sent_by_bot_id 统计，兼容只有署名的旧消息
func (s *AIBotService) countSentReplies(ctx context.Context, bot *models.AIBot, conversationID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND direction = ?", conversationID, models.DirectionOutgoing).
		Where("sent_by_bot_id = ? OR (sent_by_bot_id IS NULL AND content LIKE ?)", bot.ID, "%[Bot: "+bot.Name+"]%").
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count bot messages: %w", err)
	}
	return n, nil
}

// claimReplySlot 条件自增，一条语句内完成检查与占用
func (s *AIBotService) claimReplySlot(ctx context.Context, bot *models.AIBot, conversationID string) (bool, error) {
	if bot.MaxMessagesPerConversation == nil {
		return true, nil
	}
	if err := s.ensureUsage(ctx, bot, conversationID); err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).Model(&models.BotConversationUsage{}).
		Where("bot_id = ? AND conversation_id = ? AND reply_count < ?", bot.ID, conversationID, *bot.MaxMessagesPerConversation).
		UpdateColumn("reply_count", gorm.Expr("reply_count + ?", 1))
	if res.Error != nil {
		return false, fmt.Errorf("claim bot reply slot: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ensureUsage 首次使用时以已发出的消息数初始化名额记录
func (s *AIBotService) ensureUsage(ctx context.Context, bot *models.AIBot, conversationID string) error {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.BotConversationUsage{}).
		Where("bot_id = ? AND conversation_id = ?", bot.ID, conversationID).
		Count(&n).Error
	if err != nil {
		return fmt.Errorf("check bot usage: %w", err)
	}
	if n > 0 {
		return nil
	}
	sent, err := s.countSentReplies(ctx, bot, conversationID)
	if err != nil {
		return err
	}
	usage := &models.BotConversationUsage{BotID: bot.ID, ConversationID: conversationID, ReplyCount: int(sent)}
	if err := s.db.WithContext(ctx).Create(usage).Error; err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("create bot usage: %w", err)
	}
	return nil
}

func (s *AIBotService) releaseReplySlot(ctx context.Context, botID uint, conversationID string) {
	err := s.db.WithContext(ctx).Model(&models.BotConversationUsage{}).
		Where("bot_id = ? AND conversation_id = ? AND reply_count > 0", botID, conversationID).
		UpdateColumn("reply_count", gorm.Expr("reply_count - ?", 1)).Error
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"bot_id":          botID,
			"conversation_id": conversationID,
		}).Warn("failed to release bot reply slot")
	}
}

// BuildContext 最近 window 条消息，按时间正序
func (s *AIBotService) BuildContext(ctx context.Context, workspaceID uint, conversationID string, window int) ([]*schema.Message, error) {
	if window <= 0 {
		window = defaultContextWindow
	}
	var rows []models.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND workspace_id = ?", conversationID, workspaceID).
		Order("created_at DESC").Order("id DESC").
		Limit(window).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}

	out := make([]*schema.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		m := rows[i]
		role := schema.User
		if m.Direction == models.DirectionOutgoing {
			role = schema.Assistant
		}
		content := m.Content
		if m.HasAttachment() {
			content = strings.TrimSpace(content + " [Attachment: " + m.MessageType + "]")
		}
		if content == "" {
			continue
		}
		out = append(out, &schema.Message{Role: role, Content: content})
	}
	return out, nil
}
