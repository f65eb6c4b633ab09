package services

import (
	"context"
	"fmt"
	"strings"

	"inboxflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// funnelCategory 意图类别及其关键词
type funnelCategory struct {
	Name     string
	Keywords []string
}

// 顺序固定，便于复现评分
var funnelCategories = []funnelCategory{
	{Name: "pricing", Keywords: []string{"pricing", "price", "cost", "how much", "payment", "subscription"}},
	{Name: "support", Keywords: []string{"help", "problem", "issue", "broken", "not working", "error", "bug"}},
	{Name: "demo", Keywords: []string{"demo", "show me", "trial", "test", "preview"}},
	{Name: "sales", Keywords: []string{"buy", "purchase", "interested", "want to get", "sign up"}},
	{Name: "onboarding", Keywords: []string{"new", "getting started", "how to", "tutorial", "guide"}},
}

const (
	categoryScore = 10
	wordScore     = 5
)

// AIFunnelService 根据消息内容把会话移动到最相关的漏斗
type AIFunnelService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAIFunnelService(db *gorm.DB, logger *logrus.Logger) *AIFunnelService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AIFunnelService{db: db, logger: logger}
}

// AnalyzeAndMove 返回新的漏斗 id；不移动时返回 nil
func (s *AIFunnelService) AnalyzeAndMove(ctx context.Context, workspaceID uint, conversationID, text string) (*uint, error) {
	st, err := findSettings(ctx, s.db, workspaceID, conversationID)
	if err != nil {
		return nil, err
	}
	if st != nil && !st.AutoFunnelEnabled {
		return nil, nil
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var funnels []models.Funnel
	err = s.db.WithContext(ctx).
		Where("workspace_id = ? AND is_active = ?", workspaceID, true).
		Order("id ASC").
		Find(&funnels).Error
	if err != nil {
		return nil, fmt.Errorf("load funnels: %w", err)
	}

	best := bestFunnel(text, funnels)
	if best == nil {
		return nil, nil
	}
	if st != nil && st.FunnelID != nil && *st.FunnelID == best.ID {
		return nil, nil
	}

	funnelID := best.ID
	if _, err := upsertSettings(ctx, s.db, workspaceID, conversationID, func(st *models.ConversationAISettings) {
		st.FunnelID = &funnelID
	}); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"funnel_id":       funnelID,
		"funnel":          best.Name,
	}).Info("conversation moved to funnel")
	return &funnelID, nil
}

// bestFunnel 得分最高且大于 0 的漏斗，同分取先出现者
func bestFunnel(text string, funnels []models.Funnel) *models.Funnel {
	lower := strings.ToLower(text)
	words := messageWords(lower)

	var best *models.Funnel
	bestScore := 0
	for i := range funnels {
		score := scoreFunnel(lower, words, strings.ToLower(funnels[i].Name))
		if score > bestScore {
			best = &funnels[i]
			bestScore = score
		}
	}
	return best
}

// messageWords 按空白切分，标点留在词内
func messageWords(lower string) []string {
	return strings.Fields(lower)
}

func scoreFunnel(text string, words []string, funnelName string) int {
	score := 0
	for _, cat := range funnelCategories {
		if !strings.Contains(funnelName, cat.Name) {
			continue
		}
		for _, kw := range cat.Keywords {
			if strings.Contains(text, kw) {
				score += categoryScore
				break
			}
		}
	}
	for _, w := range words {
		if len([]rune(w)) > 3 && strings.Contains(funnelName, w) {
			score += wordScore
		}
	}
	return score
}
