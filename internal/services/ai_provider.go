package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"inboxflow/internal/config"
	"inboxflow/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ChatModelFactory 按机器人配置构造对话模型
type ChatModelFactory func(ctx context.Context, bot *models.AIBot, provider config.ProviderConfig) (model.BaseChatModel, error)

// AIProviderService 两路提供方分发：OpenAI 风格与 Anthropic 风格
type AIProviderService struct {
	cfg      config.AIConfig
	factory  ChatModelFactory
	breakers map[string]*CircuitBreaker
	logger   *logrus.Logger
}

func NewAIProviderService(cfg config.AIConfig, logger *logrus.Logger) *AIProviderService {
	if logger == nil {
		logger = logrus.New()
	}
	s := &AIProviderService{
		cfg:      cfg,
		factory:  newChatModel,
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
	if cfg.CircuitBreaker.Enabled {
		s.breakers[models.ProviderOpenAI] = NewCircuitBreaker(models.ProviderOpenAI, cfg.CircuitBreaker)
		s.breakers[models.ProviderAnthropic] = NewCircuitBreaker(models.ProviderAnthropic, cfg.CircuitBreaker)
	}
	return s
}

// SetFactory 替换模型构造函数
func (s *AIProviderService) SetFactory(f ChatModelFactory) {
	if f != nil {
		s.factory = f
	}
}

// Generate 调用机器人配置的提供方；任何失败都返回错误，由调用方视为无回复
func (s *AIProviderService) Generate(ctx context.Context, bot *models.AIBot, history []*schema.Message) (string, error) {
	provider := normalizeProvider(bot.AIProvider)
	var pcfg config.ProviderConfig
	switch provider {
	case models.ProviderOpenAI:
		pcfg = s.cfg.OpenAI
	case models.ProviderAnthropic:
		pcfg = s.cfg.Anthropic
	default:
		return "", fmt.Errorf("%w: %q", ErrNoProvider, bot.AIProvider)
	}
	if pcfg.APIKey == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingCredential, provider)
	}

	cb := s.breakers[provider]
	if cb != nil && !cb.Allow() {
		return "", fmt.Errorf("%w: %s", ErrCircuitOpen, provider)
	}

	ctx, span := otel.Tracer("inboxflow/ai").Start(ctx, "ai.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("ai.provider", provider),
		attribute.String("ai.model", bot.AIModel),
		attribute.Int("ai.bot_id", int(bot.ID)),
		attribute.Int("ai.messages", len(history)),
	)

	if pcfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pcfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := s.generate(ctx, bot, pcfg, history)
	if err != nil {
		if cb != nil {
			cb.OnFailure()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if cb != nil {
		cb.OnSuccess()
	}

	s.logger.WithFields(logrus.Fields{
		"provider": provider,
		"model":    bot.AIModel,
		"bot_id":   bot.ID,
		"duration": time.Since(start),
	}).Debug("ai response generated")
	return text, nil
}

func (s *AIProviderService) generate(ctx context.Context, bot *models.AIBot, pcfg config.ProviderConfig, history []*schema.Message) (string, error) {
	cm, err := s.factory(ctx, bot, pcfg)
	if err != nil {
		return "", fmt.Errorf("init chat model: %w", err)
	}

	msgs := make([]*schema.Message, 0, len(history)+1)
	if bot.SystemPrompt != "" {
		msgs = append(msgs, &schema.Message{Role: schema.System, Content: bot.SystemPrompt})
	}
	msgs = append(msgs, history...)

	resp, err := cm.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("chat completion: empty response")
	}
	return strings.TrimSpace(resp.Content), nil
}

// Stats 熔断器状态
func (s *AIProviderService) Stats() map[string]interface{} {
	out := make(map[string]interface{}, len(s.breakers))
	for name, cb := range s.breakers {
		out[name] = cb.Stats()
	}
	return out
}

func normalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return models.ProviderOpenAI
	}
	return p
}

func newChatModel(ctx context.Context, bot *models.AIBot, pcfg config.ProviderConfig) (model.BaseChatModel, error) {
	temperature := float32(bot.Temperature)
	maxTokens := bot.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}

	switch normalizeProvider(bot.AIProvider) {
	case models.ProviderOpenAI:
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     pcfg.BaseURL,
			APIKey:      pcfg.APIKey,
			Model:       bot.AIModel,
			Temperature: &temperature,
			MaxTokens:   &maxTokens,
		})
	case models.ProviderAnthropic:
		cfg := &claude.Config{
			APIKey:      pcfg.APIKey,
			Model:       bot.AIModel,
			MaxTokens:   maxTokens,
			Temperature: &temperature,
		}
		if pcfg.BaseURL != "" {
			baseURL := pcfg.BaseURL
			cfg.BaseURL = &baseURL
		}
		return claude.NewChatModel(ctx, cfg)
	}
	return nil, fmt.Errorf("%w: %q", ErrNoProvider, bot.AIProvider)
}
