package models

import "time"

// 机器人类型
const (
	BotTypeWorkspaceDefault     = "workspace_default"
	BotTypeFunnelSpecific       = "funnel_specific"
	BotTypeConversationOverride = "conversation_override"
)

// AI 提供方
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// 机器人触发类型
const (
	BotTriggerAlways    = "always"
	BotTriggerKeyword   = "keyword"
	BotTriggerTimeBased = "time_based"
)

// AIBot 工作区内的 AI 回复机器人
type AIBot struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	WorkspaceID uint   `gorm:"index;not null" json:"workspace_id"`
	Name        string `gorm:"size:255;not null" json:"name"`
	BotType     string `gorm:"size:50;not null" json:"bot_type"`

	AIProvider   string  `gorm:"size:50;default:openai" json:"ai_provider"`
	AIModel      string  `gorm:"size:100;default:gpt-4" json:"ai_model"`
	SystemPrompt string  `gorm:"type:text;not null" json:"system_prompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`

	AutoRespond                bool `json:"auto_respond"`
	ResponseDelaySeconds       int  `json:"response_delay_seconds"`
	MaxMessagesPerConversation *int `json:"max_messages_per_conversation"` // nil = 不限

	KnowledgeBaseURL      string `gorm:"type:text" json:"knowledge_base_url"`
	ContextWindowMessages int    `json:"context_window_messages"`

	IsActive  bool      `gorm:"index" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Triggers []AIBotTrigger `gorm:"foreignKey:BotID;constraint:OnDelete:CASCADE" json:"triggers,omitempty"`
}

// NewAIBot 填充与数据库默认值一致的字段
func NewAIBot(workspaceID uint, name, botType, systemPrompt string) *AIBot {
	return &AIBot{
		WorkspaceID:           workspaceID,
		Name:                  name,
		BotType:               botType,
		AIProvider:            ProviderOpenAI,
		AIModel:               "gpt-4",
		SystemPrompt:          systemPrompt,
		Temperature:           0.7,
		MaxTokens:             500,
		ContextWindowMessages: 10,
		IsActive:              true,
	}
}

// AIBotTrigger 机器人触发条件
type AIBotTrigger struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	BotID         uint   `gorm:"index;not null" json:"bot_id"`
	TriggerType   string `gorm:"size:50;not null" json:"trigger_type"` // keyword, time_based, always
	TriggerConfig string `gorm:"type:text" json:"trigger_config"`
	Priority      int    `json:"priority"`
	IsActive      bool   `json:"is_active"`
}

func (t *AIBotTrigger) ParseConfig() (TriggerConfig, error) {
	return decodeTrigger(t.TriggerConfig)
}

// ConversationAISettings 每个会话一行的 AI 覆盖配置
type ConversationAISettings struct {
	ID                       uint      `gorm:"primaryKey" json:"id"`
	ConversationID           string    `gorm:"size:64;not null;uniqueIndex" json:"conversation_id"`
	WorkspaceID              uint      `gorm:"index;not null" json:"workspace_id"`
	AIEnabled                bool      `json:"ai_enabled"`
	AssignedBotID            *uint     `json:"assigned_bot_id"`
	FunnelID                 *uint     `json:"funnel_id"`
	OverrideWorkspaceDefault bool      `json:"override_workspace_default"`
	AutoFunnelEnabled        bool      `json:"auto_funnel_enabled"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

func (ConversationAISettings) TableName() string { return "conversation_ai_settings" }

// BotConversationUsage 机器人在单个会话中已占用的回复名额
type BotConversationUsage struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	BotID          uint      `gorm:"not null;uniqueIndex:idx_bot_usage_conv,priority:1" json:"bot_id"`
	ConversationID string    `gorm:"size:64;not null;uniqueIndex:idx_bot_usage_conv,priority:2" json:"conversation_id"`
	ReplyCount     int       `gorm:"not null;default:0" json:"reply_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
