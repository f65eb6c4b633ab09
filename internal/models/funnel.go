package models

import (
	"encoding/json"
	"time"
)

// 漏斗触发类型
const (
	FunnelTriggerNewConversation = "new_conversation"
	FunnelTriggerKeyword         = "keyword"
	FunnelTriggerTag             = "tag"
)

// 步骤类型
const (
	StepSendMessage = "send_message"
	StepDelay       = "delay"
	StepCondition   = "condition"
	StepTag         = "tag"
	StepAssignHuman = "assign_human"
	StepAIResponse  = "ai_response"
)

// 报名状态
const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentPaused    = "paused"
	EnrollmentExited    = "exited"
)

// Funnel 工作区内按优先级匹配的自动化序列
type Funnel struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID   uint      `gorm:"index;not null" json:"workspace_id"`
	Name          string    `gorm:"size:255;not null" json:"name"`
	Description   string    `gorm:"type:text" json:"description"`
	TriggerType   string    `gorm:"size:50;not null" json:"trigger_type"` // new_conversation, keyword, tag
	TriggerConfig string    `gorm:"type:text" json:"trigger_config"`      // JSON: {keywords, match, tags}
	IsActive      bool      `gorm:"index" json:"is_active"`
	Priority      int       `json:"priority"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	Steps []FunnelStep `gorm:"foreignKey:FunnelID;constraint:OnDelete:CASCADE" json:"steps,omitempty"`
}

// TriggerConfig 漏斗与机器人共用的触发配置
type TriggerConfig struct {
	Keywords []string `json:"keywords,omitempty"`
	Match    string   `json:"match,omitempty"` // any, all
	Tags     []string `json:"tags,omitempty"`
}

// ParseTrigger 解析触发配置，空串视为空配置
func (f *Funnel) ParseTrigger() (TriggerConfig, error) {
	return decodeTrigger(f.TriggerConfig)
}

// FunnelStep 漏斗步骤，(funnel_id, step_order) 唯一
type FunnelStep struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	FunnelID   uint      `gorm:"not null;uniqueIndex:idx_funnel_step_order,priority:1" json:"funnel_id"`
	Name       string    `gorm:"size:255;not null" json:"name"`
	StepOrder  int       `gorm:"not null;uniqueIndex:idx_funnel_step_order,priority:2" json:"step_order"`
	StepType   string    `gorm:"size:50;not null" json:"step_type"`
	StepConfig string    `gorm:"type:text" json:"step_config"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StepConfig 各类步骤的配置并集
type StepConfig struct {
	Text        string   `json:"text,omitempty"`
	Days        int      `json:"days,omitempty"`
	Hours       int      `json:"hours,omitempty"`
	Minutes     int      `json:"minutes,omitempty"`
	If          string   `json:"if,omitempty"`
	Add         []string `json:"add,omitempty"`
	Remove      []string `json:"remove,omitempty"`
	BotID       *uint    `json:"bot_id,omitempty"`
	MaxMessages *int     `json:"max_messages,omitempty"`
}

// Delay 返回 delay 步骤配置的总时长
func (c StepConfig) Delay() time.Duration {
	return time.Duration(c.Days)*24*time.Hour +
		time.Duration(c.Hours)*time.Hour +
		time.Duration(c.Minutes)*time.Minute
}

func (s *FunnelStep) ParseConfig() (StepConfig, error) {
	var cfg StepConfig
	if s.StepConfig == "" {
		return cfg, nil
	}
	err := json.Unmarshal([]byte(s.StepConfig), &cfg)
	return cfg, err
}

// FunnelEnrollment 会话在漏斗中的位置。
// 同一 (funnel_id, conversation_id) 至多一条 active 记录。
type FunnelEnrollment struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	FunnelID       uint       `gorm:"not null;index;uniqueIndex:idx_enrollment_active,where:status = 'active'" json:"funnel_id"`
	WorkspaceID    uint       `gorm:"not null;index" json:"workspace_id"`
	ConversationID string     `gorm:"size:64;not null;index;uniqueIndex:idx_enrollment_active,where:status = 'active'" json:"conversation_id"`
	CurrentStep    int        `gorm:"not null" json:"current_step"`
	Status         string     `gorm:"size:20;not null;index" json:"status"`
	EnrolledAt     time.Time  `json:"enrolled_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	NextStepAt     *time.Time `gorm:"index" json:"next_step_at"`
	DelayArmed     bool       `json:"delay_armed"`
	EnrollmentData string     `gorm:"type:text" json:"enrollment_data"`

	Funnel *Funnel `gorm:"foreignKey:FunnelID" json:"funnel,omitempty"`
}

func decodeTrigger(raw string) (TriggerConfig, error) {
	var cfg TriggerConfig
	if raw == "" {
		return cfg, nil
	}
	err := json.Unmarshal([]byte(raw), &cfg)
	return cfg, err
}

// EncodeJSON 序列化配置，用于写入 text 列
func EncodeJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
