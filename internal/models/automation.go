package models

import "time"

// 自动化阶段
const (
	StageFunnelMover = "funnel_mover"
	StageFunnel      = "funnel"
	StageBot         = "bot"
	StageSweep       = "sweep"
)

// AutomationRun 每个阶段的执行记录，用于审计
type AutomationRun struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	CorrelationID  string    `gorm:"size:36;index" json:"correlation_id"`
	Stage          string    `gorm:"size:30;index" json:"stage"`
	WorkspaceID    uint      `gorm:"index" json:"workspace_id"`
	ConversationID string    `gorm:"size:64;index" json:"conversation_id"`
	MessageID      string    `gorm:"size:255" json:"message_id"`
	RefID          uint      `json:"ref_id"`                    // funnel / bot id
	Status         string    `gorm:"size:20;index" json:"status"` // success, skipped, failed
	Message        string    `gorm:"type:text" json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}
