package models

import (
	"strings"
	"time"
)

const (
	PlatformFacebook  = "facebook"
	PlatformInstagram = "instagram"
)

// Account 连接类型
const (
	ConnectionFacebookPage           = "facebook_page"
	ConnectionInstagramBusinessLogin = "instagram_business_login"
)

// 消息方向与状态
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"

	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// 消息类型
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeVideo = "video"
	MessageTypeAudio = "audio"
	MessageTypeFile  = "file"
)

// Workspace 租户边界
type Workspace struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	OwnerID     uint      `gorm:"index;not null" json:"owner_id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	IsActive    bool      `gorm:"not null" json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Account 已连接的平台账号。
// PlatformUserID 是 webhook 中出现的账号 id；PageID 是出站调用使用的路由 id。
type Account struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	UserID           uint       `gorm:"index;not null" json:"user_id"`
	WorkspaceID      *uint      `gorm:"index;uniqueIndex:idx_accounts_workspace_platform_active,where:is_active = true" json:"workspace_id"`
	Platform         string     `gorm:"size:50;not null;uniqueIndex:idx_accounts_workspace_platform_active,where:is_active = true;uniqueIndex:idx_accounts_platform_uid_active,where:is_active = true" json:"platform"`
	ConnectionType   string     `gorm:"size:50" json:"connection_type"`
	PlatformUserID   string     `gorm:"size:255;not null;index;uniqueIndex:idx_accounts_platform_uid_active,where:is_active = true" json:"platform_user_id"`
	PlatformUsername string     `gorm:"size:255" json:"platform_username"`
	AccessToken      string     `gorm:"type:text;not null" json:"-"`
	PageID           string     `gorm:"size:255;index" json:"page_id"`
	PageName         string     `gorm:"size:255" json:"page_name"`
	IsActive         bool       `gorm:"not null;index" json:"is_active"`
	ReconciledAt     *time.Time `json:"reconciled_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`

	Workspace *Workspace `gorm:"foreignKey:WorkspaceID" json:"workspace,omitempty"`
}

// IsBusinessLogin 报告该账号是否属于“双 id”连接类型
func (a *Account) IsBusinessLogin() bool {
	if a.Platform != PlatformInstagram {
		return false
	}
	if a.ConnectionType != "" {
		return a.ConnectionType == ConnectionInstagramBusinessLogin
	}
	return strings.HasPrefix(a.AccessToken, "IGAAL")
}

// RoutingID 出站调用使用的 id
func (a *Account) RoutingID() string {
	if a.PageID != "" {
		return a.PageID
	}
	return a.PlatformUserID
}

// ConversationParticipant 与我方账号对话的外部用户，按 workspace 隔离
type ConversationParticipant struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	ConversationID         string     `gorm:"size:64;not null;uniqueIndex:idx_participant_conv_workspace" json:"conversation_id"`
	WorkspaceID            *uint      `gorm:"uniqueIndex:idx_participant_conv_workspace" json:"workspace_id"`
	Platform               string     `gorm:"size:50;not null" json:"platform"`
	PlatformConversationID string     `gorm:"size:255;index" json:"platform_conversation_id"`
	ParticipantID          string     `gorm:"size:255;not null" json:"participant_id"`
	ParticipantName        string     `gorm:"size:255" json:"participant_name"`
	ParticipantUsername    string     `gorm:"size:255" json:"participant_username"`
	ParticipantProfilePic  string     `gorm:"size:500" json:"participant_profile_pic"`
	UserID                 uint       `gorm:"index;not null" json:"user_id"`
	AIEnabled              bool       `json:"ai_enabled"`
	AssignedToUserID       *uint      `json:"assigned_to_user_id"`
	AssignedAt             *time.Time `json:"assigned_at"`
	LastMessageAt          time.Time  `json:"last_message_at"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Message 平台消息，MessageID 为幂等键
type Message struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	UserID             uint      `gorm:"index;not null" json:"user_id"`
	WorkspaceID        *uint     `gorm:"index" json:"workspace_id"`
	Platform           string    `gorm:"size:50;not null" json:"platform"`
	ConversationID     string    `gorm:"size:64;not null;index:idx_messages_conv_created,priority:1" json:"conversation_id"`
	MessageID          string    `gorm:"size:255;not null;uniqueIndex" json:"message_id"`
	SenderID           string    `gorm:"size:255;not null" json:"sender_id"`
	RecipientID        string    `gorm:"size:255;not null" json:"recipient_id"`
	Direction          string    `gorm:"size:20;not null" json:"direction"`
	MessageType        string    `gorm:"size:20;not null" json:"message_type"`
	Content            string    `gorm:"type:text" json:"content"`
	AttachmentURL      string    `gorm:"size:500" json:"attachment_url,omitempty"`
	AttachmentMIME     string    `gorm:"size:100" json:"attachment_mime,omitempty"`
	AttachmentFilename string    `gorm:"size:255" json:"attachment_filename,omitempty"`
	Status             string    `gorm:"size:20" json:"status"`
	SentByBotID        *uint     `gorm:"index" json:"sent_by_bot_id,omitempty"`
	CreatedAt          time.Time `gorm:"index:idx_messages_conv_created,priority:2" json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HasAttachment 是否携带附件
func (m *Message) HasAttachment() bool {
	return m.AttachmentURL != "" || (m.MessageType != "" && m.MessageType != MessageTypeText)
}

// ConversationTag 会话标签
type ConversationTag struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID    uint      `gorm:"not null;uniqueIndex:idx_conv_tag,priority:1" json:"workspace_id"`
	ConversationID string    `gorm:"size:64;not null;uniqueIndex:idx_conv_tag,priority:2" json:"conversation_id"`
	Tag            string    `gorm:"size:100;not null;uniqueIndex:idx_conv_tag,priority:3" json:"tag"`
	CreatedAt      time.Time `json:"created_at"`
}

// All 返回需要迁移的全部模型
func All() []interface{} {
	return []interface{}{
		&Workspace{},
		&Account{},
		&ConversationParticipant{},
		&Message{},
		&ConversationTag{},
		&Funnel{},
		&FunnelStep{},
		&FunnelEnrollment{},
		&AIBot{},
		&AIBotTrigger{},
		&ConversationAISettings{},
		&BotConversationUsage{},
		&AutomationRun{},
	}
}
