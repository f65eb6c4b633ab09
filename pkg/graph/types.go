package graph

import (
	"fmt"
	"time"
)

// Host 区分两套 Graph 域名
type Host int

const (
	HostFacebook Host = iota
	HostInstagram
)

func (h Host) String() string {
	if h == HostInstagram {
		return "instagram"
	}
	return "facebook"
}

// 出站消息在 24 小时窗口外被拒绝时的错误子码
const SubcodeOutsideWindow = 2534022

// Instagram 单条文本上限
const InstagramTextLimit = 1000

// Config Graph 客户端配置
type Config struct {
	FacebookBaseURL  string        `yaml:"facebook_base_url"`
	InstagramBaseURL string        `yaml:"instagram_base_url"`
	APIVersion       string        `yaml:"api_version"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	RateLimit        float64       `yaml:"rate_limit"`
	RateBurst        int           `yaml:"rate_burst"`
}

// 默认配置
func DefaultConfig() *Config {
	return &Config{
		FacebookBaseURL:  "https://graph.facebook.com",
		InstagramBaseURL: "https://graph.instagram.com",
		APIVersion:       "v18.0",
		Timeout:          10 * time.Second,
		MaxRetries:       2,
		RetryDelay:       500 * time.Millisecond,
		RateLimit:        20,
		RateBurst:        40,
	}
}

// Target 出站调用的节点与凭证
type Target struct {
	Host        Host
	NodeID      string // "me" 或 page / 账号 id
	AccessToken string
	Platform    string // 会话列表的 platform 过滤，例如 instagram
}

// OutboundMessage 文本与附件二选一
type OutboundMessage struct {
	Text           string
	AttachmentType string // image, video, audio, file
	AttachmentURL  string
}

type sendRequest struct {
	Recipient recipient      `json:"recipient"`
	Message   messagePayload `json:"message"`
}

type recipient struct {
	ID string `json:"id"`
}

type messagePayload struct {
	Text       string             `json:"text,omitempty"`
	Attachment *attachmentPayload `json:"attachment,omitempty"`
}

type attachmentPayload struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

// SendResponse 发送接口返回
type SendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// Profile 用户资料，字段随平台而异
type Profile struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Username          string `json:"username"`
	ProfilePic        string `json:"profile_pic"`
	ProfilePictureURL string `json:"profile_picture_url"`
}

// DisplayName 优先 name，其次 first/last，再次 username
func (p *Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	if p.FirstName != "" || p.LastName != "" {
		if p.LastName == "" {
			return p.FirstName
		}
		if p.FirstName == "" {
			return p.LastName
		}
		return p.FirstName + " " + p.LastName
	}
	return p.Username
}

// Avatar 返回可用的头像地址
func (p *Profile) Avatar() string {
	if p.ProfilePic != "" {
		return p.ProfilePic
	}
	return p.ProfilePictureURL
}

// Participant 会话参与者
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Conversation 会话列表条目
type Conversation struct {
	ID           string `json:"id"`
	Participants struct {
		Data []Participant `json:"data"`
	} `json:"participants"`
}

type conversationsResponse struct {
	Data []Conversation `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// APIError Graph 返回的错误
type APIError struct {
	StatusCode int
	Message    string
	Type       string
	Code       int
	Subcode    int
	TraceID    string
}

func (e *APIError) Error() string {
	if e.Subcode != 0 {
		return fmt.Sprintf("graph API error [%d]: %s (code: %d, subcode: %d)", e.StatusCode, e.Message, e.Code, e.Subcode)
	}
	return fmt.Sprintf("graph API error [%d]: %s (code: %d)", e.StatusCode, e.Message, e.Code)
}

// Temporary 429 与 5xx 可重试
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
