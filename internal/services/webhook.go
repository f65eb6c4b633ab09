package services

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"inboxflow/internal/models"
)

// InboundAttachment webhook 中的附件
type InboundAttachment struct {
	Type        string
	URL         string
	ContentType string
	Name        string
}

// InboundEvent 一条已解析的消息事件
type InboundEvent struct {
	Platform    string
	SenderID    string
	RecipientID string
	MessageID   string
	Text        string
	IsEcho      bool
	Timestamp   time.Time
	Attachments []InboundAttachment
}

// AccountSideID 属于我方账号的一侧
func (e *InboundEvent) AccountSideID() string {
	if e.IsEcho {
		return e.SenderID
	}
	return e.RecipientID
}

// CounterpartID 对端用户
func (e *InboundEvent) CounterpartID() string {
	if e.IsEcho {
		return e.RecipientID
	}
	return e.SenderID
}

type webhookEnvelope struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID        string             `json:"id"`
	Time      int64              `json:"time"`
	Messaging []webhookMessaging `json:"messaging"`
}

type webhookMessaging struct {
	Sender    webhookParty    `json:"sender"`
	Recipient webhookParty    `json:"recipient"`
	Timestamp int64           `json:"timestamp"`
	Message   *webhookMessage `json:"message"`
}

type webhookParty struct {
	ID string `json:"id"`
}

type webhookMessage struct {
	MID         string              `json:"mid"`
	Text        string              `json:"text"`
	IsEcho      bool                `json:"is_echo"`
	Attachments []webhookAttachment `json:"attachments"`
}

type webhookAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
		Name        string `json:"name"`
	} `json:"payload"`
}

// ParseWebhookEvents 解析 webhook 请求体；没有 message 的事件（已读、送达等）被忽略
func ParseWebhookEvents(platform string, body []byte) ([]InboundEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode webhook body: %w", err)
	}

	var events []InboundEvent
	for _, entry := range env.Entry {
		for _, m := range entry.Messaging {
			if m.Message == nil {
				continue
			}
			evt := InboundEvent{
				Platform:    platform,
				SenderID:    m.Sender.ID,
				RecipientID: m.Recipient.ID,
				MessageID:   m.Message.MID,
				Text:        m.Message.Text,
				IsEcho:      m.Message.IsEcho,
				Timestamp:   eventTime(m.Timestamp, entry.Time),
			}
			for _, a := range m.Message.Attachments {
				evt.Attachments = append(evt.Attachments, InboundAttachment{
					Type:        a.Type,
					URL:         a.Payload.URL,
					ContentType: a.Payload.ContentType,
					Name:        a.Payload.Name,
				})
			}
			events = append(events, evt)
		}
	}
	return events, nil
}

// 平台时间戳为毫秒
func eventTime(ms, fallback int64) time.Time {
	if ms <= 0 {
		ms = fallback
	}
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// ClassifyAttachment 先看声明类型，再看 MIME 前缀，否则归为 file
func ClassifyAttachment(a InboundAttachment) string {
	switch strings.ToLower(a.Type) {
	case models.MessageTypeImage, models.MessageTypeVideo, models.MessageTypeAudio, models.MessageTypeFile:
		return strings.ToLower(a.Type)
	}
	mime := strings.ToLower(a.ContentType)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return models.MessageTypeImage
	case strings.HasPrefix(mime, "video/"):
		return models.MessageTypeVideo
	case strings.HasPrefix(mime, "audio/"):
		return models.MessageTypeAudio
	}
	return models.MessageTypeFile
}
