package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"inboxflow/internal/metrics"
	"inboxflow/internal/models"
	"inboxflow/pkg/graph"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OutboundRequest 一条自动化产生的待发消息
type OutboundRequest struct {
	Account        *models.Account
	ConversationID string
	RecipientID    string
	Text           string
	BotID          *uint
	Stage          string
	// OnFailed 消息未发出（发送失败或被取消）时回调
	OnFailed func(ctx context.Context)
}

func (r OutboundRequest) failed(ctx context.Context) {
	if r.OnFailed != nil {
		r.OnFailed(context.WithoutCancel(ctx))
	}
}

// Dispatcher 发送自动化回复并落库为 outgoing 消息
type Dispatcher struct {
	db          *gorm.DB
	sender      MessageSender
	notifier    Notifier
	sendTimeout time.Duration
	logger      *logrus.Logger

	mu      sync.Mutex
	timers  map[*time.Timer]OutboundRequest
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(db *gorm.DB, sender MessageSender, notifier Notifier, sendTimeout time.Duration, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if sendTimeout <= 0 {
		sendTimeout = 15 * time.Second
	}
	return &Dispatcher{
		db:          db,
		sender:      sender,
		notifier:    notifier,
		sendTimeout: sendTimeout,
		logger:      logger,
		timers:      make(map[*time.Timer]OutboundRequest),
	}
}

// Send 调用平台发送；失败只影响这一条消息
func (d *Dispatcher) Send(ctx context.Context, req OutboundRequest) (*models.Message, error) {
	if req.Account == nil || req.RecipientID == "" || req.Text == "" {
		req.failed(ctx)
		return nil, errors.New("outbound request missing account, recipient or text")
	}
	log := d.logger.WithFields(logrus.Fields{
		"account_id":      req.Account.ID,
		"conversation_id": req.ConversationID,
		"stage":           req.Stage,
	})

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	mid, err := d.sender.Send(sendCtx, req.Account, req.RecipientID, graph.OutboundMessage{Text: req.Text})
	if err != nil {
		metrics.Inc(metrics.OutboundFailed)
		log.WithError(err).Error("failed to send automation message")
		req.failed(ctx)
		return nil, fmt.Errorf("send message: %w", err)
	}
	metrics.Inc(metrics.OutboundSent)
	if mid == "" {
		mid = "out." + uuid.New().String()
	}

	msg := &models.Message{
		UserID:         req.Account.UserID,
		WorkspaceID:    req.Account.WorkspaceID,
		Platform:       req.Account.Platform,
		ConversationID: req.ConversationID,
		MessageID:      mid,
		SenderID:       req.Account.PlatformUserID,
		RecipientID:    req.RecipientID,
		Direction:      models.DirectionOutgoing,
		MessageType:    models.MessageTypeText,
		Content:        req.Text,
		Status:         models.StatusSent,
		SentByBotID:    req.BotID,
	}
	if err := d.db.WithContext(ctx).Create(msg).Error; err != nil {
		if !isUniqueViolation(err) {
			log.WithError(err).Error("failed to persist outgoing message")
			return nil, fmt.Errorf("persist outgoing message: %w", err)
		}
		// 回显 webhook 先到，补上机器人归属
		if req.BotID != nil {
			if err := d.db.WithContext(ctx).Model(&models.Message{}).
				Where("message_id = ?", mid).
				Update("sent_by_bot_id", *req.BotID).Error; err != nil {
				log.WithError(err).Warn("failed to tag echoed message with bot")
			}
		}
		if err := d.db.WithContext(ctx).Where("message_id = ?", mid).First(msg).Error; err != nil {
			return nil, fmt.Errorf("reload outgoing message: %w", err)
		}
	}

	if err := d.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND workspace_id = ?", req.ConversationID, req.Account.WorkspaceID).
		Update("last_message_at", time.Now()).Error; err != nil {
		log.WithError(err).Warn("failed to bump participant activity")
	}

	if d.notifier != nil {
		d.notifier.Broadcast(req.Account.UserID, EventMessageSent, msg)
	}
	log.WithField("message_id", mid).Info("automation message sent")
	return msg, nil
}

// SendAfter 非阻塞延迟发送；Stop 后不再发送
func (d *Dispatcher) SendAfter(delay time.Duration, req OutboundRequest) {
	if delay <= 0 {
		d.sendDetached(req)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		req.failed(context.Background())
		return
	}
	metrics.Inc(metrics.OutboundDeferred)
	d.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		delete(d.timers, t)
		stopped := d.stopped
		d.mu.Unlock()
		if stopped {
			req.failed(context.Background())
			return
		}
		if _, err := d.Send(context.Background(), req); err != nil {
			d.logger.WithError(err).WithField("conversation_id", req.ConversationID).Warn("deferred send failed")
		}
	})
	d.timers[t] = req
}

func (d *Dispatcher) sendDetached(req OutboundRequest) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.Send(context.Background(), req); err != nil {
			d.logger.WithError(err).WithField("conversation_id", req.ConversationID).Warn("detached send failed")
		}
	}()
}

// Pending 尚未触发的延迟发送数
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

func (d *Dispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{"pending_deferred": d.Pending()}
}

// Stop 取消所有未触发的延迟发送，并等待正在进行的发送结束
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	var cancelled []OutboundRequest
	for t, req := range d.timers {
		if t.Stop() {
			cancelled = append(cancelled, req)
			d.wg.Done()
		}
		delete(d.timers, t)
	}
	d.mu.Unlock()
	for _, req := range cancelled {
		req.failed(context.Background())
	}
	d.wg.Wait()
}
