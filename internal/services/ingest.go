package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"inboxflow/internal/metrics"
	"inboxflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 新参与者拿不到资料时的显示名
var defaultParticipantNames = map[string]string{
	models.PlatformInstagram: "Instagram User",
	models.PlatformFacebook:  "Facebook User",
}

// IngestDeps 流水线依赖；除 DB 与 Matcher 外均可为 nil
type IngestDeps struct {
	DB         *gorm.DB
	Matcher    *AccountMatcher
	Profiles   ProfileFetcher
	Notifier   Notifier
	Guard      DeliveryGuard
	Mover      *AIFunnelService
	Funnels    *FunnelService
	Bots       *AIBotService
	Dispatcher *Dispatcher
	Runs       *AutomationRunService
}

// IngestOptions 流水线选项
type IngestOptions struct {
	StageTimeout     time.Duration
	MaxResponseDelay time.Duration
	// AsyncAutomation 为 true 时消息落库后立即返回，自动化阶段在后台执行
	AsyncAutomation bool
}

// Reply 某一阶段产生的出站消息
type Reply struct {
	Stage             string
	Text              string
	BotID             *uint
	Sent              bool
	Deferred          bool
	PlatformMessageID string
}

// IngestResult 一条事件的处理结果
type IngestResult struct {
	Account        *models.Account
	Message        *models.Message
	ConversationID string
	IsFirstMessage bool
	Replies        []Reply
}

type stageOutcome struct {
	RefID   uint
	Note    string
	Reply   *Reply
	Delay   time.Duration
	Release func(ctx context.Context)
}

// IngestPipeline 匹配账号、落库消息，然后依次执行 mover、funnel、bot 三个阶段
type IngestPipeline struct {
	deps   IngestDeps
	opts   IngestOptions
	logger *logrus.Logger
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string][]func()
}

func NewIngestPipeline(deps IngestDeps, opts IngestOptions, logger *logrus.Logger) *IngestPipeline {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 20 * time.Second
	}
	if opts.MaxResponseDelay <= 0 {
		opts.MaxResponseDelay = 5 * time.Minute
	}
	return &IngestPipeline{
		deps:   deps,
		opts:   opts,
		logger: logger,
		queues: make(map[string][]func()),
	}
}

// Process 处理单条事件；重复投递返回 ErrDuplicateMessage
func (p *IngestPipeline) Process(ctx context.Context, evt InboundEvent) (*IngestResult, error) {
	if evt.MessageID == "" {
		return nil, errors.New("event has no message id")
	}
	if p.deps.Guard != nil && !p.deps.Guard.FirstDelivery(ctx, evt.MessageID) {
		metrics.Inc(metrics.EventsDuplicate)
		return nil, ErrDuplicateMessage
	}

	res, err := p.persist(ctx, evt)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateMessage):
			metrics.Inc(metrics.EventsDuplicate)
			return nil, err
		case errors.Is(err, ErrAccountRejected):
			metrics.Inc(metrics.EventsAccountDenied)
		case errors.Is(err, ErrAccountNotFound):
			metrics.Inc(metrics.EventsUnmatched)
		}
		if p.deps.Guard != nil {
			p.deps.Guard.Release(ctx, evt.MessageID)
		}
		return nil, err
	}
	metrics.Inc(metrics.MessagesPersisted)
	if p.deps.Guard != nil {
		p.deps.Guard.Confirm(ctx, evt.MessageID)
	}

	if evt.IsEcho {
		return res, nil
	}

	if p.opts.AsyncAutomation {
		bg := context.WithoutCancel(ctx)
		p.enqueue(res.ConversationID, func() {
			p.runAutomation(bg, res, evt)
		})
		return res, nil
	}
	done := make(chan struct{})
	p.enqueue(res.ConversationID, func() {
		defer close(done)
		res.Replies = p.runAutomation(ctx, res, evt)
	})
	<-done
	return res, nil
}

// Wait 等待后台自动化阶段结束
func (p *IngestPipeline) Wait() {
	p.wg.Wait()
}

// enqueue 同一会话的自动化按入队顺序串行执行，不同会话互不阻塞
func (p *IngestPipeline) enqueue(conversationID string, job func()) {
	p.wg.Add(1)
	p.mu.Lock()
	if pending, busy := p.queues[conversationID]; busy {
		p.queues[conversationID] = append(pending, job)
		p.mu.Unlock()
		return
	}
	p.queues[conversationID] = nil
	p.mu.Unlock()
	go p.drain(conversationID, job)
}

func (p *IngestPipeline) drain(conversationID string, job func()) {
	for job != nil {
		job()
		var next func()
		p.mu.Lock()
		if pending := p.queues[conversationID]; len(pending) > 0 {
			next = pending[0]
			p.queues[conversationID] = pending[1:]
		} else {
			delete(p.queues, conversationID)
		}
		p.mu.Unlock()
		p.wg.Done()
		job = next
	}
}

func (p *IngestPipeline) persist(ctx context.Context, evt InboundEvent) (*IngestResult, error) {
	db := p.deps.DB.WithContext(ctx)

	var existing int64
	if err := db.Model(&models.Message{}).Where("message_id = ?", evt.MessageID).Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("check message id: %w", err)
	}
	if existing > 0 {
		return nil, ErrDuplicateMessage
	}

	acc, err := p.deps.Matcher.Match(ctx, evt.Platform, evt.AccountSideID(), evt.CounterpartID())
	if err != nil {
		return nil, err
	}
	if acc.WorkspaceID == nil {
		return nil, fmt.Errorf("account %d has no workspace", acc.ID)
	}

	counterpart := evt.CounterpartID()
	conversationID := StableConversationID(evt.Platform, acc.UserID, counterpart)
	profile, err := p.participantProfile(ctx, acc, conversationID, counterpart)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		UserID:         acc.UserID,
		WorkspaceID:    acc.WorkspaceID,
		Platform:       evt.Platform,
		ConversationID: conversationID,
		MessageID:      evt.MessageID,
		SenderID:       evt.SenderID,
		RecipientID:    evt.RecipientID,
		Direction:      models.DirectionIncoming,
		MessageType:    models.MessageTypeText,
		Content:        evt.Text,
		Status:         models.StatusDelivered,
		CreatedAt:      evt.Timestamp,
	}
	if evt.IsEcho {
		msg.Direction = models.DirectionOutgoing
		msg.Status = models.StatusSent
	}
	if len(evt.Attachments) > 0 {
		a := evt.Attachments[0]
		msg.MessageType = ClassifyAttachment(a)
		msg.AttachmentURL = a.URL
		msg.AttachmentMIME = a.ContentType
		msg.AttachmentFilename = a.Name
	}
	// 参与者与消息同一事务提交
	err = db.Transaction(func(tx *gorm.DB) error {
		if _, err := p.upsertParticipant(tx, acc, conversationID, counterpart, evt.Timestamp, profile); err != nil {
			return err
		}
		if err := tx.Create(msg).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateMessage
			}
			return fmt.Errorf("persist message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var count int64
	if err := db.Model(&models.Message{}).
		Where("conversation_id = ? AND workspace_id = ?", conversationID, *acc.WorkspaceID).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("count conversation messages: %w", err)
	}

	if p.deps.Notifier != nil {
		p.deps.Notifier.Broadcast(acc.UserID, EventNewMessage, msg)
	}

	p.logger.WithFields(logrus.Fields{
		"platform":        evt.Platform,
		"account_id":      acc.ID,
		"conversation_id": conversationID,
		"message_id":      evt.MessageID,
		"direction":       msg.Direction,
	}).Info("message persisted")

	return &IngestResult{
		Account:        acc,
		Message:        msg,
		ConversationID: conversationID,
		IsFirstMessage: count == 1,
	}, nil
}

// participantProfile 新参与者或仍是默认名时拉取资料；在事务外调用平台接口
func (p *IngestPipeline) participantProfile(ctx context.Context, acc *models.Account, conversationID, personID string) (*models.ConversationParticipant, error) {
	var part models.ConversationParticipant
	err := p.deps.DB.WithContext(ctx).
		Where("conversation_id = ? AND workspace_id = ?", conversationID, *acc.WorkspaceID).
		First(&part).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load participant: %w", err)
	}
	if err == nil && part.ParticipantName != "" && part.ParticipantName != defaultParticipantNames[acc.Platform] {
		return nil, nil
	}
	return p.fetchProfile(ctx, acc, personID), nil
}

// upsertParticipant 首次接触时创建；否则只刷新拿到的非空字段并更新活跃时间
func (p *IngestPipeline) upsertParticipant(tx *gorm.DB, acc *models.Account, conversationID, personID string, at time.Time, profile *models.ConversationParticipant) (*models.ConversationParticipant, error) {
	var part models.ConversationParticipant
	err := tx.Where("conversation_id = ? AND workspace_id = ?", conversationID, *acc.WorkspaceID).First(&part).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load participant: %w", err)
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		part = models.ConversationParticipant{
			ConversationID:  conversationID,
			WorkspaceID:     acc.WorkspaceID,
			Platform:        acc.Platform,
			ParticipantID:   personID,
			ParticipantName: defaultParticipantNames[acc.Platform],
			UserID:          acc.UserID,
			AIEnabled:       true,
			LastMessageAt:   at,
		}
		if profile != nil {
			if profile.ParticipantName != "" {
				part.ParticipantName = profile.ParticipantName
			}
			part.ParticipantUsername = profile.ParticipantUsername
			part.ParticipantProfilePic = profile.ParticipantProfilePic
		}
		// 保存点：唯一冲突只回滚这一条插入
		err := tx.Transaction(func(sp *gorm.DB) error {
			return sp.Create(&part).Error
		})
		if err == nil {
			return &part, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("create participant: %w", err)
		}
		if err := tx.Where("conversation_id = ? AND workspace_id = ?", conversationID, *acc.WorkspaceID).First(&part).Error; err != nil {
			return nil, fmt.Errorf("reload participant: %w", err)
		}
	}

	updates := map[string]interface{}{"last_message_at": at}
	if profile != nil {
		if profile.ParticipantName != "" {
			updates["participant_name"] = profile.ParticipantName
		}
		if profile.ParticipantUsername != "" {
			updates["participant_username"] = profile.ParticipantUsername
		}
		if profile.ParticipantProfilePic != "" {
			updates["participant_profile_pic"] = profile.ParticipantProfilePic
		}
	}
	if err := tx.Model(&part).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("refresh participant: %w", err)
	}
	return &part, nil
}

// fetchProfile 失败不影响消息落库
func (p *IngestPipeline) fetchProfile(ctx context.Context, acc *models.Account, personID string) *models.ConversationParticipant {
	if p.deps.Profiles == nil {
		return nil
	}
	prof, err := p.deps.Profiles.FetchProfile(ctx, acc, personID)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"account_id":     acc.ID,
			"participant_id": personID,
		}).Debug("profile fetch failed")
		return nil
	}
	if prof == nil {
		return nil
	}
	return &models.ConversationParticipant{
		ParticipantName:       prof.DisplayName(),
		ParticipantUsername:   prof.Username,
		ParticipantProfilePic: prof.Avatar(),
	}
}

func (p *IngestPipeline) runAutomation(ctx context.Context, res *IngestResult, evt InboundEvent) []Reply {
	correlationID := uuid.New().String()
	workspaceID := *res.Account.WorkspaceID
	var replies []Reply

	if p.deps.Mover != nil {
		p.runStage(ctx, models.StageFunnelMover, res, correlationID, &replies, func(ctx context.Context) (*stageOutcome, error) {
			moved, err := p.deps.Mover.AnalyzeAndMove(ctx, workspaceID, res.ConversationID, evt.Text)
			if err != nil || moved == nil {
				return nil, err
			}
			return &stageOutcome{RefID: *moved, Note: "moved"}, nil
		})
	}

	if p.deps.Funnels != nil {
		p.runStage(ctx, models.StageFunnel, res, correlationID, &replies, func(ctx context.Context) (*stageOutcome, error) {
			out, err := p.deps.Funnels.ProcessMessage(ctx, FunnelInput{
				WorkspaceID:    workspaceID,
				ConversationID: res.ConversationID,
				Text:           evt.Text,
				IsFirstMessage: res.IsFirstMessage,
			})
			if err != nil {
				return nil, err
			}
			if out.Text == "" && !out.Enrolled {
				return nil, nil
			}
			o := &stageOutcome{RefID: out.EnrollmentID}
			if out.Enrolled {
				o.Note = "enrolled"
			}
			if out.Text != "" {
				o.Reply = &Reply{Stage: models.StageFunnel, Text: out.Text}
			}
			return o, nil
		})
	}

	if p.deps.Bots != nil {
		p.runStage(ctx, models.StageBot, res, correlationID, &replies, func(ctx context.Context) (*stageOutcome, error) {
			reply, err := p.deps.Bots.ProcessIncoming(ctx, BotInput{
				WorkspaceID:    workspaceID,
				ConversationID: res.ConversationID,
				Text:           evt.Text,
			})
			if err != nil || reply == nil {
				return nil, err
			}
			botID := reply.Bot.ID
			return &stageOutcome{
				RefID:   botID,
				Reply:   &Reply{Stage: models.StageBot, Text: reply.Text, BotID: &botID},
				Delay:   reply.Delay,
				Release: reply.Release,
			}, nil
		})
	}
	return replies
}

// runStage 执行单个阶段：独立超时、捕获 panic、记录审计；失败不影响后续阶段
func (p *IngestPipeline) runStage(ctx context.Context, stage string, res *IngestResult, correlationID string, replies *[]Reply, fn func(context.Context) (*stageOutcome, error)) {
	log := p.logger.WithFields(logrus.Fields{
		"stage":           stage,
		"conversation_id": res.ConversationID,
		"message_id":      res.Message.MessageID,
		"correlation_id":  correlationID,
	})

	stageCtx, cancel := context.WithTimeout(ctx, p.opts.StageTimeout)
	outcome, err := func() (o *stageOutcome, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("stage panic: %v", r)
			}
		}()
		return fn(stageCtx)
	}()
	cancel()

	run := &models.AutomationRun{
		CorrelationID:  correlationID,
		Stage:          stage,
		WorkspaceID:    *res.Account.WorkspaceID,
		ConversationID: res.ConversationID,
		MessageID:      res.Message.MessageID,
		Status:         RunSuccess,
	}

	switch {
	case err != nil:
		metrics.Inc(metrics.StageFailures)
		log.WithError(err).Error("automation stage failed")
		run.Status = RunFailed
		run.Message = err.Error()
	case outcome == nil:
		run.Status = RunSkipped
	default:
		run.RefID = outcome.RefID
		run.Message = outcome.Note
		if outcome.Reply != nil {
			reply := *outcome.Reply
			if sendErr := p.deliver(ctx, res, &reply, outcome.Delay, outcome.Release); sendErr != nil {
				run.Status = RunFailed
				run.Message = sendErr.Error()
			} else if reply.Deferred {
				run.Message = "deferred"
			}
			*replies = append(*replies, reply)
		}
	}
	p.deps.Runs.Record(ctx, run)
}

func (p *IngestPipeline) deliver(ctx context.Context, res *IngestResult, reply *Reply, delay time.Duration, release func(context.Context)) error {
	if p.deps.Dispatcher == nil {
		if release != nil {
			release(ctx)
		}
		return nil
	}
	req := OutboundRequest{
		Account:        res.Account,
		ConversationID: res.ConversationID,
		RecipientID:    res.Message.SenderID,
		Text:           reply.Text,
		BotID:          reply.BotID,
		Stage:          reply.Stage,
		OnFailed:       release,
	}
	if delay > 0 {
		if delay > p.opts.MaxResponseDelay {
			delay = p.opts.MaxResponseDelay
		}
		p.deps.Dispatcher.SendAfter(delay, req)
		reply.Deferred = true
		return nil
	}
	msg, err := p.deps.Dispatcher.Send(ctx, req)
	if err != nil {
		return err
	}
	reply.Sent = true
	reply.PlatformMessageID = msg.MessageID
	return nil
}
