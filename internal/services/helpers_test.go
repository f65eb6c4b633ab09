package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"inboxflow/internal/models"
	"inboxflow/pkg/graph"

	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:services_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func seedWorkspace(t *testing.T, db *gorm.DB, active bool) *models.Workspace {
	t.Helper()
	ws := &models.Workspace{OwnerID: 1, Name: "ws", IsActive: active}
	if err := db.Create(ws).Error; err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	return ws
}

func seedAccount(t *testing.T, db *gorm.DB, ws *models.Workspace, platform, platformUserID string, active bool) *models.Account {
	t.Helper()
	wsID := ws.ID
	acc := &models.Account{
		UserID:           ws.OwnerID,
		WorkspaceID:      &wsID,
		Platform:         platform,
		ConnectionType:   models.ConnectionFacebookPage,
		PlatformUserID:   platformUserID,
		PlatformUsername: "shop",
		AccessToken:      "EAAB-token",
		IsActive:         active,
	}
	if err := db.Create(acc).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acc
}

func seedFunnel(t *testing.T, db *gorm.DB, workspaceID uint, name, triggerType string, trigger models.TriggerConfig, priority int, steps ...models.FunnelStep) *models.Funnel {
	t.Helper()
	f := &models.Funnel{
		WorkspaceID:   workspaceID,
		Name:          name,
		TriggerType:   triggerType,
		TriggerConfig: models.EncodeJSON(trigger),
		IsActive:      true,
		Priority:      priority,
	}
	if err := db.Create(f).Error; err != nil {
		t.Fatalf("create funnel: %v", err)
	}
	for i := range steps {
		steps[i].FunnelID = f.ID
		if steps[i].Name == "" {
			steps[i].Name = fmt.Sprintf("step %d", steps[i].StepOrder)
		}
		steps[i].IsActive = true
		if err := db.Create(&steps[i]).Error; err != nil {
			t.Fatalf("create step: %v", err)
		}
	}
	return f
}

func step(order int, stepType string, cfg models.StepConfig) models.FunnelStep {
	return models.FunnelStep{StepOrder: order, StepType: stepType, StepConfig: models.EncodeJSON(cfg)}
}

func seedBot(t *testing.T, db *gorm.DB, workspaceID uint, name, botType string, mutate func(*models.AIBot)) *models.AIBot {
	t.Helper()
	bot := models.NewAIBot(workspaceID, name, botType, "You are helpful.")
	bot.AutoRespond = true
	if mutate != nil {
		mutate(bot)
	}
	if err := db.Create(bot).Error; err != nil {
		t.Fatalf("create bot: %v", err)
	}
	return bot
}

type fakeLister struct {
	mu    sync.Mutex
	convs map[uint][]graph.Conversation
	err   error
	calls int
}

func (f *fakeLister) ListConversations(_ context.Context, acc *models.Account) ([]graph.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.convs[acc.ID], nil
}

func conversationWith(participants ...graph.Participant) graph.Conversation {
	c := graph.Conversation{ID: "conv"}
	c.Participants.Data = participants
	return c
}

type sentMessage struct {
	AccountID   uint
	RecipientID string
	Text        string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
	mid  func(n int) string
}

func (f *fakeSender) Send(_ context.Context, acc *models.Account, recipientID string, msg graph.OutboundMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentMessage{AccountID: acc.ID, RecipientID: recipientID, Text: msg.Text})
	if f.mid != nil {
		return f.mid(len(f.sent)), nil
	}
	return fmt.Sprintf("m_out_%d", len(f.sent)), nil
}

func (f *fakeSender) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeProfiles struct {
	profile *graph.Profile
	err     error
	calls   int
}

func (f *fakeProfiles) FetchProfile(context.Context, *models.Account, string) (*graph.Profile, error) {
	f.calls++
	return f.profile, f.err
}

type notifiedEvent struct {
	UserID uint
	Type   string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notifiedEvent
}

func (f *fakeNotifier) Broadcast(userID uint, eventType string, _ interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, notifiedEvent{UserID: userID, Type: eventType})
}

func (f *fakeNotifier) Count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// fakeGenerator 记录调用并返回固定文本
type fakeGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	history []*schema.Message
}

func (f *fakeGenerator) Generate(_ context.Context, _ *models.AIBot, history []*schema.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.history = history
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type memoryGuard struct {
	mu        sync.Mutex
	seen      map[string]bool
	confirmed map[string]bool
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{seen: make(map[string]bool), confirmed: make(map[string]bool)}
}

func (g *memoryGuard) FirstDelivery(_ context.Context, mid string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[mid] {
		return false
	}
	g.seen[mid] = true
	return true
}

func (g *memoryGuard) Confirm(_ context.Context, mid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmed[mid] = true
}

func (g *memoryGuard) Confirmed(mid string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.confirmed[mid]
}

func (g *memoryGuard) Release(_ context.Context, mid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, mid)
}
