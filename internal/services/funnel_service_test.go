package services

import (
	"context"
	"testing"
	"time"

	"inboxflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFunnelTestService(t *testing.T) (*FunnelService, *models.Workspace) {
	t.Helper()
	db := newTestDB(t)
	ws := seedWorkspace(t, db, true)
	return NewFunnelService(db, quietLogger()), ws
}

func loadEnrollment(t *testing.T, s *FunnelService, id uint) models.FunnelEnrollment {
	t.Helper()
	var enr models.FunnelEnrollment
	require.NoError(t, s.db.First(&enr, id).Error)
	return enr
}

func TestFunnelService_PriorityOrdering(t *testing.T) {
	s, ws := newFunnelTestService(t)
	kw := models.TriggerConfig{Keywords: []string{"pricing"}}
	low := seedFunnel(t, s.db, ws.ID, "Low", models.FunnelTriggerKeyword, kw, 5,
		step(1, models.StepSendMessage, models.StepConfig{Text: "low"}))
	high := seedFunnel(t, s.db, ws.ID, "High", models.FunnelTriggerKeyword, kw, 10,
		step(1, models.StepSendMessage, models.StepConfig{Text: "high"}))

	res, err := s.ProcessMessage(context.Background(), FunnelInput{
		WorkspaceID: ws.ID, ConversationID: "c1", Text: "What is your PRICING?",
	})
	require.NoError(t, err)
	assert.Equal(t, high.ID, res.FunnelID)
	assert.Equal(t, "high", res.Text)
	assert.True(t, res.Enrolled)

	var n int64
	s.db.Model(&models.FunnelEnrollment{}).Where("funnel_id = ?", low.ID).Count(&n)
	assert.Equal(t, int64(0), n)
}

func TestFunnelService_EnrollIsIdempotent(t *testing.T) {
	s, ws := newFunnelTestService(t)
	f := seedFunnel(t, s.db, ws.ID, "F", models.FunnelTriggerKeyword, models.TriggerConfig{Keywords: []string{"hi"}}, 0,
		step(1, models.StepSendMessage, models.StepConfig{Text: "one"}),
		step(2, models.StepDelay, models.StepConfig{Hours: 1}))
	ctx := context.Background()

	first, created, err := s.Enroll(ctx, f, "c1")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.Enroll(ctx, f, "c1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	var n int64
	s.db.Model(&models.FunnelEnrollment{}).Where("funnel_id = ? AND conversation_id = ?", f.ID, "c1").Count(&n)
	assert.Equal(t, int64(1), n)

	// 已报名时再次命中触发器不会重复执行步骤
	res, err := s.ProcessMessage(ctx, FunnelInput{WorkspaceID: ws.ID, ConversationID: "c1", Text: "hi again"})
	require.NoError(t, err)
	assert.False(t, res.Enrolled)
}

func TestFunnelService_EnrollStartsAtFirstStepOrder(t *testing.T) {
	s, ws := newFunnelTestService(t)
	f := seedFunnel(t, s.db, ws.ID, "F", models.FunnelTriggerKeyword, models.TriggerConfig{Keywords: []string{"x"}}, 0,
		step(10, models.StepSendMessage, models.StepConfig{Text: "ten"}),
		step(20, models.StepSendMessage, models.StepConfig{Text: "twenty"}))

	enr, _, err := s.Enroll(context.Background(), f, "c1")
	require.NoError(t, err)
	assert.Equal(t, 10, enr.CurrentStep)

	text, err := s.RunEnrollment(context.Background(), enr.ID)
	require.NoError(t, err)
	assert.Equal(t, "ten", text)
	assert.Equal(t, 20, loadEnrollment(t, s, enr.ID).CurrentStep)
}

func TestFunnelService_NewConversationTrigger(t *testing.T) {
	s, ws := newFunnelTestService(t)
	seedFunnel(t, s.db, ws.ID, "Welcome", models.FunnelTriggerNewConversation, models.TriggerConfig{}, 0,
		step(1, models.StepSendMessage, models.StepConfig{Text: "welcome"}))
	ctx := context.Background()

	res, err := s.ProcessMessage(ctx, FunnelInput{WorkspaceID: ws.ID, ConversationID: "c1", Text: "hey"})
	require.NoError(t, err)
	assert.Empty(t, res.Text)
	assert.Zero(t, res.FunnelID)

	res, err = s.ProcessMessage(ctx, FunnelInput{WorkspaceID: ws.ID, ConversationID: "c2", Text: "hey", IsFirstMessage: true})
	require.NoError(t, err)
	assert.Equal(t, "welcome", res.Text)
}

func TestFunnelService_DelayStepWaitsForSweep(t *testing.T) {
	s, ws := newFunnelTestService(t)
	base := time.Now()
	s.now = func() time.Time { return base }
	seedFunnel(t, s.db, ws.ID, "Drip", models.FunnelTriggerNewConversation, models.TriggerConfig{}, 0,
		step(1, models.StepSendMessage, models.StepConfig{Text: "hi"}),
		step(2, models.StepDelay, models.StepConfig{Hours: 1}),
		step(3, models.StepSendMessage, models.StepConfig{Text: "follow up"}))
	ctx := context.Background()

	res, err := s.ProcessMessage(ctx, FunnelInput{WorkspaceID: ws.ID, ConversationID: "c1", Text: "hey", IsFirstMessage: true})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Text)
	enrID := res.EnrollmentID

	// send_message 之后的步骤立即到期
	due, err := s.DueEnrollments(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	text, err := s.RunEnrollment(ctx, enrID)
	require.NoError(t, err)
	assert.Empty(t, text)
	enr := loadEnrollment(t, s, enrID)
	assert.Equal(t, 2, enr.CurrentStep)
	assert.True(t, enr.DelayArmed)
	require.NotNil(t, enr.NextStepAt)
	assert.WithinDuration(t, base.Add(time.Hour), *enr.NextStepAt, time.Second)

	due, err = s.DueEnrollments(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	s.now = func() time.Time { return base.Add(30 * time.Minute) }
	text, err = s.RunEnrollment(ctx, enrID)
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Equal(t, 2, loadEnrollment(t, s, enrID).CurrentStep)

	s.now = func() time.Time { return base.Add(61 * time.Minute) }
	due, err = s.DueEnrollments(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	text, err = s.RunEnrollment(ctx, enrID)
	require.NoError(t, err)
	assert.Equal(t, "follow up", text)
	enr = loadEnrollment(t, s, enrID)
	assert.Equal(t, models.EnrollmentCompleted, enr.Status)
	assert.NotNil(t, enr.CompletedAt)
}

func TestFunnelService_PendingEnrollmentAdvancesOnNextMessage(t *testing.T) {
	s, ws := newFunnelTestService(t)
	seedFunnel(t, s.db, ws.ID, "Two", models.FunnelTriggerNewConversation, models.TriggerConfig{}, 0,
		step(1, models.StepSendMessage, models.StepConfig{Text: "first"}),
		step(2, models.StepSendMessage, models.StepConfig{Text: "second"}))
	ctx := context.Background()

	res, err := s.ProcessMessage(ctx, FunnelInput{WorkspaceID: ws.ID, ConversationID: "c1", Text: "a", IsFirstMessage: true})
	require.NoError(t, err)
	assert.Equal(t, "first", res.Text)

	res, err = s.ProcessMessage(ctx, FunnelInput{WorkspaceID: ws.ID, ConversationID: "c1", Text: "b"})
	require.NoError(t, err)
	assert.Equal(t, "second", res.Text)
	assert.Equal(t, models.EnrollmentCompleted, loadEnrollment(t, s, res.EnrollmentID).Status)
}

func TestFunnelService_TagStepsAndTagTrigger(t *testing.T) {
	s, ws := newFunnelTestService(t)
	ctx := context.Background()
	seedFunnel(t, s.db, ws.ID, "Tagger", models.FunnelTriggerKeyword, models.TriggerConfig{Keywords: []string{"vip"}}, 1,
		step(1, models.StepTag, models.StepConfig{Add: []string{"vip", "lead"}}),
		step(2, models.StepSendMessage, models.StepConfig{Text: "welcome vip"}))
	tagged := seedFunnel(t, s.db, ws.ID, "VIP Care", models.FunnelTriggerTag, models.TriggerConfig{Tags: []string{"vip", "lead"}}, 0,
		step(1, models.StepTag, models.StepConfig{Remove: []string{"lead"}}),
		step(2, models.StepSendMessage, models.StepConfig{Text: "tagged"}))

	res, err := s.ProcessMessage(ctx, FunnelInput{WorkspaceID: ws.ID, ConversationID: "c1", Text: "I am VIP"})
	require.NoError(t, err)
	assert.Equal(t, "welcome vip", res.Text)

	var tags []string
	s.db.Model(&models.ConversationTag{}).Where("conversation_id = ?", "c1").Order("tag").Pluck("tag", &tags)
	assert.Equal(t, []string{"lead", "vip"}, tags)

	res, err = s.ProcessMessage(ctx, FunnelInput{WorkspaceID: ws.ID, ConversationID: "c1", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, tagged.ID, res.FunnelID)
	assert.Equal(t, "tagged", res.Text)

	tags = nil
	s.db.Model(&models.ConversationTag{}).Where("conversation_id = ?", "c1").Pluck("tag", &tags)
	assert.Equal(t, []string{"vip"}, tags)
}

func TestFunnelService_AssignHumanExits(t *testing.T) {
	s, ws := newFunnelTestService(t)
	seedFunnel(t, s.db, ws.ID, "Escalate", models.FunnelTriggerKeyword, models.TriggerConfig{Keywords: []string{"human"}}, 0,
		step(1, models.StepCondition, models.StepConfig{If: "user_replied"}),
		step(2, models.StepAssignHuman, models.StepConfig{}),
		step(3, models.StepSendMessage, models.StepConfig{Text: "never"}))

	res, err := s.ProcessMessage(context.Background(), FunnelInput{WorkspaceID: ws.ID, ConversationID: "c1", Text: "talk to a human"})
	require.NoError(t, err)
	assert.Empty(t, res.Text)

	enr := loadEnrollment(t, s, res.EnrollmentID)
	assert.Equal(t, models.EnrollmentExited, enr.Status)
	assert.Equal(t, 2, enr.CurrentStep)
	assert.NotNil(t, enr.CompletedAt)
	assert.Nil(t, enr.NextStepAt)
}

func TestFunnelService_AIResponseStepEnablesAI(t *testing.T) {
	s, ws := newFunnelTestService(t)
	bot := seedBot(t, s.db, ws.ID, "Closer", models.BotTypeFunnelSpecific, nil)
	f := seedFunnel(t, s.db, ws.ID, "AI", models.FunnelTriggerKeyword, models.TriggerConfig{Keywords: []string{"ai"}}, 0,
		step(1, models.StepAIResponse, models.StepConfig{BotID: &bot.ID}))

	res, err := s.ProcessMessage(context.Background(), FunnelInput{WorkspaceID: ws.ID, ConversationID: "c1", Text: "ai please"})
	require.NoError(t, err)
	assert.Empty(t, res.Text)
	assert.Equal(t, models.EnrollmentCompleted, loadEnrollment(t, s, res.EnrollmentID).Status)

	var st models.ConversationAISettings
	require.NoError(t, s.db.Where("conversation_id = ?", "c1").First(&st).Error)
	assert.True(t, st.AIEnabled)
	assert.True(t, st.OverrideWorkspaceDefault)
	require.NotNil(t, st.AssignedBotID)
	assert.Equal(t, bot.ID, *st.AssignedBotID)
	require.NotNil(t, st.FunnelID)
	assert.Equal(t, f.ID, *st.FunnelID)
}

func TestFunnelService_SkipsUnknownAndInactiveSteps(t *testing.T) {
	s, ws := newFunnelTestService(t)
	f := seedFunnel(t, s.db, ws.ID, "Mixed", models.FunnelTriggerKeyword, models.TriggerConfig{Keywords: []string{"go"}}, 0,
		step(1, "teleport", models.StepConfig{}),
		step(2, models.StepSendMessage, models.StepConfig{Text: "disabled"}),
		step(3, models.StepSendMessage, models.StepConfig{Text: "enabled"}))
	require.NoError(t, s.db.Model(&models.FunnelStep{}).
		Where("funnel_id = ? AND step_order = ?", f.ID, 2).
		Update("is_active", false).Error)

	res, err := s.ProcessMessage(context.Background(), FunnelInput{WorkspaceID: ws.ID, ConversationID: "c1", Text: "go"})
	require.NoError(t, err)
	assert.Equal(t, "enabled", res.Text)
}

func TestFunnelService_StaleRunDoesNotDoubleAdvance(t *testing.T) {
	s, ws := newFunnelTestService(t)
	f := seedFunnel(t, s.db, ws.ID, "F", models.FunnelTriggerKeyword, models.TriggerConfig{Keywords: []string{"x"}}, 0,
		step(1, models.StepSendMessage, models.StepConfig{Text: "one"}),
		step(2, models.StepSendMessage, models.StepConfig{Text: "two"}))
	enr, _, err := s.Enroll(context.Background(), f, "c1")
	require.NoError(t, err)

	copyOf := *enr
	copyOf.CurrentStep = 2
	assert.ErrorIs(t, s.save(context.Background(), &copyOf, 5), errEnrollmentMoved)
	assert.Equal(t, 1, loadEnrollment(t, s, enr.ID).CurrentStep)
}

func TestMatchKeywords(t *testing.T) {
	cases := []struct {
		name     string
		text     string
		keywords []string
		mode     string
		want     bool
	}{
		{"any hit", "How much is the PRO plan", []string{"price", "pro"}, "any", true},
		{"default any", "pricing?", []string{"pricing"}, "", true},
		{"any miss", "hello", []string{"price"}, "any", false},
		{"all hit", "demo and pricing", []string{"demo", "pricing"}, "all", true},
		{"all miss", "demo only", []string{"demo", "pricing"}, "all", false},
		{"empty keywords", "anything", nil, "all", false},
		{"blank keyword ignored", "anything", []string{" "}, "any", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, matchKeywords(tc.text, tc.keywords, tc.mode))
		})
	}
}

func TestFunnelService_EnrollmentsNewestFirst(t *testing.T) {
	s, ws := newFunnelTestService(t)
	a := seedFunnel(t, s.db, ws.ID, "A", models.FunnelTriggerKeyword, models.TriggerConfig{Keywords: []string{"a"}}, 0,
		step(1, models.StepDelay, models.StepConfig{Hours: 1}))
	b := seedFunnel(t, s.db, ws.ID, "B", models.FunnelTriggerKeyword, models.TriggerConfig{Keywords: []string{"b"}}, 0,
		step(1, models.StepDelay, models.StepConfig{Hours: 1}))
	ctx := context.Background()

	_, _, err := s.Enroll(ctx, a, "c1")
	require.NoError(t, err)
	_, _, err = s.Enroll(ctx, b, "c1")
	require.NoError(t, err)
	_, _, err = s.Enroll(ctx, a, "c2")
	require.NoError(t, err)

	got, err := s.Enrollments(ctx, ws.ID, "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].FunnelID)

	other, err := s.Enrollments(ctx, ws.ID+1, "c1")
	require.NoError(t, err)
	assert.Empty(t, other)
}
