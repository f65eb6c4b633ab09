package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"inboxflow/internal/models"
	"inboxflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeReconciler struct {
	acc *models.Account
	err error
}

func (f *fakeReconciler) Reconcile(_ context.Context, id uint) (*models.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	acc := *f.acc
	acc.ID = id
	return &acc, nil
}

type automationFixture struct {
	db     *gorm.DB
	ws     *models.Workspace
	router *gin.Engine
	recon  *fakeReconciler
}

func newAutomationFixture(t *testing.T) *automationFixture {
	t.Helper()
	testConfig()
	db := newTestDB(t)
	ws := &models.Workspace{OwnerID: 1, Name: "ws", IsActive: true}
	require.NoError(t, db.Create(ws).Error)

	log := quietLogger()
	recon := &fakeReconciler{acc: &models.Account{PlatformUserID: "1784"}}
	h := NewAutomationHandler(
		services.NewSettingsService(db, log),
		services.NewFunnelService(db, log),
		services.NewAutomationRunService(db, log),
		recon,
		log,
	)
	r := gin.New()
	RegisterAutomationRoutes(r.Group("/api/v1"), h)
	return &automationFixture{db: db, ws: ws, router: r, recon: recon}
}

func (f *automationFixture) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(w, req)
	return w
}

func (f *automationFixture) path(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...) + fmt.Sprintf("?workspace_id=%d", f.ws.ID)
}

func TestAutomationHandler_DefaultsWhenNoSettings(t *testing.T) {
	f := newAutomationFixture(t)
	w := f.do(http.MethodGet, f.path("/api/v1/conversations/%s/automation", "c1"), "")
	require.Equal(t, http.StatusOK, w.Code)

	var state AutomationState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.True(t, state.Settings.AIEnabled)
	assert.True(t, state.Settings.AutoFunnelEnabled)
	assert.Empty(t, state.Enrollments)
}

func TestAutomationHandler_RequiresWorkspace(t *testing.T) {
	f := newAutomationFixture(t)
	w := f.do(http.MethodGet, "/api/v1/conversations/c1/automation", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationHandler_ToggleAutoFunnel(t *testing.T) {
	f := newAutomationFixture(t)
	w := f.do(http.MethodPut, f.path("/api/v1/conversations/%s/auto-funnel", "c1"), `{"enabled":false}`)
	require.Equal(t, http.StatusOK, w.Code)

	var st models.ConversationAISettings
	require.NoError(t, f.db.Where("conversation_id = ?", "c1").First(&st).Error)
	assert.False(t, st.AutoFunnelEnabled)
	assert.True(t, st.AIEnabled)

	w = f.do(http.MethodPut, f.path("/api/v1/conversations/%s/auto-funnel", "c1"), `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "enabled is required")
}

func TestAutomationHandler_PinAndUnpinBot(t *testing.T) {
	f := newAutomationFixture(t)
	bot := models.NewAIBot(f.ws.ID, "Closer", models.BotTypeConversationOverride, "sell")
	require.NoError(t, f.db.Create(bot).Error)

	w := f.do(http.MethodPut, f.path("/api/v1/conversations/%s/bot", "c1"), fmt.Sprintf(`{"bot_id":%d}`, bot.ID))
	require.Equal(t, http.StatusOK, w.Code)
	var st models.ConversationAISettings
	require.NoError(t, f.db.Where("conversation_id = ?", "c1").First(&st).Error)
	require.NotNil(t, st.AssignedBotID)
	assert.Equal(t, bot.ID, *st.AssignedBotID)
	assert.True(t, st.OverrideWorkspaceDefault)

	w = f.do(http.MethodPut, f.path("/api/v1/conversations/%s/bot", "c1"), `{"bot_id":null}`)
	require.Equal(t, http.StatusOK, w.Code)
	st = models.ConversationAISettings{}
	require.NoError(t, f.db.Where("conversation_id = ?", "c1").First(&st).Error)
	assert.Nil(t, st.AssignedBotID)
	assert.False(t, st.OverrideWorkspaceDefault)

	w = f.do(http.MethodPut, f.path("/api/v1/conversations/%s/bot", "c1"), `{"bot_id":9999}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_ListRuns(t *testing.T) {
	f := newAutomationFixture(t)
	runs := services.NewAutomationRunService(f.db, quietLogger())
	ctx := context.Background()
	runs.Record(ctx, &models.AutomationRun{Stage: models.StageFunnel, ConversationID: "c1", Status: services.RunSuccess})
	runs.Record(ctx, &models.AutomationRun{Stage: models.StageBot, ConversationID: "c2", Status: services.RunFailed})

	w := f.do(http.MethodGet, "/api/v1/automation/runs?conversation_id=c1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data  []models.AutomationRun `json:"data"`
		Total int                    `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, models.StageFunnel, body.Data[0].Stage)
}

func TestAutomationHandler_Reconcile(t *testing.T) {
	f := newAutomationFixture(t)

	w := f.do(http.MethodPost, "/api/v1/accounts/7/reconcile", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"platform_user_id":"1784"`)

	f.recon.err = services.ErrNotReconciled
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/v1/accounts/7/reconcile", "").Code)

	f.recon.err = fmt.Errorf("load account 7: %w", gorm.ErrRecordNotFound)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/v1/accounts/7/reconcile", "").Code)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/accounts/abc/reconcile", "").Code)
}
