package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(srv *httptest.Server) *Client {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewClient(&Config{
		FacebookBaseURL:  srv.URL + "/fb",
		InstagramBaseURL: srv.URL + "/ig",
		APIVersion:       "v18.0",
		Timeout:          2 * time.Second,
		MaxRetries:       2,
		RetryDelay:       time.Millisecond,
	}, logger)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "https://graph.facebook.com", cfg.FacebookBaseURL)
	assert.Equal(t, "https://graph.instagram.com", cfg.InstagramBaseURL)
	assert.NotZero(t, cfg.Timeout)
	assert.NotZero(t, cfg.MaxRetries)
}

func TestNewClient_NilConfig(t *testing.T) {
	c := NewClient(nil, nil)
	require.NotNil(t, c)
	assert.NotNil(t, c.httpClient)
	assert.NotNil(t, c.logger)
	assert.NotNil(t, c.limiter)
}

func TestSendMessage_FacebookText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fb/v18.0/me/messages", r.URL.Path)
		assert.Equal(t, "page-token", r.URL.Query().Get("access_token"))

		var body map[string]map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user-1", body["recipient"]["id"])
		assert.Equal(t, "hello", body["message"]["text"])

		_, _ = w.Write([]byte(`{"recipient_id":"user-1","message_id":"mid.out.1"}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv).SendMessage(context.Background(),
		Target{Host: HostFacebook, NodeID: "me", AccessToken: "page-token"},
		"user-1", OutboundMessage{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "mid.out.1", resp.MessageID)
}

func TestSendMessage_InstagramTruncatesAndAttachments(t *testing.T) {
	var got []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ig/17841/messages", r.URL.Path)
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = append(got, body["message"].(map[string]interface{}))
		_, _ = w.Write([]byte(`{"message_id":"mid.x"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	target := Target{Host: HostInstagram, NodeID: "17841", AccessToken: "IGAAL-token"}

	_, err := c.SendMessage(context.Background(), target, "u", OutboundMessage{Text: strings.Repeat("a", 1500)})
	require.NoError(t, err)
	_, err = c.SendMessage(context.Background(), target, "u", OutboundMessage{AttachmentType: "image", AttachmentURL: "https://cdn/x.png"})
	require.NoError(t, err)

	require.Len(t, got, 2)
	text := got[0]["text"].(string)
	assert.Len(t, text, InstagramTextLimit)
	assert.True(t, strings.HasSuffix(text, "..."))

	att := got[1]["attachment"].(map[string]interface{})
	assert.Equal(t, "image", att["type"])
	assert.Equal(t, "https://cdn/x.png", att["payload"].(map[string]interface{})["url"])
}

func TestSendMessage_OutsideWindowNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"outside of allowed window","type":"OAuthException","code":10,"error_subcode":2534022}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).SendMessage(context.Background(),
		Target{Host: HostFacebook, NodeID: "me", AccessToken: "t"}, "u", OutboundMessage{Text: "hi"})
	require.Error(t, err)
	assert.True(t, IsOutsideWindow(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSendMessage_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"message_id":"mid.ok"}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv).SendMessage(context.Background(),
		Target{Host: HostFacebook, NodeID: "me", AccessToken: "t"}, "u", OutboundMessage{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "mid.ok", resp.MessageID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSendMessage_Validation(t *testing.T) {
	c := NewClient(nil, nil)
	ctx := context.Background()

	_, err := c.SendMessage(ctx, Target{}, "u", OutboundMessage{Text: "x"})
	assert.Error(t, err)
	_, err = c.SendMessage(ctx, Target{NodeID: "me"}, "", OutboundMessage{Text: "x"})
	assert.Error(t, err)
	_, err = c.SendMessage(ctx, Target{NodeID: "me"}, "u", OutboundMessage{})
	assert.Error(t, err)
}

func TestGetProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ig/555", r.URL.Path)
		assert.Equal(t, "name,username,profile_pic", r.URL.Query().Get("fields"))
		_, _ = w.Write([]byte(`{"id":"555","username":"jane","profile_pic":"https://pic"}`))
	}))
	defer srv.Close()

	p, err := newTestClient(srv).GetProfile(context.Background(), HostInstagram, "555",
		[]string{"name", "username", "profile_pic"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "jane", p.DisplayName())
	assert.Equal(t, "https://pic", p.Avatar())
}

func TestListConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ig/scoped-1/conversations", r.URL.Path)
		assert.Equal(t, "instagram", r.URL.Query().Get("platform"))
		assert.Equal(t, "participants", r.URL.Query().Get("fields"))
		_, _ = w.Write([]byte(`{"data":[{"id":"c1","participants":{"data":[
			{"id":"1784-biz","username":"acme"},{"id":"999","username":"jane"}]}}]}`))
	}))
	defer srv.Close()

	convs, err := newTestClient(srv).ListConversations(context.Background(),
		Target{Host: HostInstagram, NodeID: "scoped-1", AccessToken: "tok", Platform: "instagram"})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Len(t, convs[0].Participants.Data, 2)
	assert.Equal(t, "1784-biz", convs[0].Participants.Data[0].ID)
}

func TestProfileDisplayName(t *testing.T) {
	tests := []struct {
		name string
		p    Profile
		want string
	}{
		{"name wins", Profile{Name: "Jane D", FirstName: "Jane", Username: "jd"}, "Jane D"},
		{"first and last", Profile{FirstName: "Jane", LastName: "Doe"}, "Jane Doe"},
		{"first only", Profile{FirstName: "Jane"}, "Jane"},
		{"username fallback", Profile{Username: "jd"}, "jd"},
		{"empty", Profile{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.DisplayName())
		})
	}
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "short", TruncateText("short", 10))
	assert.Equal(t, "abcdefg...", TruncateText("abcdefghijklmnop", 10))
}

func TestRedactAccessToken(t *testing.T) {
	srvURL := "https://graph.facebook.com/v18.0/me/messages?access_token=secret"
	req, _ := http.NewRequest(http.MethodGet, srvURL, nil)
	assert.NotContains(t, redact(req.URL), "secret")
}
