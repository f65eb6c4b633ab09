package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Client Facebook / Instagram Graph API 客户端
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
	config     *Config
}

// NewClient 创建新的 Graph 客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		config:  config,
	}
}

// endpoint Facebook 走带版本号的路径，Instagram 不带
func (c *Client) endpoint(host Host, path string, query url.Values) string {
	var base string
	switch host {
	case HostInstagram:
		base = strings.TrimRight(c.config.InstagramBaseURL, "/")
	default:
		base = strings.TrimRight(c.config.FacebookBaseURL, "/")
		if c.config.APIVersion != "" {
			base += "/" + c.config.APIVersion
		}
	}
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) createRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request body")
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "InboxFlow-Graph-Client/1.0")
	return req, nil
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "http request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response body")
	}

	c.logger.Debugf("Graph API Request: %s %s", req.Method, redact(req.URL))
	c.logger.Debugf("Graph API Response: %d %s", resp.StatusCode, string(body))

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(body)}
		var env errorEnvelope
		if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
			apiErr.Message = env.Error.Message
			apiErr.Type = env.Error.Type
			apiErr.Code = env.Error.Code
			apiErr.Subcode = env.Error.ErrorSubcode
			apiErr.TraceID = env.Error.FBTraceID
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}

func (c *Client) doRequestWithRetry(ctx context.Context, method, endpoint string, body interface{}, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("Graph API retry attempt %d/%d", attempt, c.config.MaxRetries)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "rate limiter")
		}

		req, err := c.createRequest(ctx, method, endpoint, body)
		if err != nil {
			return err
		}

		if err := c.doRequest(req, result); err != nil {
			lastErr = err
			if attempt < c.config.MaxRetries && shouldRetry(err) {
				continue
			}
			break
		}
		return nil
	}

	return lastErr
}

// shouldRetry 网络错误、429 与 5xx 重试；其余 4xx 不重试
func shouldRetry(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// SendMessage 发送文本或附件消息，返回平台消息 id
func (c *Client) SendMessage(ctx context.Context, target Target, recipientID string, msg OutboundMessage) (*SendResponse, error) {
	if target.NodeID == "" {
		return nil, fmt.Errorf("node ID is required")
	}
	if recipientID == "" {
		return nil, fmt.Errorf("recipient ID is required")
	}
	if msg.Text == "" && msg.AttachmentURL == "" {
		return nil, fmt.Errorf("message text or attachment is required")
	}

	payload := sendRequest{Recipient: recipient{ID: recipientID}}
	if msg.AttachmentURL != "" {
		att := &attachmentPayload{Type: msg.AttachmentType}
		if att.Type == "" {
			att.Type = "file"
		}
		att.Payload.URL = msg.AttachmentURL
		payload.Message.Attachment = att
	} else {
		text := msg.Text
		if target.Host == HostInstagram {
			text = TruncateText(text, InstagramTextLimit)
		}
		payload.Message.Text = text
	}

	endpoint := c.endpoint(target.Host, "/"+target.NodeID+"/messages", url.Values{"access_token": {target.AccessToken}})

	var response SendResponse
	if err := c.doRequestWithRetry(ctx, http.MethodPost, endpoint, payload, &response); err != nil {
		return nil, errors.Wrap(err, "send message")
	}
	return &response, nil
}

// GetProfile 拉取用户资料
func (c *Client) GetProfile(ctx context.Context, host Host, userID string, fields []string, accessToken string) (*Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	query := url.Values{"access_token": {accessToken}}
	if len(fields) > 0 {
		query.Set("fields", strings.Join(fields, ","))
	}

	var profile Profile
	if err := c.doRequestWithRetry(ctx, http.MethodGet, c.endpoint(host, "/"+userID, query), nil, &profile); err != nil {
		return nil, errors.Wrapf(err, "get profile %s", userID)
	}
	return &profile, nil
}

// ListConversations 列出节点下的会话及参与者
func (c *Client) ListConversations(ctx context.Context, target Target) ([]Conversation, error) {
	if target.NodeID == "" {
		return nil, fmt.Errorf("node ID is required")
	}
	query := url.Values{
		"fields":       {"participants"},
		"access_token": {target.AccessToken},
	}
	if target.Platform != "" {
		query.Set("platform", target.Platform)
	}

	var response conversationsResponse
	endpoint := c.endpoint(target.Host, "/"+target.NodeID+"/conversations", query)
	if err := c.doRequestWithRetry(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	return response.Data, nil
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"facebook_base_url":  c.config.FacebookBaseURL,
		"instagram_base_url": c.config.InstagramBaseURL,
		"api_version":        c.config.APIVersion,
		"timeout":            c.config.Timeout,
		"max_retries":        c.config.MaxRetries,
		"rate_limit":         c.config.RateLimit,
	}
}

// IsOutsideWindow 是否因 24 小时消息窗口被拒
func IsOutsideWindow(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Subcode == SubcodeOutsideWindow
}

// TruncateText 超过 limit 时截断并以 "..." 结尾
func TruncateText(text string, limit int) string {
	r := []rune(text)
	if limit <= 3 || len(r) <= limit {
		return text
	}
	return string(r[:limit-3]) + "..."
}

func redact(u *url.URL) string {
	c := *u
	q := c.Query()
	if q.Has("access_token") {
		q.Set("access_token", "***")
		c.RawQuery = q.Encode()
	}
	return c.String()
}
