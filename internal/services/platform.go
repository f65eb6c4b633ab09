package services

import (
	"context"
	"fmt"

	"inboxflow/internal/models"
	"inboxflow/pkg/graph"

	"github.com/sirupsen/logrus"
)

// ConversationLister 列出账号的会话与参与者
type ConversationLister interface {
	ListConversations(ctx context.Context, account *models.Account) ([]graph.Conversation, error)
}

// ProfileFetcher 拉取对端用户资料
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, account *models.Account, personID string) (*graph.Profile, error)
}

// MessageSender 向平台发送消息，返回平台消息 id
type MessageSender interface {
	Send(ctx context.Context, account *models.Account, recipientID string, msg graph.OutboundMessage) (string, error)
}

// PlatformGateway 按账号类型选择 Graph 域名、节点与字段
type PlatformGateway struct {
	client *graph.Client
	logger *logrus.Logger
}

func NewPlatformGateway(client *graph.Client, logger *logrus.Logger) *PlatformGateway {
	if logger == nil {
		logger = logrus.New()
	}
	return &PlatformGateway{client: client, logger: logger}
}

var (
	facebookProfileFields      = []string{"name", "first_name", "last_name", "profile_pic"}
	businessLoginProfileFields = []string{"name", "username", "profile_pic"}
	instagramPageProfileFields = []string{"id", "name", "username", "profile_picture_url"}
)

// Send 发送消息
func (g *PlatformGateway) Send(ctx context.Context, account *models.Account, recipientID string, msg graph.OutboundMessage) (string, error) {
	target := graph.Target{AccessToken: account.AccessToken}
	switch {
	case account.Platform == models.PlatformFacebook:
		target.Host = graph.HostFacebook
		target.NodeID = "me"
	case account.IsBusinessLogin():
		target.Host = graph.HostInstagram
		target.NodeID = account.RoutingID()
	default:
		target.Host = graph.HostFacebook
		target.NodeID = account.RoutingID()
	}

	resp, err := g.client.SendMessage(ctx, target, recipientID, msg)
	if err != nil {
		if graph.IsOutsideWindow(err) {
			g.logger.WithFields(logrus.Fields{
				"account_id": account.ID,
				"recipient":  recipientID,
			}).Warn("recipient is outside the 24h messaging window")
		}
		return "", err
	}
	return resp.MessageID, nil
}

// FetchProfile 拉取资料；失败时返回错误，由调用方忽略
func (g *PlatformGateway) FetchProfile(ctx context.Context, account *models.Account, personID string) (*graph.Profile, error) {
	host, fields := graph.HostFacebook, facebookProfileFields
	if account.Platform == models.PlatformInstagram {
		if account.IsBusinessLogin() {
			host, fields = graph.HostInstagram, businessLoginProfileFields
		} else {
			fields = instagramPageProfileFields
		}
	}
	return g.client.GetProfile(ctx, host, personID, fields, account.AccessToken)
}

// ListConversations 列出账号会话。双 id 账号使用 API 作用域 id（RoutingID）
func (g *PlatformGateway) ListConversations(ctx context.Context, account *models.Account) ([]graph.Conversation, error) {
	target := graph.Target{
		Host:        graph.HostFacebook,
		NodeID:      account.RoutingID(),
		AccessToken: account.AccessToken,
	}
	if account.Platform == models.PlatformInstagram {
		target.Platform = models.PlatformInstagram
		if account.IsBusinessLogin() {
			target.Host = graph.HostInstagram
		}
	}
	if target.NodeID == "" {
		return nil, fmt.Errorf("account %d has no routing id", account.ID)
	}
	return g.client.ListConversations(ctx, target)
}
