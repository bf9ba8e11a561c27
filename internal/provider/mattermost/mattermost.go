// Package mattermost posts messages as a Mattermost bot account.
package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/LeventeLantos/messaging-gateway/internal/logging"
	gwmodel "github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/provider"
)

type Provider struct {
	log *slog.Logger

	mu     sync.Mutex
	creds  provider.MattermostCredentials
	ready  bool
	client *model.Client4
	botID  string
}

var _ provider.Provider = (*Provider)(nil)

func New() *Provider {
	return &Provider{log: logging.Component(string(gwmodel.Mattermost))}
}

func (p *Provider) Service() gwmodel.Service { return gwmodel.Mattermost }

func (p *Provider) ValidateCredentials(raw json.RawMessage) error {
	_, err := provider.ParseMattermostCredentials(raw)
	return err
}

func (p *Provider) Configure(raw json.RawMessage) error {
	c, err := provider.ParseMattermostCredentials(raw)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds = c
	p.ready = true
	p.client = nil
	return nil
}

// Connect verifies the bot token. Bot tokens need no interactive challenge.
func (p *Provider) Connect(ctx context.Context, _ provider.Prompter) (provider.Session, error) {
	p.mu.Lock()
	if !p.ready {
		p.mu.Unlock()
		return provider.Session{}, provider.ErrNotConfigured
	}
	creds := p.creds
	p.mu.Unlock()

	client := model.NewAPIv4Client(creds.ServerURL)
	client.SetToken(creds.BotToken)

	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return provider.Session{}, fmt.Errorf("authentication failed: %w", err)
	}

	var sess provider.Session
	if creds.BotUserID != me.Id {
		creds.BotUserID = me.Id
		raw, err := json.Marshal(creds)
		if err != nil {
			return provider.Session{}, err
		}
		sess.Credentials = raw
	}

	p.mu.Lock()
	p.creds = creds
	p.client = client
	p.botID = me.Id
	p.mu.Unlock()

	p.log.Info("mattermost bot authenticated", "user_id", me.Id, "username", me.Username)
	return sess, nil
}

func (p *Provider) Disconnect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = nil
	p.botID = ""
	return nil
}

func (p *Provider) Reset(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = nil
	p.botID = ""
	p.creds.BotUserID = ""
	return nil
}

// SendText posts body to a channel id, or to the direct channel with the
// user when recipient is "@username".
func (p *Provider) SendText(ctx context.Context, recipient, body string) (string, error) {
	p.mu.Lock()
	client, botID := p.client, p.botID
	p.mu.Unlock()

	if client == nil {
		return "", provider.ErrNotConnected
	}

	channelID := recipient
	if username, ok := strings.CutPrefix(recipient, "@"); ok {
		user, _, err := client.GetUserByUsername(ctx, username, "")
		if err != nil {
			return "", fmt.Errorf("lookup user %s: %w", username, err)
		}
		ch, _, err := client.CreateDirectChannel(ctx, botID, user.Id)
		if err != nil {
			return "", fmt.Errorf("open direct channel with %s: %w", username, err)
		}
		channelID = ch.Id
	}

	post, _, err := client.CreatePost(ctx, &model.Post{
		ChannelId: channelID,
		Message:   body,
	})
	if err != nil {
		return "", fmt.Errorf("create post: %w", err)
	}
	return post.Id, nil
}
