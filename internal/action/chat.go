package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
	"github.com/kestrelmon/kestrel-go/internal/faults"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

// ChatConfig is the chat plugin's execute config. ServiceURL is a shoutrrr
// service URL (slack://..., telegram://..., ntfy://...).
type ChatConfig struct {
	ServiceURL string `json:"service_url"`
	Title      string `json:"title,omitempty"`
}

// ChatSender delivers one message to a chat service URL.
type ChatSender interface {
	Send(ctx context.Context, serviceURL, title, body string) error
}

// ChatPlugin posts a rendered message into a group chat. Mentions are
// prefixed onto the body. Transient failures get one retry.
type ChatPlugin struct {
	sender ChatSender
	// defaultURL serves configs that omit service_url.
	defaultURL string
}

// NewChatPlugin creates the chat executor.
func NewChatPlugin(sender ChatSender, defaultURL string) *ChatPlugin {
	return &ChatPlugin{sender: sender, defaultURL: defaultURL}
}

func (p *ChatPlugin) Kind() strategy.PluginKind { return strategy.PluginChat }

func (p *ChatPlugin) Retry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Backoff: 10 * time.Second}
}

func (p *ChatPlugin) Execute(ctx context.Context, task *Task) (*Result, error) {
	var cfg ChatConfig
	if task.Config == nil || task.Config.ExecuteConfig == "" {
		return nil, faults.New(faults.KindInvariant, "chat config missing for task %s", task.Instance.ID)
	}
	if err := json.Unmarshal([]byte(task.Config.ExecuteConfig), &cfg); err != nil {
		return nil, faults.Wrap(faults.KindParse, err, "bad chat config")
	}
	if cfg.ServiceURL == "" {
		cfg.ServiceURL = p.defaultURL
	}
	if cfg.ServiceURL == "" {
		return nil, faults.New(faults.KindInvariant, "chat config has no service url")
	}

	body := RenderContent(task, nil)
	if mentions := task.Instance.MentionUsers; len(mentions) > 0 {
		body = mentionPrefix(mentions) + body
	}
	title := cfg.Title
	if title == "" && task.Config != nil {
		title = task.Config.TemplateTitle
	}

	if err := p.sender.Send(ctx, cfg.ServiceURL, title, body); err != nil {
		if faults.KindOf(err) == "" {
			err = faults.Wrap(faults.KindTransientRemote, err, "chat send")
		}
		return nil, err
	}
	return &Result{Status: entities.ActionStatusSuccess}, nil
}

func mentionPrefix(users []string) string {
	var sb strings.Builder
	for _, u := range users {
		sb.WriteByte('@')
		sb.WriteString(u)
		sb.WriteByte(' ')
	}
	return sb.String()
}

// ShoutrrrSender sends chat messages through the shoutrrr service router.
type ShoutrrrSender struct{}

// Send builds a one-shot sender for the URL and posts the message.
func (ShoutrrrSender) Send(ctx context.Context, serviceURL, title, body string) error {
	sender, err := shoutrrr.CreateSender(serviceURL)
	if err != nil {
		return faults.Wrap(faults.KindPermanentRemote, err, "bad chat service url")
	}
	params := &types.Params{}
	if title != "" {
		params.SetTitle(title)
	}
	for _, err := range sender.Send(body, params) {
		if err != nil {
			return fmt.Errorf("failed to send chat message: %w", err)
		}
	}
	return nil
}
