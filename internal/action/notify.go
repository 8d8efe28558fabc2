package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
	"github.com/kestrelmon/kestrel-go/internal/faults"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

// NotifyConfig is the notify plugin's execute config.
type NotifyConfig struct {
	NoticeWays  []string `json:"notice_ways"`
	VoiceSerial bool     `json:"voice_serial,omitempty"`
}

// ParseNotifyConfig decodes a notify execute config.
func ParseNotifyConfig(raw string) (*NotifyConfig, error) {
	if raw == "" {
		return &NotifyConfig{}, nil
	}
	var cfg NotifyConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, faults.Wrap(faults.KindParse, err, "bad notify config")
	}
	return &cfg, nil
}

// GatewayResponse is the notification gateway's verdict on one send.
type GatewayResponse struct {
	Accepted  bool   `json:"accepted"`
	Retryable bool   `json:"retryable"`
	Blocked   bool   `json:"blocked"`
	Detail    string `json:"detail"`
}

// Gateway delivers a notice over one way to an ordered receiver list.
type Gateway interface {
	Send(ctx context.Context, way string, receivers []string, title, body string, mentions []string) (*GatewayResponse, error)
}

// NotifyPlugin sends notices through the external notification gateway, one
// sub task per (notice_way, receiver).
type NotifyPlugin struct {
	gateway Gateway
}

// NewNotifyPlugin creates the notify executor.
func NewNotifyPlugin(gateway Gateway) *NotifyPlugin {
	return &NotifyPlugin{gateway: gateway}
}

func (p *NotifyPlugin) Kind() strategy.PluginKind { return strategy.PluginNotify }

func (p *NotifyPlugin) Retry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 30 * time.Second}
}

// Execute sends one notice. A blocked gateway verdict captures the call as a
// retry param so an operator can replay it once the block lifts.
func (p *NotifyPlugin) Execute(ctx context.Context, task *Task) (*Result, error) {
	inst := task.Instance
	receivers := SplitReceivers(inst.Receiver)
	if len(receivers) == 0 {
		return &Result{Status: entities.ActionStatusSkipped}, nil
	}

	title, body := "", RenderContent(task, nil)
	if task.Config != nil {
		title = task.Config.TemplateTitle
	}

	resp, err := p.gateway.Send(ctx, inst.NoticeWay, receivers, title, body, inst.MentionUsers)
	if err != nil {
		if faults.KindOf(err) == "" {
			err = faults.Wrap(faults.KindTransientRemote, err, "notify gateway send")
		}
		return nil, err
	}
	switch {
	case resp.Accepted:
		return &Result{
			Status: entities.ActionStatusSuccess,
			Output: map[string]any{"detail": resp.Detail},
		}, nil
	case resp.Blocked:
		res := &Result{
			Output: map[string]any{"detail": resp.Detail},
			RetryParams: []RetryCall{{
				Module:   "notify.gateway",
				Resource: "send",
				Kwargs: map[string]any{
					"notice_way": inst.NoticeWay,
					"receivers":  receivers,
					"title":      title,
					"body":       body,
					"mentions":   inst.MentionUsers,
				},
			}},
		}
		return res, faults.New(faults.KindBlocked, "notice blocked: %s", resp.Detail)
	case resp.Retryable:
		return nil, faults.New(faults.KindTransientRemote, "notice rejected: %s", resp.Detail)
	default:
		return nil, faults.New(faults.KindPermanentRemote, "notice rejected: %s", resp.Detail)
	}
}

// SplitReceivers parses the stored receiver column back into the ordered
// list. JoinReceivers is its inverse.
func SplitReceivers(stored string) []string {
	if stored == "" {
		return nil
	}
	parts := strings.Split(stored, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinReceivers encodes an ordered receiver list for the receiver column.
func JoinReceivers(receivers []string) string {
	return strings.Join(receivers, ",")
}

// HTTPGateway talks to the notification gateway over HTTP.
type HTTPGateway struct {
	url    string
	client *http.Client
}

// NewHTTPGateway creates a gateway client with the given request timeout.
func NewHTTPGateway(url string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type gatewayRequest struct {
	NoticeWay string   `json:"notice_way"`
	Receivers []string `json:"receivers"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Mentions  []string `json:"mentions,omitempty"`
}

// Send posts one notice and decodes the gateway verdict.
func (g *HTTPGateway) Send(ctx context.Context, way string, receivers []string, title, body string, mentions []string) (*GatewayResponse, error) {
	payload, err := json.Marshal(gatewayRequest{
		NoticeWay: way, Receivers: receivers, Title: title, Body: body, Mentions: mentions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode gateway request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientRemote, err, "notify gateway unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, faults.New(faults.KindTransientRemote, "notify gateway returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return nil, faults.New(faults.KindPermanentRemote, "notify gateway returned %d", resp.StatusCode)
	}
	var verdict GatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, faults.Wrap(faults.KindParse, err, "bad gateway response")
	}
	return &verdict, nil
}

// GatewayReplayHandler adapts a gateway to the replay contract for blocked
// notices captured by the notify plugin.
func GatewayReplayHandler(gateway Gateway) ReplayHandler {
	return func(ctx context.Context, call RetryCall) error {
		way, _ := call.Kwargs["notice_way"].(string)
		title, _ := call.Kwargs["title"].(string)
		body, _ := call.Kwargs["body"].(string)
		receivers := stringSlice(call.Kwargs["receivers"])
		if way == "" || len(receivers) == 0 {
			return faults.New(faults.KindInvariant, "replay call missing notice_way or receivers")
		}
		resp, err := gateway.Send(ctx, way, receivers, title, body, stringSlice(call.Kwargs["mentions"]))
		if err != nil {
			return err
		}
		if !resp.Accepted {
			return faults.New(faults.KindPermanentRemote, "replayed notice rejected: %s", resp.Detail)
		}
		return nil
	}
}

// stringSlice tolerates both the in-process []string and the []any that a
// JSON round-trip of persisted retry params produces.
func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
