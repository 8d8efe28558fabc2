package action

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
	"github.com/kestrelmon/kestrel-go/internal/faults"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

// WebhookConfig is the webhook plugin's execute config.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Body overrides the default payload; empty sends the task inputs.
	Body string `json:"body,omitempty"`
}

// WebhookPlugin makes one synchronous HTTP call per task. Success is any 2xx
// status; the response body is captured into the task outputs.
type WebhookPlugin struct {
	client *http.Client
	// maxBody bounds the captured response body.
	maxBody int64
}

// NewWebhookPlugin creates the webhook executor.
func NewWebhookPlugin(timeout time.Duration) *WebhookPlugin {
	return &WebhookPlugin{
		client:  &http.Client{Timeout: timeout},
		maxBody: 8 << 10,
	}
}

func (p *WebhookPlugin) Kind() strategy.PluginKind { return strategy.PluginWebhook }

func (p *WebhookPlugin) Retry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 10 * time.Second}
}

func (p *WebhookPlugin) Execute(ctx context.Context, task *Task) (*Result, error) {
	var cfg WebhookConfig
	if task.Config == nil || task.Config.ExecuteConfig == "" {
		return nil, faults.New(faults.KindInvariant, "webhook config missing for task %s", task.Instance.ID)
	}
	if err := json.Unmarshal([]byte(task.Config.ExecuteConfig), &cfg); err != nil {
		return nil, faults.Wrap(faults.KindParse, err, "bad webhook config")
	}
	if cfg.URL == "" {
		return nil, faults.New(faults.KindInvariant, "webhook config has no url")
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	body := cfg.Body
	if body == "" {
		body = task.Instance.Inputs
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, strings.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanentRemote, err, "bad webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientRemote, err, "webhook %s unreachable", cfg.URL)
	}
	defer resp.Body.Close()
	captured, _ := io.ReadAll(io.LimitReader(resp.Body, p.maxBody))

	output := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(captured),
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Result{Status: entities.ActionStatusSuccess, Output: output}, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &Result{Output: output},
			faults.New(faults.KindTransientRemote, "webhook returned %d", resp.StatusCode)
	default:
		return &Result{Output: output},
			faults.New(faults.KindPermanentRemote, "webhook returned %d", resp.StatusCode)
	}
}
