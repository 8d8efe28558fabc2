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

// genericStage is one HTTP call of a generic plugin schema.
type genericStage struct {
	URL    string            `json:"url"`
	Method string            `json:"method,omitempty"`
	Header map[string]string `json:"headers,omitempty"`
}

// GenericConfig is the declarative schema of the generic plugin: an optional
// create stage, a required execute stage, and an optional schedule stage
// polled until the remote reports terminal.
type GenericConfig struct {
	Create  *genericStage `json:"create,omitempty"`
	Execute *genericStage `json:"execute,omitempty"`
	Schedule *struct {
		genericStage
		IntervalSeconds int    `json:"interval_s,omitempty"`
		CallbackURL     string `json:"callback_url,omitempty"`
	} `json:"schedule,omitempty"`
}

// GenericPlugin runs declaratively configured HTTP stages.
type GenericPlugin struct {
	client *http.Client
}

// NewGenericPlugin creates the generic executor.
func NewGenericPlugin(timeout time.Duration) *GenericPlugin {
	return &GenericPlugin{client: &http.Client{Timeout: timeout}}
}

func (p *GenericPlugin) Kind() strategy.PluginKind { return strategy.PluginGeneric }

func (p *GenericPlugin) Retry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 15 * time.Second}
}

func (p *GenericPlugin) PollInterval() time.Duration { return 30 * time.Second }

func (p *GenericPlugin) Execute(ctx context.Context, task *Task) (*Result, error) {
	cfg, err := p.parse(task)
	if err != nil {
		return nil, err
	}

	ref := task.Instance.RemoteRef
	if cfg.Create != nil && ref == "" {
		body, err := p.call(ctx, cfg.Create, task.Instance.Inputs)
		if err != nil {
			return nil, err
		}
		var created struct {
			Ref string `json:"ref"`
		}
		if err := json.Unmarshal(body, &created); err == nil {
			ref = created.Ref
		}
	}

	body, err := p.call(ctx, cfg.Execute, executePayload(task, ref, callbackURL(cfg)))
	if err != nil {
		return &Result{RemoteRef: ref}, err
	}
	output := map[string]any{"body": string(body)}

	if cfg.Schedule != nil {
		return &Result{Status: entities.ActionStatusRunning, RemoteRef: ref, Output: output}, nil
	}
	return &Result{Status: entities.ActionStatusSuccess, RemoteRef: ref, Output: output}, nil
}

// Poll calls the schedule stage until the remote reports a terminal state.
func (p *GenericPlugin) Poll(ctx context.Context, task *Task) (*Result, error) {
	cfg, err := p.parse(task)
	if err != nil {
		return nil, err
	}
	if cfg.Schedule == nil {
		return nil, faults.New(faults.KindInvariant, "poll on generic task %s without schedule stage", task.Instance.ID)
	}

	body, err := p.call(ctx, &cfg.Schedule.genericStage,
		executePayload(task, task.Instance.RemoteRef, cfg.Schedule.CallbackURL))
	if err != nil {
		return nil, err
	}
	var state struct {
		State string `json:"state"`
	}
	_ = json.Unmarshal(body, &state)

	res := &Result{RemoteRef: task.Instance.RemoteRef, Output: map[string]any{"body": string(body)}}
	switch state.State {
	case "success":
		res.Status = entities.ActionStatusSuccess
		return res, nil
	case "failure":
		res.Status = entities.ActionStatusFailure
		return res, faults.New(faults.KindPermanentRemote, "generic task %s failed remotely", task.Instance.ID)
	default:
		res.Status = entities.ActionStatusRunning
		return res, nil
	}
}

func (p *GenericPlugin) parse(task *Task) (*GenericConfig, error) {
	if task.Config == nil || task.Config.ExecuteConfig == "" {
		return nil, faults.New(faults.KindInvariant, "generic config missing for task %s", task.Instance.ID)
	}
	var cfg GenericConfig
	if err := json.Unmarshal([]byte(task.Config.ExecuteConfig), &cfg); err != nil {
		return nil, faults.Wrap(faults.KindParse, err, "bad generic config")
	}
	if cfg.Execute == nil || cfg.Execute.URL == "" {
		return nil, faults.New(faults.KindInvariant, "generic config has no execute stage")
	}
	return &cfg, nil
}

func (p *GenericPlugin) call(ctx context.Context, stage *genericStage, payload string) ([]byte, error) {
	method := stage.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, stage.URL, strings.NewReader(payload))
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanentRemote, err, "bad generic stage request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range stage.Header {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientRemote, err, "generic stage %s unreachable", stage.URL)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	if resp.StatusCode >= 500 {
		return nil, faults.New(faults.KindTransientRemote, "generic stage returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return nil, faults.New(faults.KindPermanentRemote, "generic stage returned %d", resp.StatusCode)
	}
	return body, nil
}

func callbackURL(cfg *GenericConfig) string {
	if cfg.Schedule != nil {
		return cfg.Schedule.CallbackURL
	}
	return ""
}

// executePayload merges the task inputs with the remote ref and callback url
// so the remote side can correlate and call back.
func executePayload(task *Task, ref, callback string) string {
	merged := map[string]any{}
	if in := task.Instance.Inputs; in != "" {
		_ = json.Unmarshal([]byte(in), &merged)
	}
	if ref != "" {
		merged["ref"] = ref
	}
	if callback != "" {
		merged["callback_url"] = callback
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return task.Instance.Inputs
	}
	return string(out)
}
