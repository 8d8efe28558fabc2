package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
	"github.com/kestrelmon/kestrel-go/internal/faults"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

// RemoteState is an orchestrator-side task state reported during polling.
type RemoteState struct {
	State string `json:"state"` // running | success | failure
	// Detail carries the remote heartbeat, merged into the task outputs on
	// every poll.
	Detail map[string]any `json:"detail,omitempty"`
	URL    string         `json:"url,omitempty"`
}

// Orchestrator is a remote execution backend (job platform, workflow engine,
// ticketing system) driven in two phases: create then poll.
type Orchestrator interface {
	Create(ctx context.Context, params string) (ref string, url string, err error)
	Status(ctx context.Context, ref string) (*RemoteState, error)
}

// RemotePlugin drives a two-phase orchestrator. Execute creates the remote
// task and reports running with the remote handle; Poll tracks it to a
// terminal state. One instance each serves the job, workflow, and itsm kinds.
type RemotePlugin struct {
	kind         strategy.PluginKind
	orchestrator Orchestrator
	pollEvery    time.Duration
}

// NewRemotePlugin creates a two-phase executor for the given kind.
func NewRemotePlugin(kind strategy.PluginKind, orch Orchestrator, pollEvery time.Duration) *RemotePlugin {
	if pollEvery <= 0 {
		pollEvery = 10 * time.Second
	}
	return &RemotePlugin{kind: kind, orchestrator: orch, pollEvery: pollEvery}
}

func (p *RemotePlugin) Kind() strategy.PluginKind { return p.kind }

func (p *RemotePlugin) Retry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 15 * time.Second}
}

func (p *RemotePlugin) PollInterval() time.Duration { return p.pollEvery }

// Execute creates the remote task. The returned running result carries the
// remote handle so polling can resume after a restart.
func (p *RemotePlugin) Execute(ctx context.Context, task *Task) (*Result, error) {
	params := task.Instance.Inputs
	if task.Config != nil && task.Config.ExecuteConfig != "" {
		params = task.Config.ExecuteConfig
	}
	ref, url, err := p.orchestrator.Create(ctx, params)
	if err != nil {
		if faults.KindOf(err) == "" {
			err = faults.Wrap(faults.KindTransientRemote, err, "%s create", p.kind)
		}
		return nil, err
	}
	return &Result{
		Status:    entities.ActionStatusRunning,
		RemoteRef: ref,
		FollowURL: url,
		Output:    map[string]any{"remote_ref": ref},
	}, nil
}

// Poll reads the remote state and maps it onto the task status.
func (p *RemotePlugin) Poll(ctx context.Context, task *Task) (*Result, error) {
	ref := task.Instance.RemoteRef
	if ref == "" {
		return nil, faults.New(faults.KindInvariant, "poll without remote ref on task %s", task.Instance.ID)
	}
	state, err := p.orchestrator.Status(ctx, ref)
	if err != nil {
		if faults.KindOf(err) == "" {
			err = faults.Wrap(faults.KindTransientRemote, err, "%s status", p.kind)
		}
		return nil, err
	}

	res := &Result{Output: state.Detail, FollowURL: state.URL, RemoteRef: ref}
	switch state.State {
	case "success":
		res.Status = entities.ActionStatusSuccess
		return res, nil
	case "failure":
		res.Status = entities.ActionStatusFailure
		return res, faults.New(faults.KindPermanentRemote, "%s task %s failed remotely", p.kind, ref)
	default:
		res.Status = entities.ActionStatusRunning
		return res, nil
	}
}

// HTTPOrchestrator implements Orchestrator against a REST backend with
// POST <base>/create and GET <base>/status/<ref>.
type HTTPOrchestrator struct {
	base   string
	client *http.Client
}

// NewHTTPOrchestrator creates an orchestrator client.
func NewHTTPOrchestrator(base string, timeout time.Duration) *HTTPOrchestrator {
	return &HTTPOrchestrator{base: base, client: &http.Client{Timeout: timeout}}
}

func (o *HTTPOrchestrator) Create(ctx context.Context, params string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.base+"/create", bytes.NewReader([]byte(params)))
	if err != nil {
		return "", "", fmt.Errorf("failed to build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return "", "", faults.Wrap(faults.KindTransientRemote, err, "orchestrator unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "", "", faults.New(faults.KindTransientRemote, "orchestrator create returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return "", "", faults.New(faults.KindPermanentRemote, "orchestrator create returned %d", resp.StatusCode)
	}
	var out struct {
		Ref string `json:"ref"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", faults.Wrap(faults.KindParse, err, "bad orchestrator create response")
	}
	if out.Ref == "" {
		return "", "", faults.New(faults.KindPermanentRemote, "orchestrator create returned no ref")
	}
	return out.Ref, out.URL, nil
}

func (o *HTTPOrchestrator) Status(ctx context.Context, ref string) (*RemoteState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.base+"/status/"+ref, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientRemote, err, "orchestrator unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, faults.New(faults.KindTransientRemote, "orchestrator status returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return nil, faults.New(faults.KindPermanentRemote, "orchestrator status returned %d", resp.StatusCode)
	}
	var state RemoteState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, faults.Wrap(faults.KindParse, err, "bad orchestrator status response")
	}
	return &state, nil
}
