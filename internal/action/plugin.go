package action

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

// Result is the outcome of one plugin call. Status is a task status; a
// two-phase plugin returns running together with the remote handle and is
// polled until terminal.
type Result struct {
	Status    string
	Output    map[string]any
	RemoteRef string
	// FollowURL is an optional link to the produced resource (ticket,
	// workflow run). It feeds the rendered audit content.
	FollowURL string
	// RetryParams captures the blocked calls for operator replay.
	RetryParams []RetryCall
}

// RetryCall is one replayable downstream invocation.
type RetryCall struct {
	Module   string         `json:"module"`
	Resource string         `json:"resource"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
}

// RetryPolicy is the plugin-declared retry budget for transient failures.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Plugin executes tasks of one kind. Implementations are stateless; every
// call receives the full task.
type Plugin interface {
	Kind() strategy.PluginKind
	Retry() RetryPolicy
	// Execute runs one attempt. A returned error is classified through the
	// fault taxonomy; the Result may still carry partial output and retry
	// params alongside it.
	Execute(ctx context.Context, task *Task) (*Result, error)
}

// Pollable plugins run in two phases: Execute creates the remote resource
// and Poll is called at PollInterval until a terminal Result.
type Pollable interface {
	PollInterval() time.Duration
	Poll(ctx context.Context, task *Task) (*Result, error)
}

// Cancellable plugins can abort the remote side when a task expires.
type Cancellable interface {
	Cancel(ctx context.Context, task *Task) error
}

// Registry maps plugin kinds to their executors. Registration happens at
// process start; lookups are read-only afterwards.
type Registry struct {
	plugins map[strategy.PluginKind]Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[strategy.PluginKind]Plugin)}
}

// Register adds a plugin; a duplicate kind panics since it is a wiring bug.
func (r *Registry) Register(p Plugin) {
	if _, dup := r.plugins[p.Kind()]; dup {
		panic(fmt.Sprintf("action: plugin %q registered twice", p.Kind()))
	}
	r.plugins[p.Kind()] = p
}

// Get returns the plugin for a kind.
func (r *Registry) Get(kind strategy.PluginKind) (Plugin, error) {
	p, ok := r.plugins[kind]
	if !ok {
		return nil, fmt.Errorf("no plugin registered for kind %q", kind)
	}
	return p, nil
}
