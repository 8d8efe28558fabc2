package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
	"github.com/kestrelmon/kestrel-go/internal/logger"
)

// ReplayHandler re-invokes one captured call of a blocked task. Handlers are
// registered explicitly at process start; unknown calls fail their replay.
type ReplayHandler func(ctx context.Context, call RetryCall) error

// ReplayResult is the outcome of replaying one captured call.
type ReplayResult struct {
	Index   int    `json:"index"`
	Module  string `json:"module"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RegisterReplayHandler binds a handler to a (module, resource) pair.
func (r *Runtime) RegisterReplayHandler(module, resource string, h ReplayHandler) {
	r.replay[module+"/"+resource] = h
}

// Replay re-invokes the retry params captured on a blocked task. Calls that
// already succeeded in an earlier replay are skipped, so a second replay is
// a no-op. The task's terminal status is never touched.
func (r *Runtime) Replay(ctx context.Context, taskID string, operator string) ([]ReplayResult, error) {
	inst, err := r.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !entities.IsTerminalActionStatus(inst.Status) {
		return nil, fmt.Errorf("task %s is still live, refusing replay", taskID)
	}
	if inst.RetryParams == "" {
		return nil, fmt.Errorf("task %s has no retry params", taskID)
	}
	var calls []RetryCall
	if err := json.Unmarshal([]byte(inst.RetryParams), &calls); err != nil {
		return nil, fmt.Errorf("failed to decode retry params of %s: %w", taskID, err)
	}

	done := replayedCalls(inst.Outputs)
	results := make([]ReplayResult, 0, len(calls))
	for i, call := range calls {
		res := ReplayResult{Index: i, Module: call.Module}
		if done[i] {
			res.Success = true
			results = append(results, res)
			continue
		}
		handler, ok := r.replay[call.Module+"/"+call.Resource]
		if !ok {
			res.Error = fmt.Sprintf("no replay handler for %s/%s", call.Module, call.Resource)
			results = append(results, res)
			continue
		}
		if err := handler(ctx, call); err != nil {
			res.Error = err.Error()
		} else {
			res.Success = true
			done[i] = true
		}
		results = append(results, res)
	}

	inst.Outputs = mergeOutputs(inst.Outputs, map[string]any{"replay_results": encodeReplayed(done)})
	// Only the outputs change; the terminal status stays.
	r.save(ctx, inst)

	if r.audit != nil {
		succeeded := 0
		for _, res := range results {
			if res.Success {
				succeeded++
			}
		}
		entry := &alert.LogEntry{
			AlertID:     inst.AlertID,
			Op:          alert.OpAction,
			At:          time.Now(),
			Description: fmt.Sprintf("replayed blocked notice: %d/%d calls succeeded", succeeded, len(results)),
			Operator:    operator,
		}
		if err := r.audit.AppendLog(ctx, entry); err != nil {
			r.log.Error("failed to write replay audit log",
				logger.String("task_id", inst.ID), logger.Error(err))
		}
	}
	return results, nil
}

// replayedCalls reads the per-call success markers out of the outputs.
func replayedCalls(outputs string) map[int]bool {
	done := make(map[int]bool)
	if outputs == "" {
		return done
	}
	var parsed struct {
		ReplayResults map[string]bool `json:"replay_results"`
	}
	if err := json.Unmarshal([]byte(outputs), &parsed); err != nil {
		return done
	}
	for k, ok := range parsed.ReplayResults {
		if idx, err := strconv.Atoi(k); err == nil && ok {
			done[idx] = true
		}
	}
	return done
}

func encodeReplayed(done map[int]bool) map[string]bool {
	out := make(map[string]bool, len(done))
	for idx, ok := range done {
		out[strconv.Itoa(idx)] = ok
	}
	return out
}
