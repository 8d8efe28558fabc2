// Package action executes action tasks through typed plugin executors. The
// dispatch layer submits parent specs; the runtime expands them into sub
// tasks, runs them with retry and backoff, and joins sub outcomes back into
// the parent status.
package action

import (
	"github.com/kestrelmon/kestrel-go/internal/alert"
	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
	"github.com/kestrelmon/kestrel-go/internal/event"
	"github.com/kestrelmon/kestrel-go/internal/strategy"
)

// Notice ways the notify plugin fans out over.
const (
	WayMail  = "mail"
	WaySMS   = "sms"
	WayVoice = "voice"
	WayIM    = "im"
)

// Spec is a parent task as produced by the dispatch layer, before
// convergence and persistence.
type Spec struct {
	AlertID        string
	AlertIDs       []string
	Alert          *alert.Alert
	Signal         strategy.Signal
	StrategyID     int64
	Severity       event.Severity
	Relation       strategy.ActionRelation
	PluginKind     strategy.PluginKind
	ConfigRef      int64
	GenerationUUID string
	// ConvergeKey is stamped by the converger before the Spec reaches the
	// runtime.
	ConvergeKey string
	// Receivers is the resolved, ordered receiver list of the relation's
	// user groups.
	Receivers []string
	Followed  bool
}

// Task pairs a persisted instance with its loaded config for execution.
type Task struct {
	Instance *entities.ActionInstance
	Config   *entities.ActionConfig
}

// SubSpec is one expanded sub task of a notify parent.
type SubSpec struct {
	NoticeWay string
	// Receivers is ordered; it holds one entry except for serial voice,
	// which calls the whole list in order from a single sub task.
	Receivers    []string
	MentionUsers []string
	Followed     bool
}

// ExpandSubTasks fans a notify parent out into sub specs: one per
// (notice_way, receiver), excluded ways skipped, serial voice merged into a
// single ordered call list. It is a pure function of its arguments.
func ExpandSubTasks(ways []string, receiversByGroup [][]string, excluded []string, voiceSerial bool, followed bool) []SubSpec {
	receivers := mergeOrdered(receiversByGroup)
	if len(receivers) == 0 {
		return nil
	}
	skip := make(map[string]struct{}, len(excluded))
	for _, w := range excluded {
		skip[w] = struct{}{}
	}

	var subs []SubSpec
	for _, way := range ways {
		if _, excludedWay := skip[way]; excludedWay {
			continue
		}
		if way == WayVoice && voiceSerial {
			subs = append(subs, SubSpec{
				NoticeWay: way,
				Receivers: receivers,
				Followed:  followed,
			})
			continue
		}
		for _, r := range receivers {
			subs = append(subs, SubSpec{
				NoticeWay: way,
				Receivers: []string{r},
				Followed:  followed,
			})
		}
	}
	return subs
}

// mergeOrdered flattens group receiver lists preserving first-seen order and
// dropping duplicates, so [[u1,u2],[u3,u2]] merges to [u1,u2,u3].
func mergeOrdered(groups [][]string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, g := range groups {
		for _, r := range g {
			if r == "" {
				continue
			}
			if _, dup := seen[r]; dup {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// JoinParentStatus folds sub statuses into the parent status. The join is
// ordered: liveness dominates, then the all-skipped case, then failures.
func JoinParentStatus(subs []string) string {
	if len(subs) == 0 {
		return entities.ActionStatusSkipped
	}
	var (
		success, failure, skipped, expired int
	)
	for _, s := range subs {
		if !entities.IsTerminalActionStatus(s) {
			return entities.ActionStatusRunning
		}
		switch s {
		case entities.ActionStatusSuccess:
			success++
		case entities.ActionStatusSkipped, entities.ActionStatusShield:
			skipped++
		case entities.ActionStatusExpired:
			expired++
		default:
			failure++
		}
	}
	switch {
	case skipped == len(subs):
		return entities.ActionStatusSkipped
	case expired == len(subs):
		return entities.ActionStatusExpired
	case failure+expired == 0:
		return entities.ActionStatusSuccess
	case success > 0:
		return entities.ActionStatusPartial
	default:
		return entities.ActionStatusFailure
	}
}
