package action

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
)

// renderContext is the data visible to content templates.
type renderContext struct {
	Title      string
	AlertID    string
	Signal     string
	StrategyID int64
	PluginKind string
	Receiver   string
	NoticeWay  string
	Status     string
	FailureMsg string
	FollowURL  string
}

// RenderContent produces the audit/notification text for a task using the
// config's body template. A missing or broken template falls back to a plain
// one-line summary so the audit log is never empty.
func RenderContent(task *Task, res *Result) string {
	inst := task.Instance
	rc := renderContext{
		AlertID:    inst.AlertID,
		Signal:     inst.Signal,
		StrategyID: inst.StrategyID,
		PluginKind: inst.PluginKind,
		Receiver:   inst.Receiver,
		NoticeWay:  inst.NoticeWay,
		Status:     inst.Status,
		FailureMsg: inst.FailureMsg,
	}
	if task.Config != nil {
		rc.Title = task.Config.TemplateTitle
	}
	if res != nil {
		rc.FollowURL = res.FollowURL
	}

	body := ""
	if task.Config != nil {
		body = task.Config.TemplateBody
	}
	if body == "" {
		return fallbackContent(rc)
	}

	tpl, err := template.New("content").Option("missingkey=zero").Parse(body)
	if err != nil {
		return fallbackContent(rc)
	}
	var sb strings.Builder
	if err := tpl.Execute(&sb, rc); err != nil {
		return fallbackContent(rc)
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return fallbackContent(rc)
	}
	if rc.FollowURL != "" && !strings.Contains(out, rc.FollowURL) {
		out += " " + rc.FollowURL
	}
	return out
}

func fallbackContent(rc renderContext) string {
	summary := fmt.Sprintf("[%s] %s action for alert %s: %s",
		rc.Signal, rc.PluginKind, rc.AlertID, rc.Status)
	if rc.FailureMsg != "" && rc.Status != entities.ActionStatusSuccess {
		summary += ": " + rc.FailureMsg
	}
	if rc.FollowURL != "" {
		summary += " " + rc.FollowURL
	}
	return summary
}
