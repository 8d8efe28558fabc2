package action

import (
	"context"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
	"github.com/kestrelmon/kestrel-go/internal/faults"
)

func webhookTask(executeConfig string) *Task {
	return &Task{
		Instance: &entities.ActionInstance{
			ID: "t-1", AlertID: "alert-1", Signal: "abnormal",
			PluginKind: "webhook", Inputs: `{"alert_id":"alert-1"}`,
		},
		Config: &entities.ActionConfig{
			ID: 30, PluginKind: "webhook", ExecuteConfig: executeConfig,
		},
	}
}

func TestWebhookSuccessCapturesBody(t *testing.T) {
	p := NewWebhookPlugin(time.Second)
	httpmock.ActivateNonDefault(p.client)
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", "https://hooks.example/fire",
		httpmock.NewStringResponder(200, `{"ok":true}`))

	res, err := p.Execute(context.Background(), webhookTask(`{"url":"https://hooks.example/fire"}`))
	require.NoError(t, err)
	assert.Equal(t, entities.ActionStatusSuccess, res.Status)
	assert.Equal(t, `{"ok":true}`, res.Output["body"])
}

func TestWebhookStatusClassification(t *testing.T) {
	p := NewWebhookPlugin(time.Second)
	httpmock.ActivateNonDefault(p.client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://hooks.example/busy",
		httpmock.NewStringResponder(503, "busy"))
	_, err := p.Execute(context.Background(), webhookTask(`{"url":"https://hooks.example/busy"}`))
	assert.True(t, faults.IsKind(err, faults.KindTransientRemote), "5xx retries")

	httpmock.RegisterResponder("POST", "https://hooks.example/bad",
		httpmock.NewStringResponder(400, "nope"))
	res, err := p.Execute(context.Background(), webhookTask(`{"url":"https://hooks.example/bad"}`))
	assert.True(t, faults.IsKind(err, faults.KindPermanentRemote), "4xx is terminal")
	require.NotNil(t, res, "response body still captured")
	assert.Equal(t, "nope", res.Output["body"])
}

func TestWebhookMissingURLQuarantines(t *testing.T) {
	p := NewWebhookPlugin(time.Second)
	_, err := p.Execute(context.Background(), webhookTask(`{}`))
	assert.True(t, faults.IsKind(err, faults.KindInvariant))
}

func TestHTTPOrchestratorCreateAndStatus(t *testing.T) {
	o := NewHTTPOrchestrator("https://flow.example", time.Second)
	httpmock.ActivateNonDefault(o.client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://flow.example/create",
		httpmock.NewStringResponder(200, `{"ref":"T-7","url":"https://flow.example/T-7"}`))
	httpmock.RegisterResponder("GET", "https://flow.example/status/T-7",
		httpmock.NewStringResponder(200, `{"state":"running","detail":{"step":"approve"}}`))

	ref, url, err := o.Create(context.Background(), `{}`)
	require.NoError(t, err)
	assert.Equal(t, "T-7", ref)
	assert.Equal(t, "https://flow.example/T-7", url)

	state, err := o.Status(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "running", state.State)
	assert.Equal(t, "approve", state.Detail["step"])
}
