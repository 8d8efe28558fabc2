package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
)

func TestExpandSubTasksOnePerWayAndReceiver(t *testing.T) {
	subs := ExpandSubTasks(
		[]string{WayMail, WaySMS},
		[][]string{{"alice", "bob"}},
		nil, false, false,
	)
	require.Len(t, subs, 4)
	assert.Equal(t, WayMail, subs[0].NoticeWay)
	assert.Equal(t, []string{"alice"}, subs[0].Receivers)
	assert.Equal(t, WaySMS, subs[2].NoticeWay)
}

func TestExpandSubTasksExcludesWays(t *testing.T) {
	subs := ExpandSubTasks(
		[]string{WayMail, WaySMS},
		[][]string{{"alice"}},
		[]string{WaySMS}, false, false,
	)
	require.Len(t, subs, 1)
	assert.Equal(t, WayMail, subs[0].NoticeWay)
}

func TestExpandSubTasksVoiceSerialMerges(t *testing.T) {
	subs := ExpandSubTasks(
		[]string{WayVoice},
		[][]string{{"u1", "u2"}, {"u3", "u2"}},
		nil, true, false,
	)
	require.Len(t, subs, 1, "serial voice produces one ordered sub")
	assert.Equal(t, []string{"u1", "u2", "u3"}, subs[0].Receivers)
}

func TestExpandSubTasksVoiceParallel(t *testing.T) {
	subs := ExpandSubTasks(
		[]string{WayVoice},
		[][]string{{"u1", "u2"}},
		nil, false, false,
	)
	require.Len(t, subs, 2)
}

func TestExpandSubTasksEmptyReceivers(t *testing.T) {
	assert.Nil(t, ExpandSubTasks([]string{WayMail}, [][]string{{}, {""}}, nil, false, false))
	assert.Nil(t, ExpandSubTasks([]string{WayMail}, nil, nil, false, false))
}

func TestJoinParentStatus(t *testing.T) {
	tests := []struct {
		name string
		subs []string
		want string
	}{
		{"all success", []string{"success", "success"}, entities.ActionStatusSuccess},
		{"any live wins", []string{"success", "running"}, entities.ActionStatusRunning},
		{"waiting is live", []string{"waiting", "failure"}, entities.ActionStatusRunning},
		{"failure with success", []string{"success", "failure"}, entities.ActionStatusPartial},
		{"all failure", []string{"failure", "failure"}, entities.ActionStatusFailure},
		{"all skipped", []string{"skipped", "skipped"}, entities.ActionStatusSkipped},
		{"shield counts as skipped", []string{"shield", "skipped"}, entities.ActionStatusSkipped},
		{"success with skipped", []string{"success", "skipped"}, entities.ActionStatusSuccess},
		{"all expired", []string{"expired", "expired"}, entities.ActionStatusExpired},
		{"expired with success", []string{"success", "expired"}, entities.ActionStatusPartial},
		{"no subs", nil, entities.ActionStatusSkipped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, JoinParentStatus(tt.subs))
		})
	}
}

func TestSplitJoinReceivers(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitReceivers("a,b"))
	assert.Equal(t, []string{"a"}, SplitReceivers(" a , "))
	assert.Nil(t, SplitReceivers(""))
	assert.Equal(t, "a,b", JoinReceivers([]string{"a", "b"}))
}
