package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pipekit/pkg/schema"
)

var testRun = RunRef{RunID: "r-1", PipelineID: "p1"}

func TestNodeFSM_ValidTransitions(t *testing.T) {
	app := &recordingAppender{}
	fsm := NewNodeFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, testRun, "n", schema.NodeStatusIdle, schema.NodeStatusRunning))
	require.NoError(t, fsm.Transition(ctx, testRun, "n", schema.NodeStatusRunning, schema.NodeStatusSuccess))
	require.NoError(t, fsm.Transition(ctx, testRun, "m", schema.NodeStatusIdle, schema.NodeStatusRunning))
	require.NoError(t, fsm.Transition(ctx, testRun, "m", schema.NodeStatusRunning, schema.NodeStatusError))

	assert.Equal(t, []string{
		schema.EventNodeStarted, schema.EventNodeSucceeded,
		schema.EventNodeStarted, schema.EventNodeFailed,
	}, app.types())
	assert.Equal(t, "r-1", app.events[0].RunID)
	assert.Equal(t, "p1", app.events[0].PipelineID)
	assert.Equal(t, "n", app.events[0].NodeID)
}

func TestNodeFSM_InvalidTransitions(t *testing.T) {
	fsm := NewNodeFSM(nil)
	ctx := context.Background()

	cases := [][2]schema.NodeStatus{
		{schema.NodeStatusIdle, schema.NodeStatusSuccess},
		{schema.NodeStatusIdle, schema.NodeStatusError},
		{schema.NodeStatusSuccess, schema.NodeStatusRunning},
		{schema.NodeStatusError, schema.NodeStatusRunning},
		{schema.NodeStatusRunning, schema.NodeStatusIdle},
	}
	for _, c := range cases {
		err := fsm.Transition(ctx, testRun, "n", c[0], c[1])
		assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "%s -> %s", c[0], c[1])
	}
}

func TestNodeFSM_Hooks(t *testing.T) {
	app := &recordingAppender{}
	fsm := NewNodeFSM(app)
	var calls []string

	fsm.OnBefore(schema.NodeStatusIdle, schema.NodeStatusRunning, func(id string, _, _ schema.NodeStatus) error {
		calls = append(calls, "before:"+id)
		return nil
	})
	fsm.OnAfter(schema.NodeStatusIdle, schema.NodeStatusRunning, func(id string, _, _ schema.NodeStatus) error {
		calls = append(calls, "after:"+id)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), testRun, "n", schema.NodeStatusIdle, schema.NodeStatusRunning))
	assert.Equal(t, []string{"before:n", "after:n"}, calls)
}

func TestNodeFSM_BeforeHookAborts(t *testing.T) {
	app := &recordingAppender{}
	fsm := NewNodeFSM(app)
	fsm.OnBefore(schema.NodeStatusIdle, schema.NodeStatusRunning, func(string, schema.NodeStatus, schema.NodeStatus) error {
		return schema.NewError(schema.ErrCodeValidation, "not yet")
	})

	err := fsm.Transition(context.Background(), testRun, "n", schema.NodeStatusIdle, schema.NodeStatusRunning)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Empty(t, app.events)
}

func TestNodeFSM_AppenderError(t *testing.T) {
	fsm := NewNodeFSM(failingSink{})
	err := fsm.Transition(context.Background(), testRun, "n", schema.NodeStatusIdle, schema.NodeStatusRunning)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

func TestNodeFSM_Reset(t *testing.T) {
	app := &recordingAppender{}
	fsm := NewNodeFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Reset(ctx, testRun, "a", schema.NodeStatusIdle))
	require.NoError(t, fsm.Reset(ctx, testRun, "b", schema.NodeStatusSuccess))
	require.NoError(t, fsm.Reset(ctx, testRun, "c", schema.NodeStatusError))

	assert.Equal(t, []string{schema.EventNodeReset, schema.EventNodeReset}, app.types())
	assert.Equal(t, "success", app.events[0].Payload["from"])
}
