package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/internal/graph"
	"github.com/rendis/pipekit/pkg/schema"
)

func TestHubSink_StreamsRun(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(256))
	ctx := context.Background()

	logs, cancelLogs, err := hub.Subscribe(ctx, EventFilter{PipelineID: "p1", EventTypes: []string{schema.EventLogAppended}})
	require.NoError(t, err)
	defer cancelLogs()
	runs, cancelRuns, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{schema.EventRunStarted, schema.EventRunSucceeded}})
	require.NoError(t, err)
	defer cancelRuns()

	g := graph.New("p1")
	require.NoError(t, g.AddNode(schema.Node{ID: "src", Label: "Orders", Category: schema.CategorySource, Subtype: schema.SubtypeFile}))
	require.NoError(t, g.AddNode(schema.Node{ID: "dst", Category: schema.CategoryDestination, Subtype: schema.SubtypeFile}))
	_, err = g.AddEdge("src", "dst")
	require.NoError(t, err)

	sink := NewHubSink(hub)
	runner := engine.NewRunner(
		engine.NewSimulatedExecutor(engine.WithSuccessRate(1),
			engine.WithSleep(func(context.Context, time.Duration) error { return nil })),
		engine.WithLogSinks(sink), engine.WithEventAppenders(sink),
	)
	res, err := runner.Run(ctx, g)
	require.NoError(t, err)

	first := receive(t, logs)
	assert.Equal(t, res.RunID, first.RunID)
	assert.Equal(t, "src", first.NodeID)
	entry, ok := first.Payload.(schema.ExecutionLogEntry)
	require.True(t, ok)
	assert.Equal(t, "Starting Orders...", entry.Message)
	assert.Len(t, logs, len(res.Log)-1)

	assert.Equal(t, schema.EventRunStarted, receive(t, runs).EventType)
	assert.Equal(t, schema.EventRunSucceeded, receive(t, runs).EventType)
}
