package preview

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/internal/graph"
	"github.com/rendis/pipekit/pkg/schema"
)

// sampleRows is how many output rows a TestResult carries.
const sampleRows = 5

// ConfigValidator checks a node's configuration. Satisfied by *registry.Registry.
type ConfigValidator interface {
	Validate(category schema.Category, subtype schema.Subtype, config map[string]any) *schema.ValidationResult
}

// TestResult is the outcome of testing a single node.
type TestResult struct {
	NodeID     string                   `json:"node_id"`
	Passed     bool                     `json:"passed"`
	Message    string                   `json:"message"`
	SampleSize int                      `json:"sample_size"`
	Sample     []map[string]any         `json:"sample,omitempty"`
	Issues     []schema.ValidationIssue `json:"issues,omitempty"`
	DurationMs int64                    `json:"duration_ms"`
}

// Tester validates a node's config and then runs it through an executor.
type Tester struct {
	configs  ConfigValidator
	executor engine.NodeExecutor
	now      func() time.Time
}

// NewTester creates a Tester.
func NewTester(configs ConfigValidator, executor engine.NodeExecutor) *Tester {
	return &Tester{configs: configs, executor: executor, now: time.Now}
}

// Test checks node against inputs. Failures are reported in the result, not
// as an error, and never touch other nodes.
func (t *Tester) Test(ctx context.Context, node *schema.Node, inputs []*engine.NodeOutput) *TestResult {
	res := &TestResult{NodeID: node.ID}

	if len(node.Config) == 0 {
		res.Message = "Node is not configured"
		return res
	}
	if t.configs != nil {
		vr := t.configs.Validate(node.Category, node.Subtype, node.Config)
		res.Issues = append(res.Issues, vr.Errors...)
		res.Issues = append(res.Issues, vr.Warnings...)
		if !vr.Valid() {
			res.Message = "Configuration invalid: " + vr.Messages()[0]
			return res
		}
	}

	started := t.now()
	out, err := t.executor.Execute(ctx, node, inputs)
	res.DurationMs = t.now().Sub(started).Milliseconds()
	if err != nil {
		res.Message = "Test failed: " + errorText(err)
		return res
	}

	res.Passed = true
	if out != nil {
		res.SampleSize = out.RowCount
		res.Sample = out.Rows[:min(sampleRows, len(out.Rows))]
	}
	res.Message = fmt.Sprintf("Test passed: %d rows", res.SampleSize)
	return res
}

// TestInGraph runs every ancestor of nodeID in topological order to produce
// realistic inputs, then tests the node itself. Ancestors that fail or sit on
// a cycle fail the test.
func (t *Tester) TestInGraph(ctx context.Context, g *graph.Graph, nodeID string) (*TestResult, error) {
	target, ok := g.Node(nodeID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", nodeID)
	}

	ancestors := map[string]bool{}
	queue := []string{nodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, p := range g.Predecessors(id) {
			if !ancestors[p] {
				ancestors[p] = true
				queue = append(queue, p)
			}
		}
	}
	if ancestors[nodeID] {
		return &TestResult{NodeID: nodeID, Message: "Test failed: node sits on a cycle"}, nil
	}

	res := engine.Resolve(g)
	outputs := make(map[string]*engine.NodeOutput, len(ancestors))
	ran := 0
	for _, id := range res.Order {
		if !ancestors[id] {
			continue
		}
		n, _ := g.Node(id)
		out, err := t.executor.Execute(ctx, &n, inputsFor(g, id, outputs))
		if err != nil {
			return &TestResult{NodeID: nodeID, Message: fmt.Sprintf("Test failed: upstream %s failed: %s", n.DisplayLabel(), errorText(err))}, nil
		}
		outputs[id] = out
		ran++
	}
	if ran != len(ancestors) {
		return &TestResult{NodeID: nodeID, Message: "Test failed: upstream nodes are blocked by a cycle"}, nil
	}

	return t.Test(ctx, &target, inputsFor(g, nodeID, outputs)), nil
}

func inputsFor(g *graph.Graph, id string, outputs map[string]*engine.NodeOutput) []*engine.NodeOutput {
	preds := g.Predecessors(id)
	in := make([]*engine.NodeOutput, 0, len(preds))
	for _, p := range preds {
		if out, ok := outputs[p]; ok {
			in = append(in, out)
		}
	}
	return in
}

func errorText(err error) string {
	if pe, ok := err.(*schema.PipelineError); ok {
		return pe.Message
	}
	return err.Error()
}
