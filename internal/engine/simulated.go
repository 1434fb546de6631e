package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rendis/pipekit/pkg/schema"
)

const (
	DefaultSimMinDuration = 500 * time.Millisecond
	DefaultSimMaxDuration = 2 * time.Second
	DefaultSimSuccessRate = 0.9
)

// SimulatedExecutor stands in for real node work: it waits a random duration
// and succeeds with a fixed probability. Used for demos and tests.
type SimulatedExecutor struct {
	minDuration time.Duration
	maxDuration time.Duration
	successRate float64
	sleep       func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

// SimOption configures a SimulatedExecutor.
type SimOption func(*SimulatedExecutor)

// WithDurations sets the inclusive duration range.
func WithDurations(minDur, maxDur time.Duration) SimOption {
	return func(s *SimulatedExecutor) {
		if maxDur < minDur {
			minDur, maxDur = maxDur, minDur
		}
		s.minDuration, s.maxDuration = minDur, maxDur
	}
}

// WithSuccessRate sets the probability in [0,1] that a node succeeds.
func WithSuccessRate(p float64) SimOption {
	return func(s *SimulatedExecutor) { s.successRate = min(max(p, 0), 1) }
}

// WithSeed makes the executor deterministic.
func WithSeed(seed uint64) SimOption {
	return func(s *SimulatedExecutor) { s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithSleep replaces the wait, typically with a no-op in tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) SimOption {
	return func(s *SimulatedExecutor) { s.sleep = sleep }
}

// NewSimulatedExecutor creates a SimulatedExecutor with the defaults
// 500ms-2s and a 0.9 success rate.
func NewSimulatedExecutor(opts ...SimOption) *SimulatedExecutor {
	s := &SimulatedExecutor{
		minDuration: DefaultSimMinDuration,
		maxDuration: DefaultSimMaxDuration,
		successRate: DefaultSimSuccessRate,
		sleep:       sleepContext,
		rng:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute waits and then succeeds or fails at random. Row counts pass through
// from inputs; sources produce a random count.
func (s *SimulatedExecutor) Execute(ctx context.Context, node *schema.Node, inputs []*NodeOutput) (*NodeOutput, error) {
	d, ok, rows := s.draw(node, inputs)

	if err := s.sleep(ctx, d); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "execution interrupted").WithNode(node.ID).WithCause(err)
	}
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNodeFailed, "simulated failure").WithNode(node.ID)
	}
	return &NodeOutput{NodeID: node.ID, RowCount: rows, Meta: map[string]any{"simulated": true}}, nil
}

func (s *SimulatedExecutor) draw(node *schema.Node, inputs []*NodeOutput) (time.Duration, bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.minDuration
	if span := s.maxDuration - s.minDuration; span > 0 {
		d += time.Duration(s.rng.Int64N(int64(span) + 1))
	}
	ok := s.rng.Float64() < s.successRate

	rows := 0
	if node.Category == schema.CategorySource {
		rows = 100 + s.rng.IntN(900)
	}
	for _, in := range inputs {
		rows += in.RowCount
	}
	return d, ok, rows
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
