// Package layout assigns canvas positions to pipeline nodes.
package layout

import (
	"sort"
	"strings"

	"github.com/rendis/pipekit/internal/graph"
	"github.com/rendis/pipekit/pkg/schema"
)

// Direction is the flow direction of a layout.
type Direction string

const (
	TopBottom Direction = "TB"
	LeftRight Direction = "LR"
)

// ParseDirection accepts TB or LR in any case. Empty means TB.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(s))) {
	case "", TopBottom:
		return TopBottom, nil
	case LeftRight:
		return LeftRight, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown layout direction %q (want TB or LR)", s)
	}
}

// Result holds computed positions and the rank each node landed in.
type Result struct {
	Direction Direction                  `json:"direction"`
	Positions map[string]schema.Position `json:"positions"`
	Ranks     [][]string                 `json:"ranks"`
}

// Engine computes positions for a set of nodes and edges. Implementations
// must not read the nodes' current positions.
type Engine interface {
	Layout(nodes []schema.Node, edges []schema.Edge, dir Direction) (*Result, error)
}

// Apply lays out g and writes the positions back onto it.
func Apply(g *graph.Graph, e Engine, dir Direction) (*Result, error) {
	res, err := e.Layout(g.Nodes(), g.Edges(), dir)
	if err != nil {
		return nil, err
	}
	g.ApplyPositions(res.Positions)
	return res, nil
}

// Layered places nodes in ranks by longest path from the roots and orders
// each rank by the mean index of its predecessors (barycenter).
type Layered struct {
	RankSpacing float64
	NodeSpacing float64
}

// NewLayered returns a Layered engine with default spacing.
func NewLayered() *Layered {
	return &Layered{RankSpacing: 150, NodeSpacing: 250}
}

// Layout implements Engine. Nodes left unranked by a cycle are placed in one
// extra rank after the deepest.
func (l *Layered) Layout(nodes []schema.Node, edges []schema.Edge, dir Direction) (*Result, error) {
	if dir == "" {
		dir = TopBottom
	}
	if dir != TopBottom && dir != LeftRight {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown layout direction %q", dir)
	}

	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
	}

	preds := make(map[string][]string, len(nodes))
	succs := make(map[string][]string, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	for _, e := range edges {
		if _, ok := index[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s references unknown node %s", e.ID, e.Source)
		}
		if _, ok := index[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s references unknown node %s", e.ID, e.Target)
		}
		preds[e.Target] = append(preds[e.Target], e.Source)
		succs[e.Source] = append(succs[e.Source], e.Target)
		inDegree[e.Target]++
	}

	rank := l.assignRanks(nodes, succs, preds, inDegree)
	ranks := groupRanks(nodes, rank)
	orderByBarycenter(ranks, preds, index)

	res := &Result{
		Direction: dir,
		Positions: make(map[string]schema.Position, len(nodes)),
		Ranks:     ranks,
	}

	widest := 0
	for _, r := range ranks {
		widest = max(widest, len(r))
	}
	for ri, r := range ranks {
		offset := float64(widest-len(r)) / 2
		for i, id := range r {
			along := float64(ri) * l.RankSpacing
			across := (float64(i) + offset) * l.NodeSpacing
			if dir == TopBottom {
				res.Positions[id] = schema.Position{X: across, Y: along}
			} else {
				res.Positions[id] = schema.Position{X: along, Y: across}
			}
		}
	}
	return res, nil
}

// assignRanks computes longest-path depth over the acyclic part of the graph.
func (l *Layered) assignRanks(nodes []schema.Node, succs, preds map[string][]string, inDegree map[string]int) map[string]int {
	remaining := make(map[string]int, len(inDegree))
	for k, v := range inDegree {
		remaining[k] = v
	}

	rank := make(map[string]int, len(nodes))
	var queue []string
	for _, n := range nodes {
		if remaining[n.ID] == 0 {
			queue = append(queue, n.ID)
			rank[n.ID] = 0
		}
	}

	deepest := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, p := range preds[id] {
			if pr, ok := rank[p]; ok && pr+1 > rank[id] {
				rank[id] = pr + 1
			}
		}
		deepest = max(deepest, rank[id])
		for _, s := range succs[id] {
			remaining[s]--
			if remaining[s] == 0 {
				queue = append(queue, s)
			}
		}
	}

	overflow := deepest + 1
	if len(rank) == 0 {
		overflow = 0
	}
	for _, n := range nodes {
		if _, ok := rank[n.ID]; !ok {
			rank[n.ID] = overflow
		}
	}
	return rank
}

func groupRanks(nodes []schema.Node, rank map[string]int) [][]string {
	deepest := -1
	for _, r := range rank {
		deepest = max(deepest, r)
	}
	ranks := make([][]string, deepest+1)
	for _, n := range nodes {
		r := rank[n.ID]
		ranks[r] = append(ranks[r], n.ID)
	}
	return ranks
}

// orderByBarycenter sorts each rank after the first by the average slot of
// each node's predecessors in earlier ranks. Nodes without placed
// predecessors keep their insertion order at the end.
func orderByBarycenter(ranks [][]string, preds map[string][]string, index map[string]int) {
	slot := make(map[string]int)
	if len(ranks) > 0 {
		for j, id := range ranks[0] {
			slot[id] = j
		}
	}

	for ri := 1; ri < len(ranks); ri++ {
		bary := make(map[string]float64, len(ranks[ri]))
		has := make(map[string]bool, len(ranks[ri]))
		for _, id := range ranks[ri] {
			sum, cnt := 0.0, 0
			for _, p := range preds[id] {
				if s, ok := slot[p]; ok {
					sum += float64(s)
					cnt++
				}
			}
			if cnt > 0 {
				bary[id] = sum / float64(cnt)
				has[id] = true
			}
		}
		r := ranks[ri]
		sort.SliceStable(r, func(a, b int) bool {
			ia, ib := r[a], r[b]
			if has[ia] != has[ib] {
				return has[ia]
			}
			if has[ia] && bary[ia] != bary[ib] {
				return bary[ia] < bary[ib]
			}
			return index[ia] < index[ib]
		})
		for j, id := range r {
			slot[id] = j
		}
	}
}
