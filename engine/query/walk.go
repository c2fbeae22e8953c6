package query

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/graph"
)

// walk describes one bounded traversal. Backward walks follow edges into the
// start node, forward walks follow edges out of it.
type walk struct {
	store    graph.Store
	types    []domain.RelationType
	backward bool
	maxDepth int
	minConf  float64
	limit    int
}

type found struct {
	path    []graph.Edge
	product float64
	key     string
}

// run enumerates simple paths of 1..maxDepth edges from start. Every edge
// meets minConf and partial paths are dropped as soon as their product falls
// below it. Results are ordered by product desc, then by node key asc, and
// cut at limit.
func (w walk) run(ctx context.Context, start domain.NodeRef) ([]Chain, error) {
	var out []found
	seen := map[string]bool{}
	var path []graph.Edge

	var visit func(at domain.NodeRef, product float64) error
	visit = func(at domain.NodeRef, product float64) error {
		edges, err := w.next(ctx, at)
		if err != nil {
			return err
		}
		for _, e := range edges {
			near, far := w.ends(e)
			nearKey, farKey := near.Ref().Key(), far.Ref().Key()
			if farKey == nearKey || seen[farKey] {
				continue
			}
			p := product * e.Confidence()
			if p < w.minConf {
				continue
			}

			first := len(path) == 0
			if first {
				seen[nearKey] = true
			}
			seen[farKey] = true
			path = append(path, e)

			f := found{path: append([]graph.Edge(nil), path...), product: p}
			f.key = w.pathKey(f.path)
			out = append(out, f)

			var deeper error
			if len(path) < w.maxDepth {
				deeper = visit(far.Ref(), p)
			}

			path = path[:len(path)-1]
			delete(seen, farKey)
			if first {
				delete(seen, nearKey)
			}
			if deeper != nil {
				return deeper
			}
		}
		return nil
	}
	if err := visit(start, 1); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].product != out[j].product {
			return out[i].product > out[j].product
		}
		return out[i].key < out[j].key
	})
	if w.limit > 0 && len(out) > w.limit {
		out = out[:w.limit]
	}

	chains := make([]Chain, 0, len(out))
	for _, f := range out {
		chains = append(chains, w.chain(f))
	}
	return chains, nil
}

func (w walk) next(ctx context.Context, at domain.NodeRef) ([]graph.Edge, error) {
	if w.backward {
		return w.store.Incoming(ctx, at, w.types, w.minConf)
	}
	return w.store.Outgoing(ctx, at, w.types, w.minConf)
}

// ends returns the endpoint the walk arrived from and the one it moves to.
func (w walk) ends(e graph.Edge) (near, far graph.Term) {
	if w.backward {
		return e.To, e.From
	}
	return e.From, e.To
}

func (w walk) nodes(path []graph.Edge) []graph.Term {
	near, _ := w.ends(path[0])
	nodes := []graph.Term{near}
	for _, e := range path {
		_, far := w.ends(e)
		nodes = append(nodes, far)
	}
	return nodes
}

func (w walk) pathKey(path []graph.Edge) string {
	nodes := w.nodes(path)
	keys := make([]string, len(nodes))
	for i, n := range nodes {
		keys[i] = n.Ref().Key()
	}
	return strings.Join(keys, "\x02")
}

func (w walk) chain(f found) Chain {
	hops := make([]Hop, len(f.path))
	for i, e := range f.path {
		hops[i] = hopOf(e)
	}
	return Chain{Nodes: w.nodes(f.path), Relations: hops, Confidence: round3(f.product)}
}

func hopOf(e graph.Edge) Hop {
	return Hop{
		Type:        e.Type,
		Confidence:  e.Confidence(),
		Evidence:    e.Str("evidence"),
		Severity:    e.Str("severity"),
		Phase:       e.Str("phase"),
		Criticality: e.Str("criticality"),
		Interface:   e.Str("interface"),
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
