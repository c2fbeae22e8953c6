// Package graph provides the Neo4j-backed property graph the faultgraph engine
// reads and writes, plus an in-memory store with the same contract.
package graph

import (
	"github.com/WessleyAI/faultgraph/engine/domain"
)

// Term is a node of the knowledge graph.
type Term struct {
	Name        string          `json:"name"`
	Category    domain.Category `json:"category"`
	Description string          `json:"description,omitempty"`
}

// Ref returns the identity of the term.
func (t Term) Ref() domain.NodeRef {
	return domain.NodeRef{Name: t.Name, Category: t.Category}
}

// Edge is a stored relation with its full property bag.
type Edge struct {
	ID    string              `json:"id"`
	Type  domain.RelationType `json:"type"`
	From  Term                `json:"from"`
	To    Term                `json:"to"`
	Props map[string]any      `json:"props"`
}

// Confidence returns the stored confidence, or 0 when missing.
func (e Edge) Confidence() float64 {
	f, _ := e.Float("confidence")
	return f
}

// Float reads a numeric property.
func (e Edge) Float(key string) (float64, bool) {
	return toFloat(e.Props[key])
}

// Str reads a string property; missing or non-string values yield "".
func (e Edge) Str(key string) string {
	s, _ := e.Props[key].(string)
	return s
}

// Inferred reports the inferred flag. Unset counts as inferred.
func (e Edge) Inferred() bool {
	b, ok := e.Props["inferred"].(bool)
	if !ok {
		return true
	}
	return b
}

// Key identifies the (from, to, type) triple of the edge.
func (e Edge) Key() string {
	return e.From.Ref().Key() + "\x01" + e.To.Ref().Key() + "\x01" + string(e.Type)
}

// TypeStats summarises one relation type.
type TypeStats struct {
	Type          domain.RelationType `json:"type"`
	Total         int64               `json:"total"`
	AvgConfidence float64             `json:"avg_confidence"`
	Verified      int64               `json:"verified"`
	Plausible     int64               `json:"plausible"`
	Uncertain     int64               `json:"uncertain"`
	LowConfidence int64               `json:"low_confidence"`
}

// Stats is a snapshot of graph contents.
type Stats struct {
	Nodes     map[domain.Category]int64 `json:"nodes"`
	Relations []TypeStats               `json:"relations"`
}

// LowConfidenceThreshold marks relations worth reviewing in stats output.
const LowConfidenceThreshold = 0.7

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func copyProps(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
