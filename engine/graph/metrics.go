package graph

import (
	"context"
	"sort"

	"github.com/WessleyAI/faultgraph/engine/domain"
)

// RelationStats returns term counts per category and per-type relation
// statistics.
func (g *GraphStore) RelationStats(ctx context.Context) (Stats, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	stats := Stats{Nodes: make(map[domain.Category]int64)}

	result, err := sess.Run(ctx, `MATCH (n:Term) RETURN n.category AS category, count(*) AS count`, nil)
	if err != nil {
		return stats, storeErr("node counts", err)
	}
	for result.Next(ctx) {
		rec := result.Record()
		cat, _ := rec.Get("category")
		cnt, _ := rec.Get("count")
		if c, ok := cat.(string); ok {
			if n, ok := cnt.(int64); ok {
				stats.Nodes[domain.Category(c)] = n
			}
		}
	}
	if err := result.Err(); err != nil {
		return stats, storeErr("node counts", err)
	}

	cypher := `MATCH (:Term)-[r]->(:Term)
		WITH type(r) AS type, coalesce(r.confidence, 0.0) AS c
		RETURN type,
		       count(*) AS total,
		       avg(c) AS avg_conf,
		       sum(CASE WHEN c >= 0.8 THEN 1 ELSE 0 END) AS verified,
		       sum(CASE WHEN c >= 0.6 AND c < 0.8 THEN 1 ELSE 0 END) AS plausible,
		       sum(CASE WHEN c < 0.6 THEN 1 ELSE 0 END) AS uncertain,
		       sum(CASE WHEN c < $low THEN 1 ELSE 0 END) AS low
		ORDER BY total DESC, type`
	result, err = sess.Run(ctx, cypher, map[string]any{"low": LowConfidenceThreshold})
	if err != nil {
		return stats, storeErr("relation stats", err)
	}
	for result.Next(ctx) {
		rec := result.Record()
		typ, _ := rec.Get("type")
		s, ok := typ.(string)
		if !ok {
			continue
		}
		ts := TypeStats{Type: domain.RelationType(s)}
		ts.Total = intValue(rec.Get("total"))
		ts.Verified = intValue(rec.Get("verified"))
		ts.Plausible = intValue(rec.Get("plausible"))
		ts.Uncertain = intValue(rec.Get("uncertain"))
		ts.LowConfidence = intValue(rec.Get("low"))
		if v, ok := rec.Get("avg_conf"); ok {
			ts.AvgConfidence, _ = toFloat(v)
		}
		stats.Relations = append(stats.Relations, ts)
	}
	if err := result.Err(); err != nil {
		return stats, storeErr("relation stats", err)
	}
	return stats, nil
}

func intValue(v any, ok bool) int64 {
	if !ok {
		return 0
	}
	n, _ := v.(int64)
	return n
}

// summarize builds Stats from a full edge list. MemStore uses it.
func summarize(terms []Term, edges []Edge) Stats {
	stats := Stats{Nodes: make(map[domain.Category]int64)}
	for _, t := range terms {
		stats.Nodes[t.Category]++
	}
	byType := make(map[domain.RelationType]*TypeStats)
	var order []domain.RelationType
	sums := make(map[domain.RelationType]float64)
	for _, e := range edges {
		ts, ok := byType[e.Type]
		if !ok {
			ts = &TypeStats{Type: e.Type}
			byType[e.Type] = ts
			order = append(order, e.Type)
		}
		c := e.Confidence()
		ts.Total++
		sums[e.Type] += c
		switch domain.StatusFor(c) {
		case domain.StatusVerified:
			ts.Verified++
		case domain.StatusPlausible:
			ts.Plausible++
		default:
			ts.Uncertain++
		}
		if c < LowConfidenceThreshold {
			ts.LowConfidence++
		}
	}
	for _, t := range order {
		ts := byType[t]
		ts.AvgConfidence = sums[t] / float64(ts.Total)
		stats.Relations = append(stats.Relations, *ts)
	}
	sortTypeStats(stats.Relations)
	return stats
}

func sortTypeStats(s []TypeStats) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Total != s[j].Total {
			return s[i].Total > s[j].Total
		}
		return s[i].Type < s[j].Type
	})
}
