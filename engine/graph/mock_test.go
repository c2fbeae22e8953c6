package graph

import (
	"context"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

type mockResult struct {
	records []*neo4j.Record
	idx     int
	err     error
}

func newMockResult(records ...*neo4j.Record) *mockResult {
	return &mockResult{records: records, idx: -1}
}

func (r *mockResult) Next(_ context.Context) bool {
	r.idx++
	return r.idx < len(r.records)
}

func (r *mockResult) Record() *neo4j.Record {
	if r.idx < 0 || r.idx >= len(r.records) {
		return nil
	}
	return r.records[r.idx]
}

func (r *mockResult) Err() error { return r.err }

// mockSession returns queued results in order and records every statement.
type mockSession struct {
	results  []*mockResult
	runErr   error
	writeErr error
	queries  []string
	params   []map[string]any
	closed   int
}

func (s *mockSession) Run(_ context.Context, cypher string, params map[string]any) (CypherResult, error) {
	s.queries = append(s.queries, cypher)
	s.params = append(s.params, params)
	if s.runErr != nil {
		return nil, s.runErr
	}
	if len(s.results) == 0 {
		return newMockResult(), nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r, nil
}

func (s *mockSession) ExecuteWrite(ctx context.Context, work func(tx CypherRunner) (any, error)) (any, error) {
	if s.writeErr != nil {
		return nil, s.writeErr
	}
	return work(s)
}

func (s *mockSession) Close(_ context.Context) error {
	s.closed++
	return nil
}

type mockOpener struct {
	session *mockSession
}

func (o *mockOpener) OpenSession(_ context.Context) CypherSession { return o.session }

func newMockStore(results ...*mockResult) (*GraphStore, *mockSession) {
	sess := &mockSession{results: results}
	return NewWithOpener(&mockOpener{session: sess}), sess
}

func termNode(name string, cat domain.Category) dbtype.Node {
	return dbtype.Node{
		Labels: []string{"Term"},
		Props:  map[string]any{"name": name, "category": string(cat)},
	}
}

func edgeRecord(id string, t domain.RelationType, from, to dbtype.Node, props map[string]any) *neo4j.Record {
	return &neo4j.Record{
		Keys:   []string{"id", "type", "from", "to", "props"},
		Values: []any{id, string(t), from, to, props},
	}
}
