package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/WessleyAI/faultgraph/engine/domain"
)

// EnsureSchema creates the Term identity constraint, the term indexes and a
// source_hash index for each relation type. Statements are idempotent.
func (g *GraphStore) EnsureSchema(ctx context.Context, types []domain.RelationType) error {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	for _, stmt := range schemaStatements(types) {
		result, err := sess.Run(ctx, stmt, nil)
		if err != nil {
			return storeErr("ensure schema", err)
		}
		for result.Next(ctx) {
		}
		if err := result.Err(); err != nil {
			return storeErr("ensure schema", err)
		}
	}
	return nil
}

func schemaStatements(types []domain.RelationType) []string {
	stmts := []string{
		`CREATE CONSTRAINT term_identity IF NOT EXISTS FOR (n:Term) REQUIRE (n.name, n.category) IS UNIQUE`,
		`CREATE INDEX term_category IF NOT EXISTS FOR (n:Term) ON (n.category)`,
		`CREATE INDEX term_name IF NOT EXISTS FOR (n:Term) ON (n.name)`,
	}
	for _, t := range types {
		rel := sanitizeRelType(string(t))
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX rel_hash_%s IF NOT EXISTS FOR ()-[r:%s]-() ON (r.source_hash)`,
			strings.ToLower(rel), rel,
		))
	}
	return stmts
}
