package graph

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/pkg/fn"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// deleteChunk bounds the id list sent in one UNWIND.
const deleteChunk = 500

// Config holds Neo4j connection settings.
type Config struct {
	URL         string
	User        string
	Password    string
	Database    string
	MaxPoolSize int
	Timeout     time.Duration
}

// ConfigFromEnv reads NEO4J_URL, NEO4J_USER, NEO4J_PASS, NEO4J_DATABASE,
// NEO4J_MAX_POOL_SIZE and NEO4J_TIMEOUT_SECONDS through getenv. Invalid
// numbers keep the defaults.
func ConfigFromEnv(getenv func(string) string) Config {
	cfg := Config{
		URL:         "neo4j://localhost:7687",
		User:        strings.TrimSpace(getenv("NEO4J_USER")),
		Password:    getenv("NEO4J_PASS"),
		Database:    strings.TrimSpace(getenv("NEO4J_DATABASE")),
		MaxPoolSize: 50,
		Timeout:     10 * time.Second,
	}
	if v := strings.TrimSpace(getenv("NEO4J_URL")); v != "" {
		cfg.URL = v
	}
	if n, err := strconv.Atoi(strings.TrimSpace(getenv("NEO4J_MAX_POOL_SIZE"))); err == nil && n > 0 {
		cfg.MaxPoolSize = n
	}
	if n, err := strconv.Atoi(strings.TrimSpace(getenv("NEO4J_TIMEOUT_SECONDS"))); err == nil && n > 0 {
		cfg.Timeout = time.Duration(n) * time.Second
	}
	return cfg
}

// ConnectRetry calls Connect with backoff, for processes that may start
// before the database is reachable.
func ConnectRetry(ctx context.Context, cfg Config, opts fn.RetryOpts) (neo4j.DriverWithContext, error) {
	return fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[neo4j.DriverWithContext] {
		driver, err := Connect(ctx, cfg)
		return fn.FromPair(driver, err)
	}).Unwrap()
}

// Connect opens a driver and verifies connectivity.
func Connect(ctx context.Context, cfg Config) (neo4j.DriverWithContext, error) {
	auth := neo4j.NoAuth()
	if cfg.User != "" {
		auth = neo4j.BasicAuth(cfg.User, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URL, auth, func(c *neo4j.Config) {
		if cfg.MaxPoolSize > 0 {
			c.MaxConnectionPoolSize = cfg.MaxPoolSize
		}
		if cfg.Timeout > 0 {
			c.SocketConnectTimeout = cfg.Timeout
		}
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j: init driver: %w", err)
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}
	return driver, nil
}

// GraphStore implements Store on Neo4j. Terms carry the label Term and are
// keyed by (name, category); edge IDs are Neo4j element IDs.
type GraphStore struct {
	opener SessionOpener
}

// New creates a GraphStore on a driver. An empty database selects the
// server default.
func New(driver neo4j.DriverWithContext, database string) *GraphStore {
	return NewWithOpener(&driverOpener{driver: driver, database: database})
}

// NewWithOpener creates a GraphStore over a custom session source.
func NewWithOpener(opener SessionOpener) *GraphStore {
	return &GraphStore{opener: opener}
}

const edgeReturn = `RETURN elementId(r) AS id, type(r) AS type, a AS from, b AS to, properties(r) AS props`

// FindRelation implements Store.
func (g *GraphStore) FindRelation(ctx context.Context, t domain.RelationType, from, to domain.NodeRef, hash string) (string, bool, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (a:Term {name: $from_name, category: $from_cat})-[r:%s {source_hash: $hash}]->(b:Term {name: $to_name, category: $to_cat})
		 RETURN elementId(r) AS id LIMIT 1`,
		sanitizeRelType(string(t)),
	)
	result, err := sess.Run(ctx, cypher, pairParams(from, to, map[string]any{"hash": hash}))
	if err != nil {
		return "", false, storeErr("find relation", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return "", false, storeErr("find relation", err)
		}
		return "", false, nil
	}
	id, _, err := neo4j.GetRecordValue[string](result.Record(), "id")
	if err != nil {
		return "", false, storeErr("find relation", err)
	}
	return id, true, nil
}

// CreateRelation implements Store.
func (g *GraphStore) CreateRelation(ctx context.Context, t domain.RelationType, from, to domain.NodeRef, props map[string]any) (string, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MERGE (a:Term {name: $from_name, category: $from_cat})
		 MERGE (b:Term {name: $to_name, category: $to_cat})
		 CREATE (a)-[r:%s]->(b)
		 SET r = $props
		 RETURN elementId(r) AS id`,
		sanitizeRelType(string(t)),
	)
	out, err := sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
		result, err := tx.Run(ctx, cypher, pairParams(from, to, map[string]any{"props": props}))
		if err != nil {
			return nil, err
		}
		if !result.Next(ctx) {
			if err := result.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("create %s returned no id", t)
		}
		id, _, err := neo4j.GetRecordValue[string](result.Record(), "id")
		return id, err
	})
	if err != nil {
		return "", storeErr("create relation", err)
	}
	id, _ := out.(string)
	return id, nil
}

// RelationsBetween implements Store.
func (g *GraphStore) RelationsBetween(ctx context.Context, from, to domain.NodeRef, types []domain.RelationType) ([]Edge, error) {
	cypher := `MATCH (a:Term {name: $from_name, category: $from_cat})-[r]->(b:Term {name: $to_name, category: $to_cat})
		WHERE size($types) = 0 OR type(r) IN $types
		` + edgeReturn + ` ORDER BY id`
	return g.readEdges(ctx, "relations between", cypher,
		pairParams(from, to, map[string]any{"types": typeStrings(types)}))
}

// Incoming implements Store.
func (g *GraphStore) Incoming(ctx context.Context, to domain.NodeRef, types []domain.RelationType, minConf float64) ([]Edge, error) {
	cypher := `MATCH (a:Term)-[r]->(b:Term {name: $name})
		WHERE ($category = '' OR b.category = $category)
		  AND (size($types) = 0 OR type(r) IN $types)
		  AND coalesce(r.confidence, 0.0) >= $min
		` + edgeReturn + ` ORDER BY id`
	return g.readEdges(ctx, "incoming", cypher, endpointParams(to, types, minConf))
}

// Outgoing implements Store.
func (g *GraphStore) Outgoing(ctx context.Context, from domain.NodeRef, types []domain.RelationType, minConf float64) ([]Edge, error) {
	cypher := `MATCH (a:Term {name: $name})-[r]->(b:Term)
		WHERE ($category = '' OR a.category = $category)
		  AND (size($types) = 0 OR type(r) IN $types)
		  AND coalesce(r.confidence, 0.0) >= $min
		` + edgeReturn + ` ORDER BY id`
	return g.readEdges(ctx, "outgoing", cypher, endpointParams(from, types, minConf))
}

// ScanRelations implements Store.
func (g *GraphStore) ScanRelations(ctx context.Context, types []domain.RelationType) ([]Edge, error) {
	cypher := `MATCH (a:Term)-[r]->(b:Term)
		WHERE size($types) = 0 OR type(r) IN $types
		` + edgeReturn + ` ORDER BY id`
	return g.readEdges(ctx, "scan", cypher, map[string]any{"types": typeStrings(types)})
}

// RelationTypes implements Store.
func (g *GraphStore) RelationTypes(ctx context.Context) ([]domain.RelationType, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, `MATCH (:Term)-[r]->(:Term) RETURN DISTINCT type(r) AS type`, nil)
	if err != nil {
		return nil, storeErr("relation types", err)
	}
	var types []domain.RelationType
	for result.Next(ctx) {
		if v, ok := result.Record().Get("type"); ok {
			if s, ok := v.(string); ok {
				types = append(types, domain.RelationType(s))
			}
		}
	}
	if err := result.Err(); err != nil {
		return nil, storeErr("relation types", err)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types, nil
}

// DeleteRelations implements Store. All chunks run in one transaction.
func (g *GraphStore) DeleteRelations(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `UNWIND $ids AS id
		MATCH ()-[r]->() WHERE elementId(r) = id
		DELETE r
		RETURN count(*) AS deleted`
	out, err := sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
		total := 0
		for _, chunk := range fn.Chunk(ids, deleteChunk) {
			result, err := tx.Run(ctx, cypher, map[string]any{"ids": chunk})
			if err != nil {
				return nil, err
			}
			if result.Next(ctx) {
				n, _, err := neo4j.GetRecordValue[int64](result.Record(), "deleted")
				if err != nil {
					return nil, err
				}
				total += int(n)
			}
			if err := result.Err(); err != nil {
				return nil, err
			}
		}
		return total, nil
	})
	if err != nil {
		return 0, storeErr("delete relations", err)
	}
	n, _ := out.(int)
	return n, nil
}

// MigrateRelation implements Store.
func (g *GraphStore) MigrateRelation(ctx context.Context, e Edge, to domain.RelationType, props map[string]any) (string, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (a:Term)-[old]->(b:Term) WHERE elementId(old) = $id
		 CREATE (a)-[r:%s]->(b)
		 SET r = $props
		 DELETE old
		 RETURN elementId(r) AS id`,
		sanitizeRelType(string(to)),
	)
	out, err := sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"id": e.ID, "props": props})
		if err != nil {
			return nil, err
		}
		if !result.Next(ctx) {
			if err := result.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("relation %s not found", e.ID)
		}
		id, _, err := neo4j.GetRecordValue[string](result.Record(), "id")
		return id, err
	})
	if err != nil {
		return "", storeErr("migrate relation", err)
	}
	id, _ := out.(string)
	return id, nil
}

func (g *GraphStore) readEdges(ctx context.Context, op, cypher string, params map[string]any) ([]Edge, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, storeErr(op, err)
	}
	edges, err := collectEdges(ctx, result)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return edges, nil
}

// collectEdges reads rows shaped by edgeReturn.
func collectEdges(ctx context.Context, result CypherResult) ([]Edge, error) {
	var edges []Edge
	for result.Next(ctx) {
		e, err := edgeFromRecord(result.Record())
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return edges, nil
}

func edgeFromRecord(rec *neo4j.Record) (Edge, error) {
	id, _, err := neo4j.GetRecordValue[string](rec, "id")
	if err != nil {
		return Edge{}, err
	}
	typ, _, err := neo4j.GetRecordValue[string](rec, "type")
	if err != nil {
		return Edge{}, err
	}
	from, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "from")
	if err != nil {
		return Edge{}, err
	}
	to, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "to")
	if err != nil {
		return Edge{}, err
	}
	props, _, err := neo4j.GetRecordValue[map[string]any](rec, "props")
	if err != nil {
		return Edge{}, err
	}
	return Edge{
		ID:    id,
		Type:  domain.RelationType(typ),
		From:  termFromProps(from.Props),
		To:    termFromProps(to.Props),
		Props: props,
	}, nil
}

func termFromProps(props map[string]any) Term {
	return Term{
		Name:        strProp(props, "name"),
		Category:    domain.Category(strProp(props, "category")),
		Description: strProp(props, "description"),
	}
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func pairParams(from, to domain.NodeRef, extra map[string]any) map[string]any {
	p := map[string]any{
		"from_name": from.Name,
		"from_cat":  string(from.Category),
		"to_name":   to.Name,
		"to_cat":    string(to.Category),
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func endpointParams(ref domain.NodeRef, types []domain.RelationType, minConf float64) map[string]any {
	return map[string]any{
		"name":     ref.Name,
		"category": string(ref.Category),
		"types":    typeStrings(types),
		"min":      minConf,
	}
}

// sanitizeRelType ensures the relationship type is a valid Cypher identifier.
func sanitizeRelType(t string) string {
	safe := make([]byte, 0, len(t))
	for i := range t {
		c := t[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			safe = append(safe, c)
		}
	}
	if len(safe) == 0 {
		return string(domain.RelatedTo)
	}
	for i := range safe {
		if safe[i] >= 'a' && safe[i] <= 'z' {
			safe[i] -= 32
		}
	}
	return string(safe)
}
