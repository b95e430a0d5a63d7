// Package lineage records which run spawned which in a Neo4j graph.
package lineage

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"go.uber.org/zap"
)

// Graph stores (:Run)-[:SPAWNED]->(:Run) edges.
type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// Open creates a driver for uri. Empty user disables authentication.
func Open(uri, user, password string, logger *zap.Logger) (*Graph, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Graph{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (g *Graph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the run ID uniqueness constraint.
func (g *Graph) EnsureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)
	_, err := session.Run(ctx,
		`CREATE CONSTRAINT run_id IF NOT EXISTS FOR (r:Run) REQUIRE r.id IS UNIQUE`, nil)
	if err != nil {
		return fmt.Errorf("create run constraint: %w", err)
	}
	return nil
}

// statement maps a lineage event to its Cypher write. Other events are
// ignored.
func statement(ev event.Event) (string, map[string]any, bool) {
	switch ev.Type {
	case event.ChildWorkflowLaunched:
		return `MERGE (p:Run {id: $parent})
			MERGE (c:Run {id: $child})
			SET c.kind = $kind, c.name = $name, c.depth = $depth,
			    c.status = 'running', c.launched_at = $at
			MERGE (p)-[s:SPAWNED]->(c)
			SET s.correlation_id = $correlation`,
			map[string]any{
				"parent":      ev.ParentID,
				"child":       ev.RunID,
				"kind":        attr(ev, "kind"),
				"name":        attr(ev, "name"),
				"depth":       ev.Attrs["depth"],
				"correlation": attr(ev, "correlation_id"),
				"at":          ev.Time.UTC().Format(time.RFC3339Nano),
			}, true
	case event.ChildWorkflowCompleted:
		return `MERGE (c:Run {id: $child})
			SET c.status = $status, c.error = $error, c.completed_at = $at`,
			map[string]any{
				"child":  ev.RunID,
				"status": attr(ev, "status"),
				"error":  attr(ev, "error"),
				"at":     ev.Time.UTC().Format(time.RFC3339Nano),
			}, true
	}
	return "", nil, false
}

func attr(ev event.Event, key string) string {
	if v, ok := ev.Attrs[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// Apply writes ev to the graph if it describes a child workflow.
func (g *Graph) Apply(ctx context.Context, ev event.Event) error {
	cypher, params, ok := statement(ev)
	if !ok {
		return nil
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	if _, err := session.Run(ctx, cypher, params); err != nil {
		return fmt.Errorf("record %s for %s: %w", ev.Type, ev.RunID, err)
	}
	return nil
}

// Run is a node of the lineage graph.
type Run struct {
	ID     string `json:"id"`
	Kind   string `json:"kind,omitempty"`
	Status string `json:"status,omitempty"`
	Depth  int64  `json:"depth"`
}

// Children returns the runs spawned directly by runID.
func (g *Graph) Children(ctx context.Context, runID string) ([]Run, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Run {id: $id})-[:SPAWNED]->(c:Run)
		 RETURN c.id AS id, coalesce(c.kind, '') AS kind,
		        coalesce(c.status, '') AS status, coalesce(c.depth, 0) AS depth
		 ORDER BY c.launched_at`,
		map[string]any{"id": runID})
	if err != nil {
		return nil, err
	}
	var runs []Run
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		kind, _ := rec.Get("kind")
		status, _ := rec.Get("status")
		depth, _ := rec.Get("depth")
		r := Run{ID: id.(string), Kind: kind.(string), Status: status.(string)}
		if d, ok := depth.(int64); ok {
			r.Depth = d
		}
		runs = append(runs, r)
	}
	return runs, result.Err()
}

// Ancestry returns the chain of run IDs from the root down to runID.
func (g *Graph) Ancestry(ctx context.Context, runID string) ([]string, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH path = (root:Run)-[:SPAWNED*0..]->(:Run {id: $id})
		 WHERE NOT ()-[:SPAWNED]->(root)
		 RETURN [n IN nodes(path) | n.id] AS chain
		 ORDER BY length(path) DESC LIMIT 1`,
		map[string]any{"id": runID})
	if err != nil {
		return nil, err
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	raw, _ := result.Record().Get("chain")
	items, _ := raw.([]any)
	chain := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			chain = append(chain, s)
		}
	}
	return chain, nil
}
