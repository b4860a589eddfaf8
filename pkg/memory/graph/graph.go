// Package graph stores user facts as (:User)-[:FACT]->(:Entity) edges in Neo4j.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/nous-labs/attune/pkg/memory"
)

// Store is a Neo4j-backed fact store.
type Store struct {
	driver neo4j.DriverWithContext
	limit  int
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, uri, username, password string, limit int) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	if limit <= 0 {
		limit = 50
	}
	slog.Info("neo4j fact store connected", "uri", uri)
	return &Store{driver: driver, limit: limit}, nil
}

// Close closes the driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// GetFacts returns the user's facts, most recently asserted first.
func (s *Store) GetFacts(ctx context.Context, userID string) ([]memory.GraphFact, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (u:User {id: $userID})-[f:FACT]->(e:Entity)
		RETURN f.predicate AS predicate, e.name AS object
		ORDER BY f.updated_at DESC
		LIMIT $limit
	`
	result, err := session.Run(ctx, query, map[string]interface{}{
		"userID": userID,
		"limit":  s.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get facts: %w", err)
	}

	var facts []memory.GraphFact
	for result.Next(ctx) {
		record := result.Record()
		facts = append(facts, memory.GraphFact{
			Subject:   "user",
			Predicate: getStringFromRecord(record, "predicate"),
			Object:    getStringFromRecord(record, "object"),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read facts: %w", err)
	}
	return facts, nil
}

// AddFacts merges each fact as an edge, refreshing its timestamp when it
// already exists.
func (s *Store) AddFacts(ctx context.Context, userID string, facts []memory.GraphFact) error {
	if len(facts) == 0 {
		return nil
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MERGE (u:User {id: $userID})
		WITH u
		UNWIND $facts AS fact
		MERGE (e:Entity {key: fact.key})
		ON CREATE SET e.name = fact.object
		MERGE (u)-[f:FACT {predicate: fact.predicate}]->(e)
		SET f.updated_at = datetime()
	`
	_, err := session.Run(ctx, query, map[string]interface{}{
		"userID": userID,
		"facts":  factParams(facts),
	})
	if err != nil {
		return fmt.Errorf("failed to add facts: %w", err)
	}
	return nil
}

var nonKey = regexp.MustCompile(`[^a-z0-9]+`)

// entityKey normalizes an object so "Chess" and "chess " share one node.
func entityKey(object string) string {
	return strings.Trim(nonKey.ReplaceAllString(strings.ToLower(object), "_"), "_")
}

func factParams(facts []memory.GraphFact) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(facts))
	for _, f := range facts {
		key := entityKey(f.Object)
		if key == "" || f.Predicate == "" {
			continue
		}
		out = append(out, map[string]interface{}{
			"key":       key,
			"object":    strings.TrimSpace(f.Object),
			"predicate": f.Predicate,
		})
	}
	return out
}

func getStringFromRecord(record *neo4j.Record, key string) string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}
