// Package graphgateway is the single abstraction every engine uses to
// talk to the graph store. It centralizes session acquisition, query
// execution, and driver-value normalization so the rest of the core
// never imports the neo4j driver directly.
package graphgateway

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"cmdbgraph.io/core/errs"
)

// Record is a single result row, keyed by Cypher return alias.
type Record map[string]any

// Gateway is the graph-store abstraction every engine depends on.
type Gateway interface {
	// RunWrite executes cypher in a write transaction and returns the
	// normalized result rows.
	RunWrite(ctx context.Context, cypher string, params map[string]any) ([]Record, error)
	// RunRead executes cypher in a read transaction and returns the
	// normalized result rows.
	RunRead(ctx context.Context, cypher string, params map[string]any) ([]Record, error)
	Close(ctx context.Context) error
}

// Neo4jGateway implements Gateway over neo4j.DriverWithContext, one
// session per call, exactly as the teacher's Neo4jRepository does it.
type Neo4jGateway struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jGateway dials uri and verifies connectivity before returning.
func NewNeo4jGateway(ctx context.Context, uri, username, password string) (*Neo4jGateway, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, errs.Wrap(errs.QueryFailure, "create neo4j driver", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, errs.Wrap(errs.QueryFailure, "connect to neo4j", err)
	}
	return &Neo4jGateway{driver: driver}, nil
}

func (g *Neo4jGateway) run(ctx context.Context, mode neo4j.AccessMode, cypher string, params map[string]any) ([]Record, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode})
	defer session.Close(ctx)

	exec := session.ExecuteRead
	if mode == neo4j.AccessModeWrite {
		exec = session.ExecuteWrite
	}

	result, err := exec(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		cursor, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}

		var records []Record
		for cursor.Next(ctx) {
			row := cursor.Record()
			record := make(Record, len(row.Keys))
			for _, key := range row.Keys {
				v, _ := row.Get(key)
				record[key] = normalizeValue(v)
			}
			records = append(records, record)
		}
		return records, cursor.Err()
	})
	if err != nil {
		return nil, errs.Wrap(errs.QueryFailure, fmt.Sprintf("execute query: %s", cypher), err)
	}

	rows, _ := result.([]Record)
	return rows, nil
}

// RunWrite executes cypher in a write transaction.
func (g *Neo4jGateway) RunWrite(ctx context.Context, cypher string, params map[string]any) ([]Record, error) {
	return g.run(ctx, neo4j.AccessModeWrite, cypher, params)
}

// RunRead executes cypher in a read transaction.
func (g *Neo4jGateway) RunRead(ctx context.Context, cypher string, params map[string]any) ([]Record, error) {
	return g.run(ctx, neo4j.AccessModeRead, cypher, params)
}

// Close shuts down the underlying driver.
func (g *Neo4jGateway) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// normalizeValue converts driver-specific temporal types to time.Time and
// recurses into slices/maps, so callers never type-assert on raw neo4j
// types. The go driver already returns native int64/float64/string/bool,
// unlike drivers that return {low,high} integer pairs; this function is
// still the single seam a future driver swap would touch.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case neo4j.Date:
		return val.Time()
	case neo4j.LocalDateTime:
		return val.Time()
	case neo4j.Time:
		return val.Time()
	case neo4j.LocalTime:
		return val.Time()
	case time.Time:
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeValue(item)
		}
		return out
	case neo4j.Node:
		props := make(map[string]any, len(val.Props))
		for k, item := range val.Props {
			props[k] = normalizeValue(item)
		}
		return props
	case neo4j.Relationship:
		props := make(map[string]any, len(val.Props))
		for k, item := range val.Props {
			props[k] = normalizeValue(item)
		}
		return props
	default:
		return v
	}
}
