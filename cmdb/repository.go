package cmdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cmdbgraph.io/core/errs"
	"cmdbgraph.io/core/graphgateway"
)

// Repository implements plain CI CRUD, topology/impact traversal,
// paginated browse, and database-wide aggregate operations — the
// non-weighted, non-temporal surface of the graph that every other
// engine builds on top of.
type Repository struct {
	gateway graphgateway.Gateway
}

// NewRepository wires a Repository to gateway.
func NewRepository(gateway graphgateway.Gateway) *Repository {
	return &Repository{gateway: gateway}
}

// List returns CIs optionally filtered by type, capped at limit.
func (r *Repository) List(ctx context.Context, ciType string, limit int) ([]CI, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	query := `MATCH (c:CI) WHERE $type = '' OR c.type = $type RETURN properties(c) as props ORDER BY c.name LIMIT $limit`
	records, err := r.gateway.RunRead(ctx, query, map[string]any{"type": ciType, "limit": int64(limit)})
	if err != nil {
		return nil, err
	}

	cis := make([]CI, 0, len(records))
	for _, rec := range records {
		cis = append(cis, ciFromProps(asMap(rec["props"])))
	}
	return cis, nil
}

// Count returns the number of CIs, optionally filtered by type.
func (r *Repository) Count(ctx context.Context, ciType string) (int64, error) {
	query := `MATCH (c:CI) WHERE $type = '' OR c.type = $type RETURN count(c) as count`
	records, err := r.gateway.RunRead(ctx, query, map[string]any{"type": ciType})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	count, _ := records[0]["count"].(int64)
	return count, nil
}

// AdjacencySummary counts inbound/outbound relationships for a CI.
type AdjacencySummary struct {
	InboundCount  int64 `json:"inboundCount"`
	OutboundCount int64 `json:"outboundCount"`
}

// Get returns a CI plus its adjacency summary, or nil if not found.
func (r *Repository) Get(ctx context.Context, id string) (*CI, *AdjacencySummary, error) {
	query := `
		MATCH (c:CI {id: $id})
		OPTIONAL MATCH (c)<-[in]-()
		OPTIONAL MATCH (c)-[out]->()
		RETURN properties(c) as props, count(DISTINCT in) as inboundCount, count(DISTINCT out) as outboundCount
	`
	records, err := r.gateway.RunRead(ctx, query, map[string]any{"id": id})
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, nil
	}

	ci := ciFromProps(asMap(records[0]["props"]))
	inbound, _ := records[0]["inboundCount"].(int64)
	outbound, _ := records[0]["outboundCount"].(int64)
	return &ci, &AdjacencySummary{InboundCount: inbound, OutboundCount: outbound}, nil
}

// CreateInput is the input to Create.
type CreateInput struct {
	Name        string
	Type        string
	Criticality Criticality
	Properties  map[string]any
}

// Create inserts a new CI, failing ValidationFailure if name or type
// is missing.
func (r *Repository) Create(ctx context.Context, in CreateInput) (*CI, error) {
	if in.Name == "" || in.Type == "" {
		return nil, errs.New(errs.ValidationFailure, "name and type are required")
	}

	id := uuid.NewString()
	criticality := in.Criticality
	if criticality == "" {
		criticality = CriticalityMedium
	}

	query := `
		CREATE (c:CI {id: $id, name: $name, type: $type, status: $status,
		              criticality: $criticality, createdAt: datetime(), updatedAt: datetime()})
		SET c += $props
		RETURN properties(c) as props
	`
	records, err := r.gateway.RunWrite(ctx, query, map[string]any{
		"id": id, "name": in.Name, "type": in.Type, "status": StatusOperational,
		"criticality": string(criticality), "props": in.Properties,
	})
	if err != nil {
		return nil, err
	}

	ci := ciFromProps(asMap(records[0]["props"]))
	return &ci, nil
}

// Update overwrites an existing CI's properties, failing CINotFound if
// it does not exist.
func (r *Repository) Update(ctx context.Context, id string, props map[string]any) (*CI, error) {
	query := `
		MATCH (c:CI {id: $id})
		SET c += $props, c.updatedAt = datetime()
		RETURN properties(c) as props
	`
	records, err := r.gateway.RunWrite(ctx, query, map[string]any{"id": id, "props": props})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errs.New(errs.CINotFound, id)
	}

	ci := ciFromProps(asMap(records[0]["props"]))
	return &ci, nil
}

// Delete detach-deletes a CI, failing CINotFound if it does not exist.
func (r *Repository) Delete(ctx context.Context, id string) error {
	query := `MATCH (c:CI {id: $id}) DETACH DELETE c RETURN count(c) as deleted`
	records, err := r.gateway.RunWrite(ctx, query, map[string]any{"id": id})
	if err != nil {
		return err
	}
	var deleted int64
	if len(records) > 0 {
		deleted, _ = records[0]["deleted"].(int64)
	}
	if deleted == 0 {
		return errs.New(errs.CINotFound, id)
	}
	return nil
}

// RelationshipSummary is one edge attached to a CI, in either direction.
type RelationshipSummary struct {
	OtherID string `json:"otherId"`
	Type    string `json:"type"`
	Direction string `json:"direction"` // "inbound" or "outbound"
}

// Relationships lists every edge touching id.
func (r *Repository) Relationships(ctx context.Context, id string) ([]RelationshipSummary, error) {
	query := `
		MATCH (c:CI {id: $id})-[r]->(other:CI)
		RETURN other.id as otherId, type(r) as relType, 'outbound' as direction
		UNION
		MATCH (c:CI {id: $id})<-[r]-(other:CI)
		RETURN other.id as otherId, type(r) as relType, 'inbound' as direction
	`
	records, err := r.gateway.RunRead(ctx, query, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}

	summaries := make([]RelationshipSummary, 0, len(records))
	for _, rec := range records {
		otherID, _ := rec["otherId"].(string)
		relType, _ := rec["relType"].(string)
		direction, _ := rec["direction"].(string)
		summaries = append(summaries, RelationshipSummary{OtherID: otherID, Type: relType, Direction: direction})
	}
	return summaries, nil
}

// TopologyInput is the input to Topology.
type TopologyInput struct {
	StartNode string
	Depth     int // default 3
	Type      string
	Limit     int // default/max 500
}

// Topology is a bounded subgraph.
type Topology struct {
	Nodes []CI                   `json:"nodes"`
	Edges []RelationshipSummary  `json:"edges"`
}

// Topology returns the subgraph reachable from StartNode within Depth
// hops, capped at Limit nodes (default/max 500).
func (r *Repository) Topology(ctx context.Context, in TopologyInput) (*Topology, error) {
	depth := in.Depth
	if depth <= 0 {
		depth = 3
	}
	limit := in.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	typeFilter := ""
	if in.Type != "" {
		if !IsValidRelationshipType(in.Type) {
			return nil, errs.New(errs.InvalidRelationshipType, in.Type)
		}
		typeFilter = ":" + in.Type
	}

	query := fmt.Sprintf(`
		MATCH path = (start:CI {id: $startId})-[%s*0..%d]-(other:CI)
		WITH DISTINCT other, path
		LIMIT $limit
		RETURN collect(DISTINCT properties(other)) as nodeProps
	`, typeFilter, depth)

	records, err := r.gateway.RunRead(ctx, query, map[string]any{"startId": in.StartNode, "limit": int64(limit)})
	if err != nil {
		return nil, err
	}

	topo := &Topology{}
	if len(records) > 0 {
		if nodeProps, ok := records[0]["nodeProps"].([]any); ok {
			for _, p := range nodeProps {
				topo.Nodes = append(topo.Nodes, ciFromProps(asMap(p)))
			}
		}
	}

	edges, err := r.Relationships(ctx, in.StartNode)
	if err == nil {
		topo.Edges = edges
	}
	return topo, nil
}

// Direction selects which way impact analysis traverses.
type Direction string

const (
	DirectionUpstream   Direction = "upstream"
	DirectionDownstream Direction = "downstream"
	DirectionBoth       Direction = "both"
)

// ImpactedCI is one CI reachable from an impact query, with hop distance.
type ImpactedCI struct {
	CI
	HopDistance int `json:"hopDistance"`
}

// Impact returns CIs reachable from id within depth hops in the given
// direction.
func (r *Repository) Impact(ctx context.Context, id string, direction Direction, depth int) ([]ImpactedCI, error) {
	if depth <= 0 {
		depth = 3
	}

	var pattern string
	switch direction {
	case DirectionUpstream:
		pattern = "(start:CI {id: $id})<-[*1..%d]-(other:CI)"
	case DirectionDownstream:
		pattern = "(start:CI {id: $id})-[*1..%d]->(other:CI)"
	default:
		pattern = "(start:CI {id: $id})-[*1..%d]-(other:CI)"
	}

	query := fmt.Sprintf(`
		MATCH path = %s
		WITH other, min(length(path)) as hopDistance
		RETURN properties(other) as props, hopDistance
		ORDER BY hopDistance
	`, fmt.Sprintf(pattern, depth))

	records, err := r.gateway.RunRead(ctx, query, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}

	impacted := make([]ImpactedCI, 0, len(records))
	for _, rec := range records {
		hop, _ := rec["hopDistance"].(int64)
		impacted = append(impacted, ImpactedCI{CI: ciFromProps(asMap(rec["props"])), HopDistance: int(hop)})
	}
	return impacted, nil
}

// BrowseInput is the input to Browse.
type BrowseInput struct {
	Search string
	Type   string
	Page   int // 1-based
	Limit  int // capped at 500
	Sort   string
	Order  string // "asc" or "desc"
}

var browseSortFields = map[string]bool{"name": true, "type": true, "status": true, "updatedAt": true, "createdAt": true}

// BrowseResult is a page of CIs plus their relationship counts.
type BrowseResult struct {
	Items []BrowseItem `json:"items"`
	Total int64        `json:"total"`
	Page  int          `json:"page"`
}

// BrowseItem is one CI plus its relationship count.
type BrowseItem struct {
	CI
	RelationshipCount int64 `json:"relationshipCount"`
}

// Browse implements the paginated search/list endpoint.
func (r *Repository) Browse(ctx context.Context, in BrowseInput) (*BrowseResult, error) {
	page := in.Page
	if page < 1 {
		page = 1
	}
	limit := in.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	sort := in.Sort
	if !browseSortFields[sort] {
		sort = "name"
	}
	order := "ASC"
	if in.Order == "desc" {
		order = "DESC"
	}

	query := fmt.Sprintf(`
		MATCH (c:CI)
		WHERE ($search = '' OR c.name CONTAINS $search) AND ($type = '' OR c.type = $type)
		OPTIONAL MATCH (c)-[r]-()
		WITH c, count(r) as relCount
		RETURN properties(c) as props, relCount
		ORDER BY c.%s %s
		SKIP $skip LIMIT $limit
	`, sort, order)

	records, err := r.gateway.RunRead(ctx, query, map[string]any{
		"search": in.Search, "type": in.Type,
		"skip": int64((page - 1) * limit), "limit": int64(limit),
	})
	if err != nil {
		return nil, err
	}

	items := make([]BrowseItem, 0, len(records))
	for _, rec := range records {
		relCount, _ := rec["relCount"].(int64)
		items = append(items, BrowseItem{CI: ciFromProps(asMap(rec["props"])), RelationshipCount: relCount})
	}

	total, err := r.Count(ctx, in.Type)
	if err != nil {
		return nil, err
	}

	return &BrowseResult{Items: items, Total: total, Page: page}, nil
}

// Stats is the aggregate database-stats payload.
type Stats struct {
	TotalCIs            int64            `json:"totalCIs"`
	TotalRelationships  int64            `json:"totalRelationships"`
	CountsByType        map[string]int64 `json:"countsByType"`
}

// DatabaseStats aggregates CI and relationship counts.
func (r *Repository) DatabaseStats(ctx context.Context) (*Stats, error) {
	query := `
		MATCH (c:CI)
		WITH count(c) as totalCIs, collect(c.type) as types
		OPTIONAL MATCH ()-[r]->()
		RETURN totalCIs, types, count(r) as totalRelationships
	`
	records, err := r.gateway.RunRead(ctx, query, nil)
	if err != nil {
		return nil, err
	}

	stats := &Stats{CountsByType: map[string]int64{}}
	if len(records) == 0 {
		return stats, nil
	}

	stats.TotalCIs, _ = records[0]["totalCIs"].(int64)
	stats.TotalRelationships, _ = records[0]["totalRelationships"].(int64)
	if types, ok := records[0]["types"].([]any); ok {
		for _, t := range types {
			if s, ok := t.(string); ok {
				stats.CountsByType[s]++
			}
		}
	}
	return stats, nil
}

// ClearDatabase deletes every node and relationship. Destructive.
func (r *Repository) ClearDatabase(ctx context.Context) error {
	_, err := r.gateway.RunWrite(ctx, `MATCH (n) DETACH DELETE n`, nil)
	return err
}

// CreateEvent inserts an Event node, optionally linking it to a CI via an
// AFFECTS edge when AffectsCIID is set.
func (r *Repository) CreateEvent(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	query := `
		CREATE (e:Event {id: $id, source: $source, message: $message, severity: $severity,
		                 eventType: $eventType, timestamp: $timestamp, status: $status,
		                 metadata: $metadata, correlationScore: $correlationScore})
		WITH e
		OPTIONAL MATCH (c:CI {id: $affectsCiId})
		FOREACH (_ IN CASE WHEN c IS NOT NULL THEN [1] ELSE [] END | CREATE (e)-[:AFFECTS]->(c))
	`
	_, err := r.gateway.RunWrite(ctx, query, map[string]any{
		"id": ev.ID, "source": ev.Source, "message": ev.Message, "severity": ev.Severity,
		"eventType": ev.EventType, "timestamp": ev.Timestamp, "status": ev.Status,
		"metadata": ev.Metadata, "correlationScore": ev.CorrelationScore, "affectsCiId": ev.AffectsCIID,
	})
	return err
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func ciFromProps(props map[string]any) CI {
	ci := CI{Properties: props}
	if v, ok := props["id"].(string); ok {
		ci.ID = v
	}
	if v, ok := props["name"].(string); ok {
		ci.Name = v
	}
	if v, ok := props["type"].(string); ok {
		ci.Type = v
	}
	if v, ok := props["status"].(string); ok {
		ci.Status = v
	}
	if v, ok := props["criticality"].(string); ok {
		ci.Criticality = Criticality(v)
	}
	if v, ok := props["createdAt"].(time.Time); ok {
		ci.CreatedAt = v
	}
	if v, ok := props["updatedAt"].(time.Time); ok {
		ci.UpdatedAt = v
	}
	return ci
}
