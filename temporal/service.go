// Package temporal implements the Temporal Relationship Service (C4):
// append-only edge versioning, time-travel topology queries, weight
// history with trend statistics, a scaling-event adaptor, and an
// expiry scan.
package temporal

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"context"

	"cmdbgraph.io/core/cmdb"
	"cmdbgraph.io/core/errs"
	"cmdbgraph.io/core/graphgateway"
)

// Service implements C4 over a graphgateway.Gateway. Versioned-create
// calls for the same (from,to,type) tuple are serialized through a
// per-tuple stripe of mutexes, since Cypher alone cannot express the
// archive-then-create step as a single compare-and-swap without a
// supporting uniqueness constraint on (from,to,type,version). No such
// constraint is created, so the in-process lock is the only guard:
// writers in other processes are not serialized against it.
type Service struct {
	gateway graphgateway.Gateway

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService wires a Service to gateway.
func NewService(gateway graphgateway.Gateway) *Service {
	return &Service{gateway: gateway, locks: make(map[string]*sync.Mutex)}
}

func (s *Service) lockFor(from, to, relType string) *sync.Mutex {
	key := from + "|" + to + "|" + relType
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// Edge is one version of a temporal relationship.
type Edge struct {
	ID              string         `json:"id"`
	From            string         `json:"from"`
	To              string         `json:"to"`
	Type            string         `json:"type"`
	Version         int            `json:"version"`
	PreviousVersion int            `json:"previousVersion"`
	Status          string         `json:"status"`
	ValidFrom       time.Time      `json:"validFrom"`
	ValidTo         *time.Time     `json:"validTo,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	LastModified    time.Time      `json:"lastModified"`
	CreatedBy       string         `json:"createdBy"`
	ModifiedBy      string         `json:"modifiedBy"`
	ChangeReason    string         `json:"changeReason"`
	Properties      map[string]any `json:"properties"`
	WeightHistory   []WeightSample `json:"weightHistory,omitempty"`
}

// WeightSample is one entry in an edge's weightHistory.
type WeightSample struct {
	Timestamp        time.Time `json:"timestamp"`
	Weight           *float64  `json:"weight,omitempty"`
	CriticalityScore *float64  `json:"criticalityScore,omitempty"`
	LoadFactor       *float64  `json:"loadFactor,omitempty"`
	Source           string    `json:"source"`
}

const (
	statusActive   = "ACTIVE"
	statusArchived = "ARCHIVED"
)

// CreateInput is the input to VersionedCreate.
type CreateInput struct {
	From         string
	To           string
	Type         string
	Properties   map[string]any
	ValidFrom    time.Time
	ValidTo      *time.Time
	CreatedBy    string
	ChangeReason string
}

// VersionedCreate implements §4.4.1: archive the currently-active edge
// for the tuple (if any), then create the next version. Serialized
// per-tuple so two concurrent calls never both mint version=prev+1.
func (s *Service) VersionedCreate(ctx context.Context, in CreateInput) (*Edge, error) {
	if !cmdb.IsValidRelationshipType(in.Type) {
		return nil, errs.New(errs.InvalidRelationshipType, in.Type)
	}

	lock := s.lockFor(in.From, in.To, in.Type)
	lock.Lock()
	defer lock.Unlock()

	validFrom := in.ValidFrom
	if validFrom.IsZero() {
		validFrom = s.now()
	}

	archiveQuery := fmt.Sprintf(`
		MATCH (a:CI {id: $from})-[r:%s {status: $active}]->(b:CI {id: $to})
		WHERE r.validTo IS NULL OR r.validTo >= datetime()
		SET r.status = $archived, r.validTo = datetime()
		RETURN r.version as version
	`, in.Type)

	archived, err := s.gateway.RunWrite(ctx, archiveQuery, map[string]any{
		"from": in.From, "to": in.To, "active": statusActive, "archived": statusArchived,
	})
	if err != nil {
		return nil, err
	}

	prev := 0
	if len(archived) > 0 {
		if v, ok := archived[0]["version"].(int64); ok {
			prev = int(v)
		}
	}

	createQuery := fmt.Sprintf(`
		MATCH (a:CI {id: $from}), (b:CI {id: $to})
		CREATE (a)-[r:%s]->(b)
		SET r += $props,
		    r.version = $version, r.previousVersion = $prevVersion, r.status = $status,
		    r.validFrom = $validFrom, r.validTo = $validTo,
		    r.createdAt = datetime(), r.lastModified = datetime(),
		    r.createdBy = $createdBy, r.modifiedBy = $createdBy, r.changeReason = $reason
		RETURN r
	`, in.Type)

	records, err := s.gateway.RunWrite(ctx, createQuery, map[string]any{
		"from": in.From, "to": in.To,
		"props":       in.Properties,
		"version":     int64(prev + 1),
		"prevVersion": int64(prev),
		"status":      statusActive,
		"validFrom":   validFrom,
		"validTo":     in.ValidTo,
		"createdBy":   in.CreatedBy,
		"reason":      in.ChangeReason,
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errs.New(errs.CINotFound, fmt.Sprintf("%s or %s not found", in.From, in.To))
	}

	return edgeFromProps(in.From, in.To, in.Type, asMap(records[0]["r"])), nil
}

// TopologyInput is the input to TimeTravelTopology.
type TopologyInput struct {
	TargetDate time.Time
	StartingCI string // optional
	MaxDepth   int    // default 3
	EdgeType   string // optional filter
}

// Topology is a deduplicated node/edge set valid at a point in time.
type Topology struct {
	Nodes []string `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

// TimeTravelTopology implements §4.4.2.
func (s *Service) TimeTravelTopology(ctx context.Context, in TopologyInput) (*Topology, error) {
	maxDepth := in.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}

	typeFilter := ""
	if in.EdgeType != "" {
		if !cmdb.IsValidRelationshipType(in.EdgeType) {
			return nil, errs.New(errs.InvalidRelationshipType, in.EdgeType)
		}
		typeFilter = ":" + in.EdgeType
	}

	var query string
	params := map[string]any{"targetDate": in.TargetDate}

	if in.StartingCI != "" {
		query = fmt.Sprintf(`
			MATCH path = (start:CI {id: $startId})-[r%s*1..%d]->(other:CI)
			WHERE ALL(rel in relationships(path) WHERE
			    rel.validFrom <= $targetDate AND
			    (rel.validTo IS NULL OR rel.validTo >= $targetDate) AND
			    rel.status IN ['ACTIVE', 'ARCHIVED'])
			RETURN [n in nodes(path) | n.id] as nodeIds,
			       [rel in relationships(path) | properties(rel)] as edgeProps,
			       [rel in relationships(path) | type(rel)] as edgeTypes,
			       [n in nodes(path) | n.id][0] as fromId,
			       [n in nodes(path) | n.id][-1] as toId
		`, typeFilter, maxDepth)
		params["startId"] = in.StartingCI
	} else {
		query = fmt.Sprintf(`
			MATCH (a:CI)-[r%s]->(b:CI)
			WHERE r.validFrom <= $targetDate AND
			      (r.validTo IS NULL OR r.validTo >= $targetDate) AND
			      r.status IN ['ACTIVE', 'ARCHIVED']
			RETURN a.id as fromId, b.id as toId, type(r) as edgeType, properties(r) as props
		`, typeFilter)
	}

	records, err := s.gateway.RunRead(ctx, query, params)
	if err != nil {
		return nil, err
	}

	nodeSet := map[string]bool{}
	edgeSet := map[string]Edge{}

	if in.StartingCI != "" {
		for _, rec := range records {
			if nodeIDs, ok := rec["nodeIds"].([]any); ok {
				for _, n := range nodeIDs {
					if id, ok := n.(string); ok {
						nodeSet[id] = true
					}
				}
			}
			edgeProps, _ := rec["edgeProps"].([]any)
			edgeTypes, _ := rec["edgeTypes"].([]any)
			for i := range edgeProps {
				props := asMap(edgeProps[i])
				etype, _ := edgeTypes[i].(string)
				edge := edgeFromProps("", "", etype, props)
				edgeSet[edge.ID] = edge
			}
		}
	} else {
		for _, rec := range records {
			fromID, _ := rec["fromId"].(string)
			toID, _ := rec["toId"].(string)
			etype, _ := rec["edgeType"].(string)
			props := asMap(rec["props"])
			nodeSet[fromID] = true
			nodeSet[toID] = true
			edge := edgeFromProps(fromID, toID, etype, props)
			edgeSet[edge.ID] = edge
		}
	}

	topo := &Topology{}
	for id := range nodeSet {
		topo.Nodes = append(topo.Nodes, id)
	}
	sort.Strings(topo.Nodes)
	for _, e := range edgeSet {
		topo.Edges = append(topo.Edges, e)
	}
	sort.Slice(topo.Edges, func(i, j int) bool { return topo.Edges[i].ID < topo.Edges[j].ID })
	return topo, nil
}

// History implements §4.4.3: every version of (from,to,type) sorted by
// version descending.
func (s *Service) History(ctx context.Context, from, to, relType string) ([]Edge, error) {
	if !cmdb.IsValidRelationshipType(relType) {
		return nil, errs.New(errs.InvalidRelationshipType, relType)
	}

	query := fmt.Sprintf(`
		MATCH (a:CI {id: $from})-[r:%s]->(b:CI {id: $to})
		RETURN properties(r) as props
		ORDER BY r.version DESC
	`, relType)

	records, err := s.gateway.RunRead(ctx, query, map[string]any{"from": from, "to": to})
	if err != nil {
		return nil, err
	}

	edges := make([]Edge, 0, len(records))
	for _, rec := range records {
		edges = append(edges, edgeFromProps(from, to, relType, asMap(rec["props"])))
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Version > edges[j].Version })
	return edges, nil
}

// WeightUpdate is the input to UpdateRelationshipWithHistory. Nil
// pointers mean "unchanged".
type WeightUpdate struct {
	Weight           *float64
	CriticalityScore *float64
	LoadFactor       *float64
	Source           string
	ModifiedBy       string
}

// UpdateRelationshipWithHistory implements §4.4.4's append half: append
// a weightHistory sample and update the top-level weight fields.
func (s *Service) UpdateRelationshipWithHistory(ctx context.Context, edgeID string, in WeightUpdate) error {
	sample := WeightSample{
		Timestamp:        s.now(),
		Weight:           in.Weight,
		CriticalityScore: in.CriticalityScore,
		LoadFactor:       in.LoadFactor,
		Source:           in.Source,
	}

	query := `
		MATCH ()-[r]->() WHERE r.id = $edgeId OR id(r) = $edgeId
		SET r.weightHistory = coalesce(r.weightHistory, []) + $sample,
		    r.weight = coalesce($weight, r.weight),
		    r.criticalityScore = coalesce($criticalityScore, r.criticalityScore),
		    r.loadFactor = coalesce($loadFactor, r.loadFactor),
		    r.lastModified = datetime(), r.modifiedBy = $modifiedBy
		RETURN r
	`

	records, err := s.gateway.RunWrite(ctx, query, map[string]any{
		"edgeId":           edgeID,
		"sample":           sampleToMap(sample),
		"weight":           in.Weight,
		"criticalityScore": in.CriticalityScore,
		"loadFactor":       in.LoadFactor,
		"modifiedBy":       in.ModifiedBy,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errs.New(errs.RelationshipNotFound, edgeID)
	}
	return nil
}

// WeightTrend is the result of GetWeightTrend.
type WeightTrend struct {
	Found      bool    `json:"found"`
	Average    float64 `json:"average"`
	Minimum    float64 `json:"minimum"`
	Maximum    float64 `json:"maximum"`
	DataPoints int     `json:"dataPoints"`
	Trend      string  `json:"trend"`
}

// GetWeightTrend implements §4.4.4's trend half, over the weightHistory
// of the currently-active edge for the tuple.
func (s *Service) GetWeightTrend(ctx context.Context, from, to, relType string) (*WeightTrend, error) {
	if !cmdb.IsValidRelationshipType(relType) {
		return nil, errs.New(errs.InvalidRelationshipType, relType)
	}

	query := fmt.Sprintf(`
		MATCH (a:CI {id: $from})-[r:%s {status: $active}]->(b:CI {id: $to})
		RETURN r.weightHistory as history
	`, relType)

	records, err := s.gateway.RunRead(ctx, query, map[string]any{"from": from, "to": to, "active": statusActive})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return &WeightTrend{Found: false}, nil
	}

	rawHistory, _ := records[0]["history"].([]any)
	weights := make([]float64, 0, len(rawHistory))
	for _, entry := range rawHistory {
		m := asMap(entry)
		if w, ok := m["weight"].(float64); ok {
			weights = append(weights, w)
		}
	}
	if len(weights) == 0 {
		return &WeightTrend{Found: false}, nil
	}

	return &WeightTrend{
		Found:      true,
		Average:    average(weights),
		Minimum:    minOf(weights),
		Maximum:    maxOf(weights),
		DataPoints: len(weights),
		Trend:      trendOf(weights),
	}, nil
}

func trendOf(weights []float64) string {
	window := weights
	if len(window) > 5 {
		window = window[len(window)-5:]
	}
	first := window[0]
	last := window[len(window)-1]
	switch {
	case last > first:
		return "increasing"
	case last < first:
		return "decreasing"
	default:
		return "stable"
	}
}

func average(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func minOf(values []float64) float64 {
	m := math.Inf(1)
	for _, v := range values {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	m := math.Inf(-1)
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}

// ScalingEvent is the input to ApplyScalingEvent.
type ScalingEvent struct {
	CIID          string
	CurrentLoad   float64
	ScalingAction string // "scale-up" or "scale-down"
	Timestamp     time.Time
}

const (
	ScaleUp   = "scale-up"
	ScaleDown = "scale-down"
)

// ApplyScalingEvent implements §4.4.5: adjusts loadFactor on every
// ACTIVE DEPENDS_ON/SCALES_TO edge attached to ciId that carries an
// activationThreshold, via UpdateRelationshipWithHistory.
func (s *Service) ApplyScalingEvent(ctx context.Context, event ScalingEvent) (int, error) {
	query := `
		MATCH (c:CI {id: $ciId})-[r]-()
		WHERE (type(r) = 'DEPENDS_ON' OR type(r) = 'SCALES_TO')
		  AND r.status = 'ACTIVE' AND r.activationThreshold IS NOT NULL
		RETURN r.id as edgeId, coalesce(r.loadFactor, 0.0) as loadFactor,
		       coalesce(r.activationThreshold, 0.8) as threshold
	`

	records, err := s.gateway.RunRead(ctx, query, map[string]any{"ciId": event.CIID})
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, rec := range records {
		edgeID, _ := rec["edgeId"].(string)
		oldLoadFactor, _ := rec["loadFactor"].(float64)
		threshold, _ := rec["threshold"].(float64)
		if threshold == 0 {
			threshold = 0.8
		}

		var newLoadFactor float64
		apply := false
		switch event.ScalingAction {
		case ScaleUp:
			if event.CurrentLoad >= threshold*100 {
				newLoadFactor = math.Min(oldLoadFactor*1.2, 100)
				apply = true
			}
		case ScaleDown:
			if event.CurrentLoad < threshold*100 {
				newLoadFactor = math.Max(oldLoadFactor*0.8, 0)
				apply = true
			}
		}
		if !apply {
			continue
		}

		modifiedBy := "scaling-service"
		source := "auto-scaling"
		if err := s.UpdateRelationshipWithHistory(ctx, edgeID, WeightUpdate{
			LoadFactor: &newLoadFactor,
			Source:     source,
			ModifiedBy: modifiedBy,
		}); err != nil {
			return updated, err
		}
		updated++
	}

	return updated, nil
}

// ExpiringEdge is one row of the expiry scan.
type ExpiringEdge struct {
	Edge
	DaysUntilExpiry float64 `json:"daysUntilExpiry"`
}

// ExpiryScan implements §4.4.6.
func (s *Service) ExpiryScan(ctx context.Context, daysAhead int) ([]ExpiringEdge, error) {
	if daysAhead < 1 {
		daysAhead = 1
	}
	if daysAhead > 365 {
		daysAhead = 365
	}

	now := s.now()
	cutoff := now.Add(time.Duration(daysAhead) * 24 * time.Hour)

	query := `
		MATCH (a:CI)-[r]->(b:CI)
		WHERE r.status = 'ACTIVE' AND r.validTo IS NOT NULL
		  AND r.validTo > $now AND r.validTo <= $cutoff
		RETURN a.id as fromId, b.id as toId, type(r) as edgeType, properties(r) as props
		ORDER BY r.validTo ASC
	`

	records, err := s.gateway.RunRead(ctx, query, map[string]any{"now": now, "cutoff": cutoff})
	if err != nil {
		return nil, err
	}

	edges := make([]ExpiringEdge, 0, len(records))
	for _, rec := range records {
		fromID, _ := rec["fromId"].(string)
		toID, _ := rec["toId"].(string)
		etype, _ := rec["edgeType"].(string)
		edge := edgeFromProps(fromID, toID, etype, asMap(rec["props"]))
		daysUntil := 0.0
		if edge.ValidTo != nil {
			daysUntil = edge.ValidTo.Sub(now).Hours() / 24
		}
		edges = append(edges, ExpiringEdge{Edge: edge, DaysUntilExpiry: daysUntil})
	}

	sort.Slice(edges, func(i, j int) bool { return edges[i].DaysUntilExpiry < edges[j].DaysUntilExpiry })
	return edges, nil
}

func (s *Service) now() time.Time { return time.Now() }

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func sampleToMap(s WeightSample) map[string]any {
	return map[string]any{
		"timestamp":        s.Timestamp,
		"weight":           s.Weight,
		"criticalityScore": s.CriticalityScore,
		"loadFactor":       s.LoadFactor,
		"source":           s.Source,
	}
}

func edgeFromProps(from, to, relType string, props map[string]any) Edge {
	edge := Edge{From: from, To: to, Type: relType, Properties: props}
	if v, ok := props["id"].(string); ok {
		edge.ID = v
	}
	if v, ok := props["version"].(int64); ok {
		edge.Version = int(v)
	}
	if v, ok := props["previousVersion"].(int64); ok {
		edge.PreviousVersion = int(v)
	}
	if v, ok := props["status"].(string); ok {
		edge.Status = v
	}
	if v, ok := props["validFrom"].(time.Time); ok {
		edge.ValidFrom = v
	}
	if v, ok := props["validTo"].(time.Time); ok {
		edge.ValidTo = &v
	}
	if v, ok := props["createdAt"].(time.Time); ok {
		edge.CreatedAt = v
	}
	if v, ok := props["lastModified"].(time.Time); ok {
		edge.LastModified = v
	}
	if v, ok := props["createdBy"].(string); ok {
		edge.CreatedBy = v
	}
	if v, ok := props["modifiedBy"].(string); ok {
		edge.ModifiedBy = v
	}
	if v, ok := props["changeReason"].(string); ok {
		edge.ChangeReason = v
	}
	return edge
}
