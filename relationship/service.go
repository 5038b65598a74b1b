// Package relationship implements the Weighted Relationship Service
// (C3): creating and fetching weighted edges, weighted shortest/all
// paths, criticality ranking, and auto-calculation of weights from
// endpoint criticality.
package relationship

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cmdbgraph.io/core/cmdb"
	"cmdbgraph.io/core/errs"
	"cmdbgraph.io/core/graphgateway"
	"cmdbgraph.io/core/weight"
)

// Service implements C3 over a graphgateway.Gateway.
type Service struct {
	gateway graphgateway.Gateway
}

// NewService wires a Service to gateway.
func NewService(gateway graphgateway.Gateway) *Service {
	return &Service{gateway: gateway}
}

// Edge is the weight property bag for a specific (from, to, type) triple.
type Edge struct {
	From             string  `json:"from"`
	To               string  `json:"to"`
	Type             string  `json:"type"`
	Weight           float64 `json:"weight"`
	CriticalityScore float64 `json:"criticalityScore"`
	LoadFactor       float64 `json:"loadFactor"`
	LatencyMs        float64 `json:"latencyMs"`
	RedundancyLevel  float64 `json:"redundancyLevel"`
	BandwidthMbps    float64 `json:"bandwidthMbps,omitempty"`
	CostPerHour      float64 `json:"costPerHour,omitempty"`
	Confidence       float64 `json:"confidence"`
	Source           string  `json:"source"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// Upsert merges an edge of type between fromID and toID, setting every
// weight-related property from props plus lastUpdated. Fails with
// CINotFound if either endpoint is missing.
func (s *Service) Upsert(ctx context.Context, fromID, toID string, relType cmdb.RelationshipType, props map[string]any) error {
	if !cmdb.IsValidRelationshipType(string(relType)) {
		return errs.New(errs.InvalidRelationshipType, string(relType))
	}

	query := fmt.Sprintf(`
		MATCH (a:CI {id: $fromId}), (b:CI {id: $toId})
		MERGE (a)-[r:%s]->(b)
		SET r += $props, r.lastUpdated = datetime()
		RETURN r
	`, relType)

	params := map[string]any{
		"fromId": fromID,
		"toId":   toID,
		"props":  props,
	}

	records, err := s.gateway.RunWrite(ctx, query, params)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errs.New(errs.CINotFound, fmt.Sprintf("%s or %s not found", fromID, toID))
	}
	return nil
}

// Fetch returns the weight property bag for (from, to, type), or nil if
// no such edge exists.
func (s *Service) Fetch(ctx context.Context, fromID, toID string, relType cmdb.RelationshipType) (*Edge, error) {
	if !cmdb.IsValidRelationshipType(string(relType)) {
		return nil, errs.New(errs.InvalidRelationshipType, string(relType))
	}

	query := fmt.Sprintf(`
		MATCH (a:CI {id: $fromId})-[r:%s]->(b:CI {id: $toId})
		RETURN properties(r) as props
	`, relType)

	records, err := s.gateway.RunRead(ctx, query, map[string]any{"fromId": fromID, "toId": toID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	props, _ := records[0]["props"].(map[string]any)
	return edgeFromProps(fromID, toID, string(relType), props), nil
}

// PathResult is one weighted path between two CIs.
type PathResult struct {
	Nodes       []string `json:"nodes"`
	TotalWeight float64  `json:"totalWeight"`
	HopCount    int      `json:"hopCount"`
}

// ShortestPath returns one shortest path by hop count from start to end
// along any relationship type, plus the sum of weightProperty along its
// edges. Bounded by maxDepth (default 10).
func (s *Service) ShortestPath(ctx context.Context, start, end string, weightProperty string, maxDepth int) (*PathResult, error) {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	if weightProperty == "" {
		weightProperty = "weight"
	}

	query := fmt.Sprintf(`
		MATCH path = shortestPath((a:CI {id: $start})-[*..%d]->(b:CI {id: $end}))
		RETURN [n in nodes(path) | n.id] as nodeIds,
		       reduce(total = 0.0, r in relationships(path) | total + coalesce(r.%s, 0.0)) as totalWeight,
		       length(path) as hopCount
	`, maxDepth, weightProperty)

	records, err := s.gateway.RunRead(ctx, query, map[string]any{"start": start, "end": end})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	return pathResultFromRecord(records[0]), nil
}

// AllPaths returns up to limit paths up to maxDepth edges between start
// and end, following only allow-listed edge types, ordered by
// descending total weight then ascending hop count.
func (s *Service) AllPaths(ctx context.Context, start, end string, limit, maxDepth int) ([]PathResult, error) {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	if limit <= 0 {
		limit = 10
	}

	allowed := make([]string, 0, len(cmdb.TraversalAllowlist))
	for t := range cmdb.TraversalAllowlist {
		allowed = append(allowed, string(t))
	}

	query := fmt.Sprintf(`
		MATCH path = (a:CI {id: $start})-[:%s*1..%d]->(b:CI {id: $end})
		RETURN [n in nodes(path) | n.id] as nodeIds,
		       reduce(total = 0.0, r in relationships(path) | total + coalesce(r.weight, 0.0)) as totalWeight,
		       length(path) as hopCount
	`, joinOr(allowed), maxDepth)

	records, err := s.gateway.RunRead(ctx, query, map[string]any{"start": start, "end": end})
	if err != nil {
		return nil, err
	}

	results := make([]PathResult, 0, len(records))
	for _, rec := range records {
		results = append(results, *pathResultFromRecord(rec))
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].TotalWeight != results[j].TotalWeight {
			return results[i].TotalWeight > results[j].TotalWeight
		}
		return results[i].HopCount < results[j].HopCount
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// CriticalityRank is one row of the criticality ranking.
type CriticalityRank struct {
	CIID  string  `json:"ciId"`
	Score float64 `json:"score"`
}

// CriticalityRanking scores each CI as
// inboundCount·avgInboundWeight·0.6 + outboundCount·avgOutboundWeight·0.4
// and returns the top N by descending score.
func (s *Service) CriticalityRanking(ctx context.Context, topN int) ([]CriticalityRank, error) {
	if topN <= 0 {
		topN = 10
	}

	query := `
		MATCH (c:CI)
		OPTIONAL MATCH (c)<-[in]-()
		WITH c, count(in) as inboundCount, avg(coalesce(in.weight, 0.0)) as avgInboundWeight
		OPTIONAL MATCH (c)-[out]->()
		WITH c, inboundCount, coalesce(avgInboundWeight, 0.0) as avgInboundWeight,
		     count(out) as outboundCount, avg(coalesce(out.weight, 0.0)) as avgOutboundWeight
		WITH c, inboundCount * avgInboundWeight * 0.6 +
		        outboundCount * coalesce(avgOutboundWeight, 0.0) * 0.4 as score
		RETURN c.id as ciId, score
		ORDER BY score DESC
		LIMIT $topN
	`

	records, err := s.gateway.RunRead(ctx, query, map[string]any{"topN": int64(topN)})
	if err != nil {
		return nil, err
	}

	ranks := make([]CriticalityRank, 0, len(records))
	for _, rec := range records {
		ciID, _ := rec["ciId"].(string)
		score, _ := rec["score"].(float64)
		ranks = append(ranks, CriticalityRank{CIID: ciID, Score: score})
	}
	return ranks, nil
}

// AutoCalculateWeights recomputes criticalityScore and weight from
// endpoint criticality for any edge of relType where weight is null or
// source='automated', setting source='automated', confidence=0.8, and
// lastUpdated=now.
func (s *Service) AutoCalculateWeights(ctx context.Context, relType cmdb.RelationshipType) (int, error) {
	if !cmdb.IsValidRelationshipType(string(relType)) {
		return 0, errs.New(errs.InvalidRelationshipType, string(relType))
	}

	selectQuery := fmt.Sprintf(`
		MATCH (a:CI)-[r:%s]->(b:CI)
		WHERE r.weight IS NULL OR r.source = 'automated'
		RETURN a.id as fromId, b.id as toId, a.criticality as sourceCriticality,
		       b.criticality as targetCriticality, coalesce(r.loadFactor, 0.0) as loadFactor,
		       coalesce(r.latencyMs, 0.0) as latencyMs, coalesce(r.redundancyLevel, 1.0) as redundancyLevel
	`, relType)

	records, err := s.gateway.RunRead(ctx, selectQuery, nil)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, rec := range records {
		fromID, _ := rec["fromId"].(string)
		toID, _ := rec["toId"].(string)
		sourceCrit, _ := rec["sourceCriticality"].(string)
		targetCrit, _ := rec["targetCriticality"].(string)
		loadFactor, _ := rec["loadFactor"].(float64)
		latencyMs, _ := rec["latencyMs"].(float64)
		redundancy, _ := rec["redundancyLevel"].(float64)

		criticalityScore := weight.CalculateCriticalityScore(weight.CriticalityScoreInput{
			SourceCriticality: weight.CriticalityToScore(sourceCrit),
			TargetCriticality: weight.CriticalityToScore(targetCrit),
			BusinessImpact:    0.5,
			RedundancyLevel:   redundancy,
		})
		overallWeight := weight.CalculateOverallWeight(weight.OverallWeightInput{
			CriticalityScore: criticalityScore,
			LoadFactor:       loadFactor,
			LatencyMs:        latencyMs,
			MaxLatencyMs:     500,
			RedundancyLevel:  redundancy,
		})

		updateQuery := fmt.Sprintf(`
			MATCH (a:CI {id: $fromId})-[r:%s]->(b:CI {id: $toId})
			SET r.criticalityScore = $criticalityScore, r.weight = $weight,
			    r.source = 'automated', r.confidence = 0.8, r.lastUpdated = datetime()
		`, relType)

		if _, err := s.gateway.RunWrite(ctx, updateQuery, map[string]any{
			"fromId":           fromID,
			"toId":             toID,
			"criticalityScore": criticalityScore,
			"weight":           overallWeight,
		}); err != nil {
			return updated, err
		}
		updated++
	}

	return updated, nil
}

func edgeFromProps(fromID, toID, relType string, props map[string]any) *Edge {
	edge := &Edge{From: fromID, To: toID, Type: relType}
	if v, ok := props["weight"].(float64); ok {
		edge.Weight = v
	}
	if v, ok := props["criticalityScore"].(float64); ok {
		edge.CriticalityScore = v
	}
	if v, ok := props["loadFactor"].(float64); ok {
		edge.LoadFactor = v
	}
	if v, ok := props["latencyMs"].(float64); ok {
		edge.LatencyMs = v
	}
	if v, ok := props["redundancyLevel"].(float64); ok {
		edge.RedundancyLevel = v
	}
	if v, ok := props["bandwidthMbps"].(float64); ok {
		edge.BandwidthMbps = v
	}
	if v, ok := props["costPerHour"].(float64); ok {
		edge.CostPerHour = v
	}
	if v, ok := props["confidence"].(float64); ok {
		edge.Confidence = v
	}
	if v, ok := props["source"].(string); ok {
		edge.Source = v
	}
	if v, ok := props["lastUpdated"].(time.Time); ok {
		edge.LastUpdated = v
	}
	return edge
}

func pathResultFromRecord(rec graphgateway.Record) *PathResult {
	result := &PathResult{}
	if nodeIDs, ok := rec["nodeIds"].([]any); ok {
		for _, n := range nodeIDs {
			if s, ok := n.(string); ok {
				result.Nodes = append(result.Nodes, s)
			}
		}
	}
	if tw, ok := rec["totalWeight"].(float64); ok {
		result.TotalWeight = tw
	}
	if hc, ok := rec["hopCount"].(int64); ok {
		result.HopCount = int(hc)
	}
	return result
}

func joinOr(types []string) string {
	out := ""
	for i, t := range types {
		if i > 0 {
			out += "|"
		}
		out += t
	}
	return out
}
