package conditional

import (
	"context"
	"fmt"
	"time"

	"cmdbgraph.io/core/graphgateway"
)

// GatewayStore implements Store over a graphgateway.Gateway.
type GatewayStore struct {
	gateway graphgateway.Gateway
}

// NewGatewayStore wires a GatewayStore to gateway.
func NewGatewayStore(gateway graphgateway.Gateway) *GatewayStore {
	return &GatewayStore{gateway: gateway}
}

func (s *GatewayStore) LoadConditionalEdges(ctx context.Context) ([]Edge, error) {
	query := `
		MATCH (a:CI)-[r]->(b:CI)
		WHERE r.conditionType IS NOT NULL
		RETURN r.id as edgeId, type(r) as edgeType, r.conditionType as conditionType,
		       properties(r) as props, a.id as sourceId, a.status as sourceStatus,
		       coalesce(a.currentLoad, 0.0) as sourceLoad,
		       b.id as targetId, b.status as targetStatus
	`

	records, err := s.gateway.RunRead(ctx, query, nil)
	if err != nil {
		return nil, err
	}

	edges := make([]Edge, 0, len(records))
	for _, rec := range records {
		edges = append(edges, edgeFromRecord(rec))
	}
	return edges, nil
}

func (s *GatewayStore) Transition(ctx context.Context, edgeID string, newState State, reason string, now time.Time) error {
	var query string
	params := map[string]any{"edgeId": edgeID, "reason": reason, "now": now}

	if newState == StateActive {
		query = `
			MATCH ()-[r]->() WHERE r.id = $edgeId
			SET r.state = $state, r.activationCount = coalesce(r.activationCount, 0) + 1,
			    r.lastActivated = $now, r.activationReason = $reason
		`
	} else {
		query = `
			MATCH ()-[r]->() WHERE r.id = $edgeId
			SET r.state = $state, r.lastDeactivated = $now, r.deactivationReason = $reason
		`
	}
	params["state"] = string(newState)

	_, err := s.gateway.RunWrite(ctx, query, params)
	return err
}

func (s *GatewayStore) FailoverCandidates(ctx context.Context, primaryCIID string) ([]Edge, error) {
	query := `
		MATCH (a:CI {id: $ciId})-[r:FAILS_OVER_TO]->(b:CI)
		WHERE coalesce(r.state, 'INACTIVE') <> 'ACTIVE' AND b.status = 'OPERATIONAL'
		RETURN r.id as edgeId, type(r) as edgeType, r.conditionType as conditionType,
		       properties(r) as props, a.id as sourceId, a.status as sourceStatus,
		       coalesce(a.currentLoad, 0.0) as sourceLoad,
		       b.id as targetId, b.status as targetStatus
	`
	records, err := s.gateway.RunRead(ctx, query, map[string]any{"ciId": primaryCIID})
	if err != nil {
		return nil, err
	}

	edges := make([]Edge, 0, len(records))
	for _, rec := range records {
		edges = append(edges, edgeFromRecord(rec))
	}
	return edges, nil
}

func (s *GatewayStore) DependentApplications(ctx context.Context, primaryCIID string, maxHops int) ([]string, error) {
	query := fmt.Sprintf(`
		MATCH (a:CI {id: $ciId})<-[*1..%d]-(app:CI {type: 'APPLICATION'})
		RETURN DISTINCT app.id as appId
	`, maxHops)
	records, err := s.gateway.RunRead(ctx, query, map[string]any{"ciId": primaryCIID})
	if err != nil {
		return nil, err
	}

	apps := make([]string, 0, len(records))
	for _, rec := range records {
		if id, ok := rec["appId"].(string); ok {
			apps = append(apps, id)
		}
	}
	return apps, nil
}

// LoadEdge returns the single conditional edge identified by edgeID, or
// nil if it doesn't exist (or carries no conditionType).
func (s *GatewayStore) LoadEdge(ctx context.Context, edgeID string) (*Edge, error) {
	query := `
		MATCH (a:CI)-[r]->(b:CI)
		WHERE r.id = $edgeId AND r.conditionType IS NOT NULL
		RETURN r.id as edgeId, type(r) as edgeType, r.conditionType as conditionType,
		       properties(r) as props, a.id as sourceId, a.status as sourceStatus,
		       coalesce(a.currentLoad, 0.0) as sourceLoad,
		       b.id as targetId, b.status as targetStatus
	`
	records, err := s.gateway.RunRead(ctx, query, map[string]any{"edgeId": edgeID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	edge := edgeFromRecord(records[0])
	return &edge, nil
}

func (s *GatewayStore) EdgesTouching(ctx context.Context, ciID string) ([]Edge, error) {
	query := `
		MATCH (a:CI)-[r]->(b:CI)
		WHERE r.conditionType IS NOT NULL AND (a.id = $ciId OR b.id = $ciId)
		RETURN r.id as edgeId, type(r) as edgeType, r.conditionType as conditionType,
		       properties(r) as props, a.id as sourceId, a.status as sourceStatus,
		       coalesce(a.currentLoad, 0.0) as sourceLoad,
		       b.id as targetId, b.status as targetStatus
	`
	records, err := s.gateway.RunRead(ctx, query, map[string]any{"ciId": ciID})
	if err != nil {
		return nil, err
	}

	edges := make([]Edge, 0, len(records))
	for _, rec := range records {
		edges = append(edges, edgeFromRecord(rec))
	}
	return edges, nil
}

func edgeFromRecord(rec graphgateway.Record) Edge {
	edgeID, _ := rec["edgeId"].(string)
	edgeType, _ := rec["edgeType"].(string)
	conditionType, _ := rec["conditionType"].(string)
	props, _ := rec["props"].(map[string]any)
	sourceID, _ := rec["sourceId"].(string)
	sourceStatus, _ := rec["sourceStatus"].(string)
	sourceLoad, _ := rec["sourceLoad"].(float64)
	targetID, _ := rec["targetId"].(string)
	targetStatus, _ := rec["targetStatus"].(string)

	edge := Edge{
		ID:            edgeID,
		Type:          edgeType,
		ConditionType: ConditionType(conditionType),
		Condition:     props,
		Source:        CI{ID: sourceID, Status: sourceStatus, CurrentLoad: sourceLoad},
		Target:        CI{ID: targetID, Status: targetStatus},
	}

	if v, ok := props["state"].(string); ok {
		edge.State = State(v)
	} else {
		edge.State = StateInactive
	}
	if v, ok := props["activationCount"].(int64); ok {
		edge.ActivationCount = int(v)
	}
	if v, ok := props["lastActivated"].(time.Time); ok {
		edge.LastActivated = &v
	}
	if v, ok := props["lastDeactivated"].(time.Time); ok {
		edge.LastDeactivated = &v
	}
	if v, ok := props["priority"].(int64); ok {
		edge.Priority = int(v)
	}
	if v, ok := props["rpo"].(string); ok {
		edge.RPO = v
	}
	if v, ok := props["rto"].(string); ok {
		edge.RTO = v
	}
	if v, ok := props["automaticFailover"].(bool); ok {
		edge.AutomaticFailover = v
	}
	if v, ok := props["activationReason"].(string); ok {
		edge.ActivationReason = v
	}
	if v, ok := props["deactivationReason"].(string); ok {
		edge.DeactivationReason = v
	}

	return edge
}
