package relationship

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdbgraph.io/core/cmdb"
	"cmdbgraph.io/core/errs"
	"cmdbgraph.io/core/graphgateway"
)

func TestUpsertRejectsInvalidRelationshipType(t *testing.T) {
	svc := NewService(&fakeGateway{})
	err := svc.Upsert(context.Background(), "a", "b", cmdb.RelationshipType("NOT_A_TYPE"), nil)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidRelationshipType, errs.KindOf(err))
}

func TestUpsertFailsCINotFoundWhenEndpointMissing(t *testing.T) {
	gw := &fakeGateway{writeResponses: []fakeResponse{{records: nil}}}
	svc := NewService(gw)

	err := svc.Upsert(context.Background(), "a", "missing", cmdb.DependsOn, map[string]any{"weight": 0.5})
	require.Error(t, err)
	assert.Equal(t, errs.CINotFound, errs.KindOf(err))
}

func TestUpsertSucceeds(t *testing.T) {
	gw := &fakeGateway{writeResponses: []fakeResponse{{records: []graphgateway.Record{{"r": map[string]any{"weight": 0.5}}}}}}
	svc := NewService(gw)

	err := svc.Upsert(context.Background(), "a", "b", cmdb.DependsOn, map[string]any{"weight": 0.5})
	require.NoError(t, err)
	require.Len(t, gw.writeCalls, 1)
	assert.Equal(t, "a", gw.writeCalls[0].params["fromId"])
}

func TestFetchReturnsNilWhenNoEdge(t *testing.T) {
	gw := &fakeGateway{readResponses: []fakeResponse{{records: nil}}}
	svc := NewService(gw)

	edge, err := svc.Fetch(context.Background(), "a", "b", cmdb.DependsOn)
	require.NoError(t, err)
	assert.Nil(t, edge)
}

func TestFetchReturnsWeightPropertyBag(t *testing.T) {
	now := time.Now()
	gw := &fakeGateway{readResponses: []fakeResponse{{records: []graphgateway.Record{{
		"props": map[string]any{
			"weight":           0.75,
			"criticalityScore": 0.6,
			"loadFactor":       40.0,
			"lastUpdated":      now,
		},
	}}}}}
	svc := NewService(gw)

	edge, err := svc.Fetch(context.Background(), "a", "b", cmdb.DependsOn)
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, 0.75, edge.Weight)
	assert.Equal(t, 0.6, edge.CriticalityScore)
	assert.Equal(t, 40.0, edge.LoadFactor)
	assert.Equal(t, now, edge.LastUpdated)
}

func TestShortestPathReturnsNilWhenNoPath(t *testing.T) {
	gw := &fakeGateway{readResponses: []fakeResponse{{records: nil}}}
	svc := NewService(gw)

	path, err := svc.ShortestPath(context.Background(), "a", "z", "", 0)
	require.NoError(t, err)
	assert.Nil(t, path)
}

func TestShortestPathParsesResult(t *testing.T) {
	gw := &fakeGateway{readResponses: []fakeResponse{{records: []graphgateway.Record{{
		"nodeIds":     []any{"a", "b", "c"},
		"totalWeight": 1.5,
		"hopCount":    int64(2),
	}}}}}
	svc := NewService(gw)

	path, err := svc.ShortestPath(context.Background(), "a", "c", "weight", 5)
	require.NoError(t, err)
	require.NotNil(t, path)
	assert.Equal(t, []string{"a", "b", "c"}, path.Nodes)
	assert.Equal(t, 1.5, path.TotalWeight)
	assert.Equal(t, 2, path.HopCount)
}

func TestAllPathsOrdersByWeightDescThenHopAsc(t *testing.T) {
	gw := &fakeGateway{readResponses: []fakeResponse{{records: []graphgateway.Record{
		{"nodeIds": []any{"a", "x"}, "totalWeight": 1.0, "hopCount": int64(3)},
		{"nodeIds": []any{"a", "y"}, "totalWeight": 2.0, "hopCount": int64(1)},
		{"nodeIds": []any{"a", "z"}, "totalWeight": 2.0, "hopCount": int64(2)},
	}}}}
	svc := NewService(gw)

	paths, err := svc.AllPaths(context.Background(), "a", "end", 10, 5)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, []string{"a", "y"}, paths[0].Nodes)
	assert.Equal(t, []string{"a", "z"}, paths[1].Nodes)
	assert.Equal(t, []string{"a", "x"}, paths[2].Nodes)
}

func TestAllPathsRespectsLimit(t *testing.T) {
	gw := &fakeGateway{readResponses: []fakeResponse{{records: []graphgateway.Record{
		{"nodeIds": []any{"a", "x"}, "totalWeight": 1.0, "hopCount": int64(1)},
		{"nodeIds": []any{"a", "y"}, "totalWeight": 2.0, "hopCount": int64(1)},
	}}}}
	svc := NewService(gw)

	paths, err := svc.AllPaths(context.Background(), "a", "end", 1, 5)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, []string{"a", "y"}, paths[0].Nodes)
}

func TestCriticalityRankingParsesRows(t *testing.T) {
	gw := &fakeGateway{readResponses: []fakeResponse{{records: []graphgateway.Record{
		{"ciId": "ci-1", "score": 3.2},
		{"ciId": "ci-2", "score": 1.1},
	}}}}
	svc := NewService(gw)

	ranks, err := svc.CriticalityRanking(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, ranks, 2)
	assert.Equal(t, "ci-1", ranks[0].CIID)
	assert.Equal(t, 3.2, ranks[0].Score)
}

func TestAutoCalculateWeightsUpdatesEachCandidateEdge(t *testing.T) {
	gw := &fakeGateway{
		readResponses: []fakeResponse{{records: []graphgateway.Record{
			{
				"fromId":            "a",
				"toId":              "b",
				"sourceCriticality": "CRITICAL",
				"targetCriticality": "HIGH",
				"loadFactor":        30.0,
				"latencyMs":         50.0,
				"redundancyLevel":   2.0,
			},
		}}},
		writeResponses: []fakeResponse{{}},
	}
	svc := NewService(gw)

	updated, err := svc.AutoCalculateWeights(context.Background(), cmdb.DependsOn)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	require.Len(t, gw.writeCalls, 1)
	assert.Equal(t, "a", gw.writeCalls[0].params["fromId"])
	assert.InDelta(t, 0.4625, gw.writeCalls[0].params["criticalityScore"].(float64), 0.01)
}

func TestAutoCalculateWeightsRejectsInvalidType(t *testing.T) {
	svc := NewService(&fakeGateway{})
	_, err := svc.AutoCalculateWeights(context.Background(), cmdb.RelationshipType("NOPE"))
	require.Error(t, err)
	assert.Equal(t, errs.InvalidRelationshipType, errs.KindOf(err))
}
