package temporal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdbgraph.io/core/errs"
	"cmdbgraph.io/core/graphgateway"
)

func TestVersionedCreateFirstVersionHasPrevZero(t *testing.T) {
	gw := &fakeGateway{writeResponses: []fakeResponse{
		{records: nil}, // no active edge to archive
		{records: []graphgateway.Record{{"r": map[string]any{
			"version": int64(1), "previousVersion": int64(0), "status": "ACTIVE",
		}}}},
	}}
	svc := NewService(gw)

	edge, err := svc.VersionedCreate(context.Background(), CreateInput{
		From: "a", To: "b", Type: "DEPENDS_ON", CreatedBy: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, edge.Version)
	assert.Equal(t, 0, edge.PreviousVersion)
	require.Len(t, gw.writeCalls, 2)
}

func TestVersionedCreateArchivesPriorActiveAndIncrementsVersion(t *testing.T) {
	gw := &fakeGateway{writeResponses: []fakeResponse{
		{records: []graphgateway.Record{{"version": int64(3)}}},
		{records: []graphgateway.Record{{"r": map[string]any{
			"version": int64(4), "previousVersion": int64(3), "status": "ACTIVE",
		}}}},
	}}
	svc := NewService(gw)

	edge, err := svc.VersionedCreate(context.Background(), CreateInput{
		From: "a", To: "b", Type: "DEPENDS_ON", CreatedBy: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, edge.Version)
	assert.Equal(t, 3, edge.PreviousVersion)

	assert.Equal(t, int64(4), gw.writeCalls[1].params["version"])
	assert.Equal(t, int64(3), gw.writeCalls[1].params["prevVersion"])
}

func TestVersionedCreateFailsCINotFoundWhenEndpointMissing(t *testing.T) {
	gw := &fakeGateway{writeResponses: []fakeResponse{
		{records: nil},
		{records: nil},
	}}
	svc := NewService(gw)

	_, err := svc.VersionedCreate(context.Background(), CreateInput{From: "a", To: "missing", Type: "DEPENDS_ON"})
	require.Error(t, err)
	assert.Equal(t, errs.CINotFound, errs.KindOf(err))
}

func TestHistorySortsByVersionDescending(t *testing.T) {
	gw := &fakeGateway{readResponses: []fakeResponse{{records: []graphgateway.Record{
		{"props": map[string]any{"version": int64(1), "status": "ARCHIVED"}},
		{"props": map[string]any{"version": int64(3), "status": "ACTIVE"}},
		{"props": map[string]any{"version": int64(2), "status": "ARCHIVED"}},
	}}}}
	svc := NewService(gw)

	history, err := svc.History(context.Background(), "a", "b", "DEPENDS_ON")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 3, history[0].Version)
	assert.Equal(t, 2, history[1].Version)
	assert.Equal(t, 1, history[2].Version)
}

func TestUpdateRelationshipWithHistoryFailsRelationshipNotFound(t *testing.T) {
	gw := &fakeGateway{writeResponses: []fakeResponse{{records: nil}}}
	svc := NewService(gw)

	weight := 0.7
	err := svc.UpdateRelationshipWithHistory(context.Background(), "edge-1", WeightUpdate{Weight: &weight})
	require.Error(t, err)
	assert.Equal(t, errs.RelationshipNotFound, errs.KindOf(err))
}

func TestUpdateRelationshipWithHistorySucceeds(t *testing.T) {
	gw := &fakeGateway{writeResponses: []fakeResponse{{records: []graphgateway.Record{{"r": map[string]any{}}}}}}
	svc := NewService(gw)

	weight := 0.7
	err := svc.UpdateRelationshipWithHistory(context.Background(), "edge-1", WeightUpdate{
		Weight: &weight, Source: "manual", ModifiedBy: "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", gw.writeCalls[0].params["modifiedBy"])
}

func TestGetWeightTrendNotFoundWhenNoHistory(t *testing.T) {
	gw := &fakeGateway{readResponses: []fakeResponse{{records: nil}}}
	svc := NewService(gw)

	trend, err := svc.GetWeightTrend(context.Background(), "a", "b", "DEPENDS_ON")
	require.NoError(t, err)
	assert.False(t, trend.Found)
}

func TestGetWeightTrendComputesStatsAndIncreasingTrend(t *testing.T) {
	gw := &fakeGateway{readResponses: []fakeResponse{{records: []graphgateway.Record{{
		"history": []any{
			map[string]any{"weight": 0.2},
			map[string]any{"weight": 0.4},
			map[string]any{"weight": 0.6},
		},
	}}}}}
	svc := NewService(gw)

	trend, err := svc.GetWeightTrend(context.Background(), "a", "b", "DEPENDS_ON")
	require.NoError(t, err)
	require.True(t, trend.Found)
	assert.Equal(t, 3, trend.DataPoints)
	assert.InDelta(t, 0.4, trend.Average, 0.001)
	assert.Equal(t, 0.2, trend.Minimum)
	assert.Equal(t, 0.6, trend.Maximum)
	assert.Equal(t, "increasing", trend.Trend)
}

func TestGetWeightTrendDecreasingOverLastFiveSamples(t *testing.T) {
	gw := &fakeGateway{readResponses: []fakeResponse{{records: []graphgateway.Record{{
		"history": []any{
			map[string]any{"weight": 0.9}, // outside the last-5 window, ignored
			map[string]any{"weight": 0.8},
			map[string]any{"weight": 0.6},
			map[string]any{"weight": 0.4},
			map[string]any{"weight": 0.3},
			map[string]any{"weight": 0.2},
		},
	}}}}}
	svc := NewService(gw)

	trend, err := svc.GetWeightTrend(context.Background(), "a", "b", "DEPENDS_ON")
	require.NoError(t, err)
	assert.Equal(t, "decreasing", trend.Trend)
}

func TestApplyScalingEventScalesUpWhenOverThreshold(t *testing.T) {
	gw := &fakeGateway{
		readResponses: []fakeResponse{{records: []graphgateway.Record{{
			"edgeId": "e1", "loadFactor": 50.0, "threshold": 0.8,
		}}}},
		writeResponses: []fakeResponse{{records: []graphgateway.Record{{"r": map[string]any{}}}}},
	}
	svc := NewService(gw)

	updated, err := svc.ApplyScalingEvent(context.Background(), ScalingEvent{
		CIID: "ci-1", CurrentLoad: 90, ScalingAction: ScaleUp,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	sample := gw.writeCalls[0].params["sample"].(map[string]any)
	newLoadFactor := *(sample["loadFactor"].(*float64))
	assert.InDelta(t, 60.0, newLoadFactor, 0.001)
	assert.Equal(t, "scaling-service", gw.writeCalls[0].params["modifiedBy"])
}

func TestApplyScalingEventSkipsEdgeBelowThresholdOnScaleUp(t *testing.T) {
	gw := &fakeGateway{
		readResponses: []fakeResponse{{records: []graphgateway.Record{{
			"edgeId": "e1", "loadFactor": 50.0, "threshold": 0.8,
		}}}},
	}
	svc := NewService(gw)

	updated, err := svc.ApplyScalingEvent(context.Background(), ScalingEvent{
		CIID: "ci-1", CurrentLoad: 10, ScalingAction: ScaleUp,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, updated)
	assert.Empty(t, gw.writeCalls)
}

func TestApplyScalingEventScalesDownWhenUnderThreshold(t *testing.T) {
	gw := &fakeGateway{
		readResponses: []fakeResponse{{records: []graphgateway.Record{{
			"edgeId": "e1", "loadFactor": 50.0, "threshold": 0.8,
		}}}},
		writeResponses: []fakeResponse{{records: []graphgateway.Record{{"r": map[string]any{}}}}},
	}
	svc := NewService(gw)

	updated, err := svc.ApplyScalingEvent(context.Background(), ScalingEvent{
		CIID: "ci-1", CurrentLoad: 10, ScalingAction: ScaleDown,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	sample := gw.writeCalls[0].params["sample"].(map[string]any)
	newLoadFactor := *(sample["loadFactor"].(*float64))
	assert.InDelta(t, 40.0, newLoadFactor, 0.001)
}

func TestExpiryScanClampsDaysAheadAndSortsAscending(t *testing.T) {
	later := time.Now().Add(10 * 24 * time.Hour)
	sooner := time.Now().Add(2 * 24 * time.Hour)
	gw := &fakeGateway{readResponses: []fakeResponse{{records: []graphgateway.Record{
		{"fromId": "a", "toId": "b", "edgeType": "DEPENDS_ON", "props": map[string]any{"validTo": later}},
		{"fromId": "c", "toId": "d", "edgeType": "DEPENDS_ON", "props": map[string]any{"validTo": sooner}},
	}}}}
	svc := NewService(gw)

	edges, err := svc.ExpiryScan(context.Background(), 400) // should clamp to 365
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, "c", edges[0].From)
	assert.Equal(t, "a", edges[1].From)
	assert.True(t, edges[0].DaysUntilExpiry < edges[1].DaysUntilExpiry)
}
