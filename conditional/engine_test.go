package conditional

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu              sync.Mutex
	edges           []Edge
	transitions     []transitionCall
	failoverTargets []Edge
	dependentApps   []string
	edgesTouching   []Edge
}

type transitionCall struct {
	edgeID   string
	newState State
	reason   string
}

func (s *fakeStore) LoadConditionalEdges(ctx context.Context) ([]Edge, error) {
	return s.edges, nil
}

func (s *fakeStore) Transition(ctx context.Context, edgeID string, newState State, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, transitionCall{edgeID, newState, reason})
	return nil
}

func (s *fakeStore) FailoverCandidates(ctx context.Context, primaryCIID string) ([]Edge, error) {
	return s.failoverTargets, nil
}

func (s *fakeStore) DependentApplications(ctx context.Context, primaryCIID string, maxHops int) ([]string, error) {
	return s.dependentApps, nil
}

func (s *fakeStore) EdgesTouching(ctx context.Context, ciID string) ([]Edge, error) {
	return s.edgesTouching, nil
}

func (s *fakeStore) LoadEdge(ctx context.Context, edgeID string) (*Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, edge := range s.edges {
		if edge.ID == edgeID {
			e := edge
			return &e, nil
		}
	}
	return nil, nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []Event
}

func (b *fakeBus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func TestHealthBasedHandlerActivatesOnFailure(t *testing.T) {
	edge := Edge{
		State:         StateInactive,
		ConditionType: ConditionHealthBased,
		Condition:     map[string]any{"primaryHealth": "FAILED"},
		Source:        CI{ID: "primary", Status: "FAILED"},
		Target:        CI{ID: "standby", Status: StatusOperational},
	}
	decision := healthBasedHandler(edge, time.Now())
	assert.True(t, decision.Activate)
	assert.Equal(t, "Health-based failover: FAILED", decision.Reason)
}

func TestHealthBasedHandlerDeactivatesOnRecovery(t *testing.T) {
	edge := Edge{
		State:         StateActive,
		ConditionType: ConditionHealthBased,
		Condition:     map[string]any{"primaryHealth": "FAILED"},
		Source:        CI{ID: "primary", Status: StatusOperational},
		Target:        CI{ID: "standby", Status: StatusOperational},
	}
	decision := healthBasedHandler(edge, time.Now())
	assert.True(t, decision.Deactivate)
	assert.Equal(t, "Primary recovered", decision.Reason)
}

func TestLoadBasedHandlerActivatesAboveThreshold(t *testing.T) {
	edge := Edge{
		State:     StateInactive,
		Condition: map[string]any{"threshold": 80.0, "cooldownPeriod": 60.0},
		Source:    CI{CurrentLoad: 85},
	}
	decision := loadBasedHandler(edge, time.Now())
	assert.True(t, decision.Activate)
}

func TestLoadBasedHandlerRespectsHysteresisBand(t *testing.T) {
	edge := Edge{
		State:     StateActive,
		Condition: map[string]any{"threshold": 80.0},
		Source:    CI{CurrentLoad: 70}, // between 0.8*80=64 and 80: stays active
	}
	decision := loadBasedHandler(edge, time.Now())
	assert.False(t, decision.Deactivate)
}

func TestLoadBasedHandlerDeactivatesBelowHysteresisFloor(t *testing.T) {
	edge := Edge{
		State:     StateActive,
		Condition: map[string]any{"threshold": 80.0},
		Source:    CI{CurrentLoad: 50}, // below 0.8*80=64
	}
	decision := loadBasedHandler(edge, time.Now())
	assert.True(t, decision.Deactivate)
}

func TestLoadBasedHandlerBlocksActivationDuringCooldown(t *testing.T) {
	recentlyDeactivated := time.Now().Add(-10 * time.Second)
	edge := Edge{
		State:           StateInactive,
		Condition:       map[string]any{"threshold": 80.0, "cooldownPeriod": 60.0},
		Source:          CI{CurrentLoad: 90},
		LastDeactivated: &recentlyDeactivated,
	}
	decision := loadBasedHandler(edge, time.Now())
	assert.False(t, decision.Activate)
}

func TestScheduledHandlerActivatesAtNextActivation(t *testing.T) {
	now := time.Now()
	edge := Edge{
		State:     StateInactive,
		Condition: map[string]any{"nextActivation": now.Add(-time.Minute)},
	}
	decision := scheduledHandler(edge, now)
	assert.True(t, decision.Activate)
}

func TestScheduledHandlerDeactivatesAfterDuration(t *testing.T) {
	now := time.Now()
	activated := now.Add(-2 * time.Hour)
	edge := Edge{
		State:         StateActive,
		Condition:     map[string]any{"duration": 3600.0},
		LastActivated: &activated,
	}
	decision := scheduledHandler(edge, now)
	assert.True(t, decision.Deactivate)
	assert.Equal(t, "Scheduled duration expired", decision.Reason)
}

func TestManualHandlerNeverTransitions(t *testing.T) {
	edge := Edge{State: StateInactive, ConditionType: ConditionManual}
	decision := manualHandler(edge, time.Now())
	assert.False(t, decision.Activate)
	assert.False(t, decision.Deactivate)
}

func TestEvaluateOnceAggregatesStats(t *testing.T) {
	store := &fakeStore{edges: []Edge{
		{ID: "e1", State: StateInactive, ConditionType: ConditionHealthBased,
			Condition: map[string]any{"primaryHealth": "FAILED"},
			Source:    CI{Status: "FAILED"}, Target: CI{Status: StatusOperational}},
		{ID: "e2", State: StateInactive, ConditionType: ConditionManual},
	}}
	bus := &fakeBus{}
	engine := NewEngine(store, bus, 0)

	stats, err := engine.EvaluateOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Activated)
	assert.Equal(t, 1, stats.Unchanged)
	require.Len(t, store.transitions, 1)
	assert.Equal(t, StateActive, store.transitions[0].newState)
}

func TestStartTwiceIsANoOp(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	engine := NewEngine(store, bus, 50)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)
	engine.Start(ctx) // should log a warning and not panic or double-run

	engine.Stop()
}

func TestPlanOrdersTargetsByPriorityAscending(t *testing.T) {
	store := &fakeStore{
		failoverTargets: []Edge{
			{ID: "e2", Target: CI{ID: "dc2"}, Priority: 2},
			{ID: "e1", Target: CI{ID: "dc1"}, Priority: 1},
		},
		dependentApps: []string{"app-1"},
	}
	engine := NewEngine(store, &fakeBus{}, 0)

	plan, err := engine.Plan(context.Background(), "primary")
	require.NoError(t, err)
	require.Len(t, plan.Targets, 2)
	assert.Equal(t, "dc1", plan.Targets[0].TargetID)
	assert.Equal(t, "dc2", plan.Targets[1].TargetID)
	assert.Equal(t, []string{"app-1"}, plan.ImpactedApplications)
}

func TestSimulateAppliesHandlerLogicWithoutPersisting(t *testing.T) {
	store := &fakeStore{
		edgesTouching: []Edge{{
			ID: "e1", State: StateInactive, ConditionType: ConditionHealthBased,
			Condition: map[string]any{"primaryHealth": "FAILED"},
			Source:    CI{ID: "primary", Status: StatusOperational},
			Target:    CI{ID: "standby", Status: StatusOperational},
		}},
	}
	engine := NewEngine(store, &fakeBus{}, 0)

	result, err := engine.Simulate(context.Background(), "primary", map[string]any{"status": "FAILED"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, result.ActivatedRelationships)
	assert.Empty(t, store.transitions, "simulation must not persist any transition")
	assert.Equal(t, 1, result.CascadeDepth)
	assert.ElementsMatch(t, []string{"primary", "standby"}, result.AffectedCIs)
}

func TestActivateMovesManualEdgeToActive(t *testing.T) {
	store := &fakeStore{edges: []Edge{
		{ID: "e1", State: StateInactive, ConditionType: ConditionManual,
			Source: CI{ID: "primary"}, Target: CI{ID: "standby"}},
	}}
	bus := &fakeBus{}
	engine := NewEngine(store, bus, 0)

	err := engine.Activate(context.Background(), "e1", "operator failover")
	require.NoError(t, err)

	require.Len(t, store.transitions, 1)
	assert.Equal(t, "e1", store.transitions[0].edgeID)
	assert.Equal(t, StateActive, store.transitions[0].newState)
	assert.Equal(t, "operator failover", store.transitions[0].reason)
	require.Len(t, bus.events, 1)
	assert.Equal(t, EventFailoverActivated, bus.events[0].Kind)
}

func TestDeactivateMovesEdgeToInactive(t *testing.T) {
	store := &fakeStore{edges: []Edge{
		{ID: "e1", State: StateActive, ConditionType: ConditionManual},
	}}
	bus := &fakeBus{}
	engine := NewEngine(store, bus, 0)

	err := engine.Deactivate(context.Background(), "e1", "recovered")
	require.NoError(t, err)

	require.Len(t, store.transitions, 1)
	assert.Equal(t, StateInactive, store.transitions[0].newState)
	require.Len(t, bus.events, 1)
	assert.Equal(t, EventFailoverDeactivated, bus.events[0].Kind)
}

func TestActivateReturnsNotFoundForUnknownEdge(t *testing.T) {
	engine := NewEngine(&fakeStore{}, &fakeBus{}, 0)
	err := engine.Activate(context.Background(), "missing", "reason")
	require.Error(t, err)
}

func TestActiveEdgesFiltersByState(t *testing.T) {
	store := &fakeStore{edges: []Edge{
		{ID: "e1", State: StateActive},
		{ID: "e2", State: StateInactive},
	}}
	engine := NewEngine(store, &fakeBus{}, 0)

	active, err := engine.ActiveEdges(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "e1", active[0].ID)
}

func TestStatsAggregatesByConditionType(t *testing.T) {
	store := &fakeStore{edges: []Edge{
		{ID: "e1", State: StateActive, ConditionType: ConditionHealthBased, ActivationCount: 2},
		{ID: "e2", State: StateInactive, ConditionType: ConditionManual, ActivationCount: 1},
	}}
	engine := NewEngine(store, &fakeBus{}, 0)

	stats, err := engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEdges)
	assert.Equal(t, 1, stats.ActiveEdges)
	assert.Equal(t, 1, stats.InactiveEdges)
	assert.Equal(t, 3, stats.TotalActivations)
	assert.Equal(t, 1, stats.ByConditionType[string(ConditionHealthBased)])
}
