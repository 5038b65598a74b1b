package conditional

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"cmdbgraph.io/core/errs"
)

// Store is the persistence seam the engine depends on — implemented in
// production terms of graphgateway.Gateway, and by a hand-rolled fake in
// tests.
type Store interface {
	// LoadConditionalEdges returns every edge with a conditionType set.
	LoadConditionalEdges(ctx context.Context) ([]Edge, error)
	// Transition persists a state change for edgeID.
	Transition(ctx context.Context, edgeID string, newState State, reason string, now time.Time) error
	// FailoverCandidates returns FAILS_OVER_TO edges from primaryCIID
	// where isActive=false and the target is operational.
	FailoverCandidates(ctx context.Context, primaryCIID string) ([]Edge, error)
	// DependentApplications enumerates applications within maxHops of
	// primaryCIID (the impact surface for a failover plan).
	DependentApplications(ctx context.Context, primaryCIID string, maxHops int) ([]string, error)
	// EdgesTouching returns every conditional edge with ciID as source
	// or target, for what-if simulation.
	EdgesTouching(ctx context.Context, ciID string) ([]Edge, error)
	// LoadEdge returns a single conditional edge by id, or nil if none
	// exists with a conditionType set.
	LoadEdge(ctx context.Context, edgeID string) (*Edge, error)
}

const DefaultIntervalMs = 30000

// Engine runs the evaluator loop and exposes failover planning and
// what-if simulation.
type Engine struct {
	store    Store
	bus      EventBus
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewEngine wires an Engine. intervalMs<=0 uses DefaultIntervalMs.
func NewEngine(store Store, bus EventBus, intervalMs int) *Engine {
	if intervalMs <= 0 {
		intervalMs = DefaultIntervalMs
	}
	return &Engine{store: store, bus: bus, interval: time.Duration(intervalMs) * time.Millisecond}
}

// Start launches the background evaluator loop. Calling Start while
// already running is a no-op that logs a warning, per §4.5.2.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		logrus.Warn("conditional evaluator already running, ignoring start request")
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	go e.runLoop(ctx)
}

// Stop halts the next wake and waits for any in-flight wake to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	close(e.stopCh)
	doneCh := e.doneCh
	e.mu.Unlock()

	<-doneCh
}

func (e *Engine) runLoop(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		close(e.doneCh)
	}()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Re-entrant-safe: the next tick cannot fire mid-wake
			// because this case blocks on EvaluateOnce before looping.
			stats, err := e.EvaluateOnce(ctx)
			if err != nil {
				logrus.WithError(err).Error("conditional evaluator wake failed")
				continue
			}
			e.bus.Publish(Event{Kind: EventEvaluationComplete, Payload: map[string]any{
				"total": stats.Total, "activated": stats.Activated,
				"deactivated": stats.Deactivated, "unchanged": stats.Unchanged,
				"errors": stats.Errors,
			}})
		}
	}
}

// EvaluateOnce runs a single wake synchronously: load every conditional
// edge, dispatch to its handler, apply and persist any transition.
func (e *Engine) EvaluateOnce(ctx context.Context) (*WakeStats, error) {
	edges, err := e.store.LoadConditionalEdges(ctx)
	if err != nil {
		return nil, err
	}

	stats := &WakeStats{}
	now := time.Now()

	for _, edge := range edges {
		stats.Total++
		decision := handlerFor(edge.ConditionType)(edge, now)

		if !decision.Activate && !decision.Deactivate {
			stats.Unchanged++
			continue
		}

		if err := e.apply(ctx, edge, decision, now); err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			continue
		}

		if decision.Activate {
			stats.Activated++
		} else {
			stats.Deactivated++
		}
	}

	return stats, nil
}

func (e *Engine) apply(ctx context.Context, edge Edge, decision Decision, now time.Time) error {
	newState := StateInactive
	kind := EventFailoverDeactivated
	if decision.Activate {
		newState = StateActive
		kind = EventFailoverActivated
	}

	if err := e.store.Transition(ctx, edge.ID, newState, decision.Reason, now); err != nil {
		return err
	}

	e.bus.Publish(Event{Kind: kind, EdgeID: edge.ID, Payload: map[string]any{
		"source": edge.Source.ID,
		"target": edge.Target.ID,
		"reason": decision.Reason,
		"rpo":    edge.RPO,
		"rto":    edge.RTO,
	}})
	return nil
}

// Activate moves edgeID to StateActive via an explicit API call, per
// §4.5.1 and the manual condition type's §4.5.3 contract. It is the
// only way a manual edge ever transitions, since manualHandler never
// fires on its own.
func (e *Engine) Activate(ctx context.Context, edgeID, reason string) error {
	edge, err := e.store.LoadEdge(ctx, edgeID)
	if err != nil {
		return err
	}
	if edge == nil {
		return errs.New(errs.RelationshipNotFound, edgeID)
	}
	return e.apply(ctx, *edge, Decision{Activate: true, Reason: reason}, time.Now())
}

// Deactivate moves edgeID to StateInactive via an explicit API call.
func (e *Engine) Deactivate(ctx context.Context, edgeID, reason string) error {
	edge, err := e.store.LoadEdge(ctx, edgeID)
	if err != nil {
		return err
	}
	if edge == nil {
		return errs.New(errs.RelationshipNotFound, edgeID)
	}
	return e.apply(ctx, *edge, Decision{Deactivate: true, Reason: reason}, time.Now())
}

// ActiveEdges returns every conditional edge currently in StateActive.
func (e *Engine) ActiveEdges(ctx context.Context) ([]Edge, error) {
	edges, err := e.store.LoadConditionalEdges(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]Edge, 0, len(edges))
	for _, edge := range edges {
		if edge.State == StateActive {
			active = append(active, edge)
		}
	}
	return active, nil
}

// EngineStats summarizes the conditional edge population for operator
// dashboards: how many edges of each condition type exist, how many are
// active, and total lifetime activation count.
type EngineStats struct {
	TotalEdges       int            `json:"totalEdges"`
	ActiveEdges      int            `json:"activeEdges"`
	InactiveEdges    int            `json:"inactiveEdges"`
	ByConditionType  map[string]int `json:"byConditionType"`
	TotalActivations int            `json:"totalActivations"`
}

// Stats aggregates the current conditional edge population.
func (e *Engine) Stats(ctx context.Context) (*EngineStats, error) {
	edges, err := e.store.LoadConditionalEdges(ctx)
	if err != nil {
		return nil, err
	}

	stats := &EngineStats{ByConditionType: map[string]int{}}
	for _, edge := range edges {
		stats.TotalEdges++
		stats.ByConditionType[string(edge.ConditionType)]++
		stats.TotalActivations += edge.ActivationCount
		if edge.State == StateActive {
			stats.ActiveEdges++
		} else {
			stats.InactiveEdges++
		}
	}
	return stats, nil
}

// IsRunning reports whether the background evaluator loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// FailoverTarget is one row of a failover plan.
type FailoverTarget struct {
	EdgeID            string `json:"edgeId"`
	TargetID          string `json:"targetId"`
	Priority          int    `json:"priority"`
	RPO               string `json:"rpo"`
	RTO               string `json:"rto"`
	AutomaticFailover bool   `json:"automaticFailover"`
}

// FailoverPlan is the output of Plan.
type FailoverPlan struct {
	Targets              []FailoverTarget `json:"targets"`
	ImpactedApplications []string         `json:"impactedApplications"`
}

// Plan implements §4.5.4: inactive FAILS_OVER_TO targets ordered by
// priority ascending, plus the three-hop application impact surface.
func (e *Engine) Plan(ctx context.Context, primaryCIID string) (*FailoverPlan, error) {
	candidates, err := e.store.FailoverCandidates(ctx, primaryCIID)
	if err != nil {
		return nil, err
	}

	targets := make([]FailoverTarget, 0, len(candidates))
	for _, edge := range candidates {
		targets = append(targets, FailoverTarget{
			EdgeID: edge.ID, TargetID: edge.Target.ID, Priority: edge.Priority,
			RPO: edge.RPO, RTO: edge.RTO, AutomaticFailover: edge.AutomaticFailover,
		})
	}
	sortTargetsByPriority(targets)

	apps, err := e.store.DependentApplications(ctx, primaryCIID, 3)
	if err != nil {
		return nil, err
	}

	return &FailoverPlan{Targets: targets, ImpactedApplications: apps}, nil
}

func sortTargetsByPriority(targets []FailoverTarget) {
	for i := 1; i < len(targets); i++ {
		for j := i; j > 0 && targets[j].Priority < targets[j-1].Priority; j-- {
			targets[j], targets[j-1] = targets[j-1], targets[j]
		}
	}
}

// SimulationResult is the output of Simulate.
type SimulationResult struct {
	ActivatedRelationships   []string `json:"activatedRelationships"`
	DeactivatedRelationships []string `json:"deactivatedRelationships"`
	AffectedCIs              []string `json:"affectedCIs"`
	CascadeDepth             int      `json:"cascadeDepth"`
}

// Simulate implements §4.5.5: merge stateChanges over the CI's current
// state, apply handler logic for every conditional edge touching ciID
// without persisting, and report what would have happened.
func (e *Engine) Simulate(ctx context.Context, ciID string, stateChanges map[string]any) (*SimulationResult, error) {
	edges, err := e.store.EdgesTouching(ctx, ciID)
	if err != nil {
		return nil, err
	}

	result := &SimulationResult{}
	affected := map[string]bool{}
	now := time.Now()

	for _, edge := range edges {
		simulated := applyStateChanges(edge, ciID, stateChanges)
		decision := handlerFor(simulated.ConditionType)(simulated, now)

		if decision.Activate {
			result.ActivatedRelationships = append(result.ActivatedRelationships, simulated.ID)
			affected[simulated.Source.ID] = true
			affected[simulated.Target.ID] = true
		}
		if decision.Deactivate {
			result.DeactivatedRelationships = append(result.DeactivatedRelationships, simulated.ID)
			affected[simulated.Source.ID] = true
			affected[simulated.Target.ID] = true
		}
	}

	for id := range affected {
		result.AffectedCIs = append(result.AffectedCIs, id)
	}
	if len(result.AffectedCIs) > 0 {
		result.CascadeDepth = 1
	}

	return result, nil
}

// applyStateChanges returns a copy of edge with stateChanges merged onto
// whichever of Source/Target matches ciID, without mutating edge.
func applyStateChanges(edge Edge, ciID string, stateChanges map[string]any) Edge {
	simulated := edge

	mergeCI := func(ci CI) CI {
		if ci.ID != ciID {
			return ci
		}
		if status, ok := stateChanges["status"].(string); ok {
			ci.Status = status
		}
		if load, ok := stateChanges["currentLoad"].(float64); ok {
			ci.CurrentLoad = load
		}
		return ci
	}

	simulated.Source = mergeCI(edge.Source)
	simulated.Target = mergeCI(edge.Target)
	return simulated
}
