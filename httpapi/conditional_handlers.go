package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cmdbgraph.io/core/cmdb"
	"cmdbgraph.io/core/errs"
)

// evaluateConditional triggers an out-of-band evaluator wake, for
// operators who don't want to wait for the next scheduled tick.
func (h *handlers) evaluateConditional(c echo.Context) error {
	stats, err := h.deps.Conditional.EvaluateOnce(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// failoverPlan handles GET /api/cmdb/failover-plan/:ciId.
func (h *handlers) failoverPlan(c echo.Context) error {
	plan, err := h.deps.Conditional.Plan(c.Request().Context(), c.Param("ciId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, plan)
}

type simulateRequest struct {
	CIID         string         `json:"ciId"`
	StateChanges map[string]any `json:"stateChanges"`
}

// simulate handles POST /api/relationships/conditional/simulate: the CI
// under test comes from the body rather than the URL, since this
// endpoint isn't scoped under a single relationship.
func (h *handlers) simulate(c echo.Context) error {
	var req simulateRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.ValidationFailure, "malformed request body", err)
	}

	result, err := h.deps.Conditional.Simulate(c.Request().Context(), req.CIID, req.StateChanges)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// createConditionalRequest is the body for POST
// /api/relationships/conditional: a FAILS_OVER_TO-style edge carrying a
// conditionType and its condition document, created through the same
// relationship.Service.Upsert every other edge kind goes through.
type createConditionalRequest struct {
	From          string                `json:"from"`
	To            string                `json:"to"`
	Type          cmdb.RelationshipType `json:"type"`
	ConditionType string                `json:"conditionType"`
	Condition     map[string]any        `json:"condition"`
	Priority      int                   `json:"priority"`
	RPO           string                `json:"rpo"`
	RTO           string                `json:"rto"`
}

// createConditionalRelationship handles POST /api/relationships/conditional.
// The condition document is flattened directly onto the edge's property
// bag, matching how GatewayStore.edgeFromRecord reads Edge.Condition
// back from a flat property map.
func (h *handlers) createConditionalRelationship(c echo.Context) error {
	var req createConditionalRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.ValidationFailure, "malformed request body", err)
	}
	if req.From == "" || req.To == "" || req.Type == "" {
		return errs.New(errs.ValidationFailure, "from, to, and type are required")
	}
	if req.ConditionType == "" {
		return errs.New(errs.InvalidConditionType, "conditionType is required")
	}

	props := map[string]any{
		"conditionType": req.ConditionType,
		"state":         "INACTIVE",
	}
	for k, v := range req.Condition {
		props[k] = v
	}
	if req.Priority != 0 {
		props["priority"] = req.Priority
	}
	if req.RPO != "" {
		props["rpo"] = req.RPO
	}
	if req.RTO != "" {
		props["rto"] = req.RTO
	}

	if err := h.deps.Relationships.Upsert(c.Request().Context(), req.From, req.To, req.Type, props); err != nil {
		return err
	}
	return c.NoContent(http.StatusCreated)
}

// activeConditionalEdges handles GET /api/relationships/conditional/active.
func (h *handlers) activeConditionalEdges(c echo.Context) error {
	edges, err := h.deps.Conditional.ActiveEdges(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, edges)
}

type activationRequest struct {
	Reason string `json:"reason"`
}

// activateConditional handles POST
// /api/relationships/conditional/:id/activate — the explicit API call
// §4.5.3 requires to move a manual edge, and a forced override for any
// other condition type.
func (h *handlers) activateConditional(c echo.Context) error {
	var req activationRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.ValidationFailure, "malformed request body", err)
	}
	if err := h.deps.Conditional.Activate(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// deactivateConditional handles POST
// /api/relationships/conditional/:id/deactivate.
func (h *handlers) deactivateConditional(c echo.Context) error {
	var req activationRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.ValidationFailure, "malformed request body", err)
	}
	if err := h.deps.Conditional.Deactivate(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// conditionalStats handles GET /api/relationships/conditional/stats.
func (h *handlers) conditionalStats(c echo.Context) error {
	stats, err := h.deps.Conditional.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// startConditionalEngine handles POST
// /api/relationships/conditional/engine/start.
func (h *handlers) startConditionalEngine(c echo.Context) error {
	h.deps.Conditional.Start(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{"running": h.deps.Conditional.IsRunning()})
}

// stopConditionalEngine handles POST
// /api/relationships/conditional/engine/stop.
func (h *handlers) stopConditionalEngine(c echo.Context) error {
	h.deps.Conditional.Stop()
	return c.JSON(http.StatusOK, map[string]any{"running": h.deps.Conditional.IsRunning()})
}
