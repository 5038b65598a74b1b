package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"cmdbgraph.io/core/cmdb"
	"cmdbgraph.io/core/errs"
	"cmdbgraph.io/core/weight"
)

type relationshipRequest struct {
	From       string                  `json:"from"`
	To         string                  `json:"to"`
	Type       cmdb.RelationshipType   `json:"type"`
	Properties map[string]any          `json:"properties"`
}

// createRelationship handles POST /api/relationships: a plain (non-
// weighted) edge create, expressed as an Upsert carrying only whatever
// properties the caller supplied.
func (h *handlers) createRelationship(c echo.Context) error {
	var req relationshipRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.ValidationFailure, "malformed request body", err)
	}
	if err := h.deps.Relationships.Upsert(c.Request().Context(), req.From, req.To, req.Type, req.Properties); err != nil {
		return err
	}
	return c.NoContent(http.StatusCreated)
}

func (h *handlers) upsertWeightedRelationship(c echo.Context) error {
	var req relationshipRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.ValidationFailure, "malformed request body", err)
	}
	if err := h.deps.Relationships.Upsert(c.Request().Context(), req.From, req.To, req.Type, req.Properties); err != nil {
		return err
	}
	return c.NoContent(http.StatusCreated)
}

func (h *handlers) fetchWeightedRelationship(c echo.Context) error {
	edge, err := h.deps.Relationships.Fetch(c.Request().Context(), c.Param("from"), c.Param("to"), cmdb.RelationshipType(c.Param("type")))
	if err != nil {
		return err
	}
	if edge == nil {
		return errs.New(errs.RelationshipNotFound, c.Param("from")+"->"+c.Param("to"))
	}
	return c.JSON(http.StatusOK, edge)
}

type calculateWeightRequest struct {
	SourceCriticality  string  `json:"sourceCriticality"`
	TargetCriticality  string  `json:"targetCriticality"`
	BusinessImpact     float64 `json:"businessImpact"`
	RedundancyLevel    float64 `json:"redundancyLevel"`
	HistoricalFailures float64 `json:"historicalFailures"`
	RecoveryComplexity float64 `json:"recoveryComplexity"`
	LoadFactor         float64 `json:"loadFactor"`
	LatencyMs          float64 `json:"latencyMs"`
	MaxLatencyMs       float64 `json:"maxLatencyMs"`
}

// calculateWeight exposes the pure weight-calculator functions directly,
// for clients that want to preview a weight without persisting an edge.
func (h *handlers) calculateWeight(c echo.Context) error {
	var req calculateWeightRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.ValidationFailure, "malformed request body", err)
	}

	criticalityScore := weight.CalculateCriticalityScore(weight.CriticalityScoreInput{
		SourceCriticality:  weight.CriticalityToScore(req.SourceCriticality),
		TargetCriticality:  weight.CriticalityToScore(req.TargetCriticality),
		BusinessImpact:     req.BusinessImpact,
		RedundancyLevel:    req.RedundancyLevel,
		HistoricalFailures: req.HistoricalFailures,
		RecoveryComplexity: req.RecoveryComplexity,
	})
	maxLatency := req.MaxLatencyMs
	if maxLatency <= 0 {
		maxLatency = 500
	}
	overallWeight := weight.CalculateOverallWeight(weight.OverallWeightInput{
		CriticalityScore: criticalityScore,
		LoadFactor:       req.LoadFactor,
		LatencyMs:        req.LatencyMs,
		MaxLatencyMs:     maxLatency,
		RedundancyLevel:  req.RedundancyLevel,
	})

	return c.JSON(http.StatusOK, map[string]any{
		"criticalityScore": criticalityScore,
		"weight":           overallWeight,
	})
}

func (h *handlers) autoCalculateWeights(c echo.Context) error {
	relType := cmdb.RelationshipType(c.QueryParam("type"))
	updated, err := h.deps.Relationships.AutoCalculateWeights(c.Request().Context(), relType)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"updated": updated})
}

func (h *handlers) shortestPath(c echo.Context) error {
	maxDepth, _ := strconv.Atoi(c.QueryParam("maxDepth"))
	path, err := h.deps.Relationships.ShortestPath(c.Request().Context(), c.Param("start"), c.Param("end"), c.QueryParam("weightProperty"), maxDepth)
	if err != nil {
		return err
	}
	if path == nil {
		return c.JSON(http.StatusOK, nil)
	}
	return c.JSON(http.StatusOK, path)
}

func (h *handlers) allPaths(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	maxDepth, _ := strconv.Atoi(c.QueryParam("maxDepth"))
	paths, err := h.deps.Relationships.AllPaths(c.Request().Context(), c.Param("start"), c.Param("end"), limit, maxDepth)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, paths)
}

func (h *handlers) criticalityRanking(c echo.Context) error {
	topN, _ := strconv.Atoi(c.QueryParam("topN"))
	ranks, err := h.deps.Relationships.CriticalityRanking(c.Request().Context(), topN)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ranks)
}
