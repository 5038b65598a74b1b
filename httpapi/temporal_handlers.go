package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"cmdbgraph.io/core/errs"
	"cmdbgraph.io/core/temporal"
)

type versionedCreateRequest struct {
	From         string         `json:"from"`
	To           string         `json:"to"`
	Type         string         `json:"type"`
	Properties   map[string]any `json:"properties"`
	ValidFrom    time.Time      `json:"validFrom"`
	ValidTo      *time.Time     `json:"validTo"`
	CreatedBy    string         `json:"createdBy"`
	ChangeReason string         `json:"changeReason"`
}

func (h *handlers) versionedCreate(c echo.Context) error {
	var req versionedCreateRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.ValidationFailure, "malformed request body", err)
	}

	edge, err := h.deps.Temporal.VersionedCreate(c.Request().Context(), temporal.CreateInput{
		From: req.From, To: req.To, Type: req.Type, Properties: req.Properties,
		ValidFrom: req.ValidFrom, ValidTo: req.ValidTo,
		CreatedBy: req.CreatedBy, ChangeReason: req.ChangeReason,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, edge)
}

func (h *handlers) temporalHistory(c echo.Context) error {
	history, err := h.deps.Temporal.History(c.Request().Context(), c.Param("from"), c.Param("to"), c.Param("type"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, history)
}

func (h *handlers) weightTrend(c echo.Context) error {
	trend, err := h.deps.Temporal.GetWeightTrend(c.Request().Context(), c.Param("from"), c.Param("to"), c.Param("type"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, trend)
}

func (h *handlers) temporalTopology(c echo.Context) error {
	targetDate := time.Now()
	if raw := c.QueryParam("targetDate"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return errs.Wrap(errs.DateParseFailure, raw, err)
		}
		targetDate = parsed
	}

	maxDepth, _ := strconv.Atoi(c.QueryParam("maxDepth"))
	topo, err := h.deps.Temporal.TimeTravelTopology(c.Request().Context(), temporal.TopologyInput{
		TargetDate: targetDate, StartingCI: c.QueryParam("startingCi"),
		MaxDepth: maxDepth, EdgeType: c.QueryParam("edgeType"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, topo)
}

func (h *handlers) expiringRelationships(c echo.Context) error {
	daysAhead, _ := strconv.Atoi(c.QueryParam("daysAhead"))
	edges, err := h.deps.Temporal.ExpiryScan(c.Request().Context(), daysAhead)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, edges)
}

type scalingEventRequest struct {
	CIID          string  `json:"ciId"`
	CurrentLoad   float64 `json:"currentLoad"`
	ScalingAction string  `json:"scalingAction"`
}

func (h *handlers) scalingEvent(c echo.Context) error {
	var req scalingEventRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.ValidationFailure, "malformed request body", err)
	}

	updated, err := h.deps.Temporal.ApplyScalingEvent(c.Request().Context(), temporal.ScalingEvent{
		CIID: req.CIID, CurrentLoad: req.CurrentLoad, ScalingAction: req.ScalingAction, Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"updated": updated})
}

type updateTemporalWeightRequest struct {
	Weight           *float64 `json:"weight"`
	CriticalityScore *float64 `json:"criticalityScore"`
	LoadFactor       *float64 `json:"loadFactor"`
	Source           string   `json:"source"`
	ModifiedBy       string   `json:"modifiedBy"`
}

func (h *handlers) updateTemporalWeight(c echo.Context) error {
	var req updateTemporalWeightRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.ValidationFailure, "malformed request body", err)
	}

	err := h.deps.Temporal.UpdateRelationshipWithHistory(c.Request().Context(), c.Param("id"), temporal.WeightUpdate{
		Weight: req.Weight, CriticalityScore: req.CriticalityScore, LoadFactor: req.LoadFactor,
		Source: req.Source, ModifiedBy: req.ModifiedBy,
	})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}
