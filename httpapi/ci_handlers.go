package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"cmdbgraph.io/core/cmdb"
	"cmdbgraph.io/core/errs"
)

func (h *handlers) listCIs(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	cis, err := h.deps.CIs.List(c.Request().Context(), c.QueryParam("type"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cis)
}

// countCIs handles GET /api/cmdb/items/count?type=.
func (h *handlers) countCIs(c echo.Context) error {
	count, err := h.deps.CIs.Count(c.Request().Context(), c.QueryParam("type"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"count": count})
}

func (h *handlers) getCI(c echo.Context) error {
	ci, summary, err := h.deps.CIs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if ci == nil {
		return errs.New(errs.CINotFound, c.Param("id"))
	}
	return c.JSON(http.StatusOK, map[string]any{"ci": ci, "adjacency": summary})
}

type createCIRequest struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Criticality cmdb.Criticality `json:"criticality"`
	Properties  map[string]any  `json:"properties"`
}

func (h *handlers) createCI(c echo.Context) error {
	var req createCIRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.ValidationFailure, "malformed request body", err)
	}

	ci, err := h.deps.CIs.Create(c.Request().Context(), cmdb.CreateInput{
		Name: req.Name, Type: req.Type, Criticality: req.Criticality, Properties: req.Properties,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ci)
}

func (h *handlers) updateCI(c echo.Context) error {
	var props map[string]any
	if err := c.Bind(&props); err != nil {
		return errs.Wrap(errs.ValidationFailure, "malformed request body", err)
	}

	ci, err := h.deps.CIs.Update(c.Request().Context(), c.Param("id"), props)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ci)
}

func (h *handlers) deleteCI(c echo.Context) error {
	if err := h.deps.CIs.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) ciRelationships(c echo.Context) error {
	rels, err := h.deps.CIs.Relationships(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rels)
}

func (h *handlers) topology(c echo.Context) error {
	depth, _ := strconv.Atoi(c.QueryParam("depth"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	topo, err := h.deps.CIs.Topology(c.Request().Context(), cmdb.TopologyInput{
		StartNode: c.QueryParam("startNode"), Depth: depth, Type: c.QueryParam("type"), Limit: limit,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, topo)
}

func (h *handlers) impact(c echo.Context) error {
	depth, _ := strconv.Atoi(c.QueryParam("depth"))
	direction := cmdb.Direction(c.QueryParam("direction"))
	if direction == "" {
		direction = cmdb.DirectionBoth
	}
	impacted, err := h.deps.CIs.Impact(c.Request().Context(), c.Param("id"), direction, depth)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, impacted)
}

func (h *handlers) browse(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	result, err := h.deps.CIs.Browse(c.Request().Context(), cmdb.BrowseInput{
		Search: c.QueryParam("search"), Type: c.QueryParam("type"),
		Page: page, Limit: limit, Sort: c.QueryParam("sort"), Order: c.QueryParam("order"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h *handlers) databaseStats(c echo.Context) error {
	stats, err := h.deps.CIs.DatabaseStats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *handlers) clearDatabase(c echo.Context) error {
	if err := h.deps.CIs.ClearDatabase(c.Request().Context()); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
