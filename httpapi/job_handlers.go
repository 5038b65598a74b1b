package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cmdbgraph.io/core/errs"
	"cmdbgraph.io/core/jobqueue"
)

type submitJobRequest struct {
	Scale     jobqueue.Scale `json:"scale"`
	Overrides map[string]any `json:"customConfig"`
}

func (h *handlers) submitJob(c echo.Context) error {
	var req submitJobRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.ValidationFailure, "malformed request body", err)
	}

	job, err := h.deps.Jobs.Submit(c.Request().Context(), req.Scale, req.Overrides)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, job)
}

func (h *handlers) jobProgress(c echo.Context) error {
	progress, found, err := h.deps.Jobs.GetProgress(c.Request().Context(), c.Param("jobId"))
	if err != nil {
		return err
	}
	if !found {
		return errs.New(errs.JobNotFound, c.Param("jobId"))
	}
	return c.JSON(http.StatusOK, progress)
}

func (h *handlers) cancelJob(c echo.Context) error {
	if err := h.deps.Jobs.Cancel(c.Request().Context(), c.Param("jobId")); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

func (h *handlers) jobHistory(c echo.Context) error {
	completed, failed := h.deps.Jobs.History()
	return c.JSON(http.StatusOK, map[string]any{"completed": completed, "failed": failed})
}

// listJobs handles GET /api/jobs: every queued/active job plus retained
// completed/failed history, for an operator dashboard's full job list.
func (h *handlers) listJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, h.deps.Jobs.Jobs())
}

// queueScales handles GET /api/queue/scales: the scale preset registry.
func (h *handlers) queueScales(c echo.Context) error {
	return c.JSON(http.StatusOK, jobqueue.Presets)
}

// queueStats handles GET /api/queue/stats.
func (h *handlers) queueStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.deps.Jobs.QueueStats())
}
