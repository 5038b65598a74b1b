package errs

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// Response is the standardized error payload for every REST endpoint,
// per spec.md §6: `{error: string, details?: string}`.
type Response struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteJSON logs err with request context and writes the standardized
// error response. Query/queue failures are logged with full detail but
// the client only ever sees a generic message for those kinds, so
// internals never leak; validation and not-found kinds are surfaced
// verbatim.
func WriteJSON(c echo.Context, err error) error {
	status := StatusCode(err)
	kind := KindOf(err)

	fields := logrus.Fields{
		"status": status,
		"path":   c.Request().URL.Path,
		"method": c.Request().Method,
	}
	if kind != "" {
		fields["kind"] = string(kind)
	}
	logrus.WithFields(fields).WithError(err).Error("request failed")

	body := Response{Error: http.StatusText(status)}
	switch kind {
	case ValidationFailure, CINotFound, RelationshipNotFound, JobNotFound,
		InvalidConditionType, InvalidRelationshipType, DateParseFailure,
		Conflict, RateLimited, Cancelled:
		body.Error = err.Error()
	default:
		// QueryFailure, QueueFailure, and anything unclassified: never
		// echo the underlying message back to the client.
		body.Details = "an internal error occurred"
	}

	return c.JSON(status, body)
}
