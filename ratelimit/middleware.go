package ratelimit

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"cmdbgraph.io/core/errs"
)

// Middleware builds an echo.MiddlewareFunc that admits requests of class
// against limiter, keyed by the request's client IP, and advertises the
// remaining budget via response headers — following the same
// closure-over-config shape as the teacher's APIKeyMiddleware.
func Middleware(limiter *Limiter, class Class) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			decision, err := limiter.Allow(c.Request().Context(), c.RealIP(), class)
			if err != nil {
				return errs.WriteJSON(c, err)
			}

			c.Response().Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
			c.Response().Header().Set("X-RateLimit-Reset", strconv.Itoa(int(decision.ResetAfter.Seconds())))

			if !decision.Allowed {
				return errs.WriteJSON(c, TooManyRequests(decision))
			}

			return next(c)
		}
	}
}
