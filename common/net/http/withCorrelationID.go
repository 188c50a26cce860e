package http

import (
	"github.com/gofiber/fiber/v2"
	gid "github.com/google/uuid"
)

// WithCorrelationID stamps every request with a correlation id, echoed in
// the X-Correlation-ID response header and carried into the request logger
// (WithHTTPLogging) so a run_query/poll_query pair can be traced across
// the gateway and the scheduler's logs by the same id.
func WithCorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		cid := gid.New().String()

		c.Set(headerCorrelationID, cid)
		c.Request().Header.Add(headerCorrelationID, cid)

		return c.Next()
	}
}
