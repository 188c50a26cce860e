package http

import (
	"errors"

	"github.com/flowkit/queryserver/common"
	"github.com/gofiber/fiber/v2"
)

// ResponseError is a struct used to return errors to the client.
type ResponseError struct {
	Code    int    `json:"code,omitempty"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
}

// Error returns the message of the ResponseError.
func (r ResponseError) Error() string {
	return r.Message
}

// WithError maps a typed domain error to an HTTP error status (spec.md §6
// HTTP surface table, §7 error taxonomy): 400 validation failure or cycle,
// 403 auth failure, 404 awol, 500 errored or dependency failure; a
// ResponseError keeps its own code and anything else becomes a 500.
func WithError(c *fiber.Ctx, err error) error {
	switch e := err.(type) {
	case common.ValidationError:
		return BadRequest(c, e.Code, e.Title, e.Message)
	case common.AuthorizationError:
		return Forbidden(c, e.Code, e.Title, e.Message)
	case common.AwolError:
		return NotFound(c, "awol", "Unknown query", e.Error())
	case common.ExecutionError:
		return InternalServerError(c, "errored", e.Title, e.Message)
	case common.DependencyFailedError:
		return InternalServerError(c, "errored", "Dependency failed", e.Error())
	case common.CycleDetectedError:
		return BadRequest(c, "cycle_detected", "Cycle detected", e.Error())
	case ResponseError:
		var rErr ResponseError

		_ = errors.As(err, &rErr)

		return JSONResponseError(c, rErr)
	default:
		var iErr common.InternalServerError

		if !errors.As(common.ValidateInternalError(err), &iErr) {
			iErr = common.InternalServerError{Message: err.Error()}
		}

		return InternalServerError(c, iErr.Code, iErr.Title, iErr.Message)
	}
}
