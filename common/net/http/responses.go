package http

import "github.com/gofiber/fiber/v2"

// errorBody is the wire shape for every error response this gateway sends.
type errorBody struct {
	Code    string `json:"code,omitempty"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
}

// BadRequest writes a 400 response.
func BadRequest(c *fiber.Ctx, code, title, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(errorBody{Code: code, Title: title, Message: message})
}

// Forbidden writes a 403 response (spec.md §6: authorisation failure).
func Forbidden(c *fiber.Ctx, code, title, message string) error {
	return c.Status(fiber.StatusForbidden).JSON(errorBody{Code: code, Title: title, Message: message})
}

// Unauthorized writes a 401 response (missing or malformed bearer token,
// distinct from the 403 the gateway returns for a claims mismatch).
func Unauthorized(c *fiber.Ctx, code, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(errorBody{Code: code, Message: message})
}

// NotFound writes a 404 response (spec.md §6: awol).
func NotFound(c *fiber.Ctx, code, title, message string) error {
	return c.Status(fiber.StatusNotFound).JSON(errorBody{Code: code, Title: title, Message: message})
}

// InternalServerError writes a 500 response (spec.md §6: errored).
func InternalServerError(c *fiber.Ctx, code, title, message string) error {
	return c.Status(fiber.StatusInternalServerError).JSON(errorBody{Code: code, Title: title, Message: message})
}

// JSONResponseError writes a ResponseError using its own status code,
// defaulting to 500 when unset.
func JSONResponseError(c *fiber.Ctx, rErr ResponseError) error {
	status := rErr.Code
	if status == 0 {
		status = fiber.StatusInternalServerError
	}

	return c.Status(status).JSON(errorBody{Title: rErr.Title, Message: rErr.Message})
}
