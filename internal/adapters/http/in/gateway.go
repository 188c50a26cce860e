// Package in is the gateway adapter (spec.md §4.7 C7): stateless, owns
// token verification, request-id assignment and the HTTP surface, mapping
// URLs to protocol actions and reply envelopes to HTTP responses
// (spec.md §6 HTTP surface table).
package in

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/flowkit/queryserver/common/mlog"
	httpserver "github.com/flowkit/queryserver/common/net/http"
	"github.com/flowkit/queryserver/internal/adapters/postgres/warehouse"
	"github.com/flowkit/queryserver/internal/protocol"
)

// Warehouse is the subset of internal/adapters/postgres/warehouse the
// gateway needs to stream a completed query's result (spec.md §4.6
// "Result streaming").
type Warehouse interface {
	StreamSelect(ctx context.Context, selectSQL string, batchSize int, fn func(rows []warehouse.Row) error) error
}

// Gateway wires the protocol Server onto fiber routes and the claims
// middleware (spec.md §4.7).
type Gateway struct {
	protocol  *protocol.Server
	warehouse Warehouse
	claims    *httpserver.ClaimsMiddleware
	logger    mlog.Logger
	batchSize int
}

// New builds a Gateway. batchSize is the row-batch size StreamSelect uses
// for /get/<id>; 0 defaults to 500.
func New(p *protocol.Server, wh Warehouse, claims *httpserver.ClaimsMiddleware, logger mlog.Logger, batchSize int) *Gateway {
	if batchSize <= 0 {
		batchSize = 500
	}

	return &Gateway{protocol: p, warehouse: wh, claims: claims, logger: logger, batchSize: batchSize}
}

// Register mounts the gateway's routes onto app.
func (g *Gateway) Register(app *fiber.App) {
	app.Post("/run", g.claims.Protect(), g.handleRun)
	app.Get("/poll/:id", g.claims.Protect(), g.handlePoll)
	app.Get("/get/:id", g.claims.Protect(), g.handleGet)
	app.Post("/cancel/:id", g.claims.Protect(), g.handleCancel)
	app.Get("/params/:id", g.claims.Protect(), g.handleParams)
	app.Get("/kind/:id", g.claims.Protect(), g.handleKind)
}

type runBody struct {
	QueryKind string         `json:"query_kind"`
	Params    map[string]any `json:"params"`
}

// handleRun implements `POST /run -> run_query` (spec.md §6: `202 +
// Location: /poll/<id>` on success, `403` on authorisation failure).
func (g *Gateway) handleRun(c *fiber.Ctx) error {
	var body runBody
	if err := c.BodyParser(&body); err != nil {
		return httpserver.BadRequest(c, "invalid_body", "Invalid request body", err.Error())
	}

	claims, err := httpserver.ClaimsFromContext(c)
	if err != nil {
		return httpserver.Unauthorized(c, "INVALID_PERMISSION", "unauthorized")
	}

	aggregationUnit := aggregationUnitOf(body.Params)

	if !claims.Allows("run", body.QueryKind, aggregationUnit) {
		return httpserver.Forbidden(c, "insufficient_privileges", "Insufficient privileges",
			fmt.Sprintf("missing run permission for %s:%s", body.QueryKind, aggregationUnit))
	}

	reply := g.protocol.Dispatch(c.UserContext(), protocol.Request{
		RequestID: uuid.NewString(),
		Action:    protocol.ActionRunQuery,
		Params:    map[string]any{"query_kind": body.QueryKind, "params": body.Params},
	})

	if reply.Status == protocol.StatusError {
		return writeErrorReply(c, reply)
	}

	id, _ := reply.Data["query_id"].(string)

	c.Set(fiber.HeaderLocation, "/poll/"+id)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"query_id": id})
}

// handlePoll implements `GET /poll/<id> -> poll_query` (spec.md §6: `303 +
// Location: /get/<id>` if completed, `202` if running, `404` awol, `500`
// errored).
func (g *Gateway) handlePoll(c *fiber.Ctx) error {
	id := c.Params("id")

	if err := g.authorizeForID(c, "poll", id); err != nil {
		return err
	}

	reply := g.protocol.Dispatch(c.UserContext(), protocol.Request{
		RequestID: uuid.NewString(),
		Action:    protocol.ActionPollQuery,
		Params:    map[string]any{"query_id": id},
	})

	if reply.Status == protocol.StatusError {
		return writeErrorReply(c, reply)
	}

	state, _ := reply.Data["query_state"].(string)

	if state == "completed" {
		c.Set(fiber.HeaderLocation, "/get/"+id)
		return c.Status(fiber.StatusSeeOther).JSON(fiber.Map{"query_state": state})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"query_state": state})
}

// handleGet implements `GET /get/<id> -> get_sql_for_query_result` + stream
// (spec.md §6: `200` chunked JSON on success; otherwise `202` while queued
// or executing, `404` for awol, `500` for errored or cancelled). The
// SELECT text is executed against the warehouse over a server-side cursor
// and streamed as a chunked JSON array; the gateway never buffers the full
// result (spec.md §4.6 "Result streaming").
func (g *Gateway) handleGet(c *fiber.Ctx) error {
	id := c.Params("id")

	if err := g.authorizeForID(c, "get_result", id); err != nil {
		return err
	}

	reply := g.protocol.Dispatch(c.UserContext(), protocol.Request{
		RequestID: uuid.NewString(),
		Action:    protocol.ActionGetSQLForQueryResult,
		Params:    map[string]any{"query_id": id},
	})

	if reply.Status == protocol.StatusError {
		return writeErrorReply(c, reply)
	}

	sql, _ := reply.Data["sql"].(string)

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	c.Status(fiber.StatusOK)

	ctx := c.UserContext()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		streamRows(ctx, g.warehouse, sql, g.batchSize, w, g.logger)
	})

	return nil
}

// handleCancel implements `cancel_query` over HTTP, a natural extension of
// the three-route table (spec.md §4.6 lists cancel_query as a fourth
// action; no HTTP verb is prescribed for it).
func (g *Gateway) handleCancel(c *fiber.Ctx) error {
	id := c.Params("id")

	if err := g.authorizeForID(c, "poll", id); err != nil {
		return err
	}

	reply := g.protocol.Dispatch(c.UserContext(), protocol.Request{
		RequestID: uuid.NewString(),
		Action:    protocol.ActionCancelQuery,
		Params:    map[string]any{"query_id": id},
	})

	if reply.Status == protocol.StatusError {
		return writeErrorReply(c, reply)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// handleParams implements the get_query_params convenience accessor
// (spec.md §4.6).
func (g *Gateway) handleParams(c *fiber.Ctx) error {
	id := c.Params("id")

	if err := g.authorizeForID(c, "get_result", id); err != nil {
		return err
	}

	reply := g.protocol.Dispatch(c.UserContext(), protocol.Request{
		RequestID: uuid.NewString(),
		Action:    protocol.ActionGetQueryParams,
		Params:    map[string]any{"query_id": id},
	})

	if reply.Status == protocol.StatusError {
		return writeErrorReply(c, reply)
	}

	return c.Status(fiber.StatusOK).JSON(reply.Data)
}

// handleKind implements the get_query_kind convenience accessor (spec.md §4.6).
func (g *Gateway) handleKind(c *fiber.Ctx) error {
	id := c.Params("id")

	if err := g.authorizeForID(c, "poll", id); err != nil {
		return err
	}

	reply := g.protocol.Dispatch(c.UserContext(), protocol.Request{
		RequestID: uuid.NewString(),
		Action:    protocol.ActionGetQueryKind,
		Params:    map[string]any{"query_id": id},
	})

	if reply.Status == protocol.StatusError {
		return writeErrorReply(c, reply)
	}

	return c.Status(fiber.StatusOK).JSON(reply.Data)
}

// authorizeForID resolves id's query_kind via the protocol layer and
// enforces the claims carried on the request against it (spec.md §4.6
// "Claims": every action carries a permission requirement).
func (g *Gateway) authorizeForID(c *fiber.Ctx, permission, id string) error {
	claims, err := httpserver.ClaimsFromContext(c)
	if err != nil {
		return httpserver.Unauthorized(c, "INVALID_PERMISSION", "unauthorized")
	}

	reply := g.protocol.Dispatch(c.UserContext(), protocol.Request{
		RequestID: uuid.NewString(),
		Action:    protocol.ActionGetQueryParams,
		Params:    map[string]any{"query_id": id},
	})

	queryKind, aggregationUnit := "", "*"

	if reply.Status == protocol.StatusOK {
		if canonical, ok := reply.Data["query_params"].(string); ok {
			queryKind, aggregationUnit = parseCanonicalSpec(canonical)
		}
	}

	if !claims.Allows(permission, queryKind, aggregationUnit) {
		return httpserver.Forbidden(c, "insufficient_privileges", "Insufficient privileges",
			fmt.Sprintf("missing %s permission for %s:%s", permission, queryKind, aggregationUnit))
	}

	return nil
}

func aggregationUnitOf(params map[string]any) string {
	if v, ok := params["aggregation_unit"].(string); ok && v != "" {
		return v
	}

	return "*"
}

func parseCanonicalSpec(canonical string) (queryKind, aggregationUnit string) {
	var envelope struct {
		QueryKind string         `json:"query_kind"`
		Params    map[string]any `json:"params"`
	}

	if err := json.Unmarshal([]byte(canonical), &envelope); err != nil {
		return "", "*"
	}

	return envelope.QueryKind, aggregationUnitOf(envelope.Params)
}

func writeErrorReply(c *fiber.Ctx, reply protocol.Reply) error {
	state, _ := reply.Data["query_state"].(string)

	switch state {
	case "awol":
		return httpserver.NotFound(c, "awol", "Unknown query", reply.Msg)
	case "errored":
		return httpserver.InternalServerError(c, "errored", "Query errored", reply.Msg)
	case "cancelled":
		return httpserver.InternalServerError(c, "cancelled", "Query cancelled", reply.Msg)
	case "queued", "executing":
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"query_state": state})
	default:
		return httpserver.BadRequest(c, "bad_request", "Request failed", reply.Msg)
	}
}
