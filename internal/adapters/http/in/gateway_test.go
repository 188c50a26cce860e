package in

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/queryserver/common/mlog"
	httpserver "github.com/flowkit/queryserver/common/net/http"
	"github.com/flowkit/queryserver/internal/adapters/postgres/cache"
	"github.com/flowkit/queryserver/internal/adapters/postgres/warehouse"
	"github.com/flowkit/queryserver/internal/domain/queryspec"
	"github.com/flowkit/queryserver/internal/domain/statemachine"
	"github.com/flowkit/queryserver/internal/protocol"
)

type fakeKinds struct{}

func (fakeKinds) Validate(kind string, params map[string]any) (queryspec.Spec, error) {
	return queryspec.New(kind, params), nil
}

type fakeScheduler struct {
	submitID string
	state    statemachine.State
}

func (f fakeScheduler) Submit(ctx context.Context, spec queryspec.Spec) (string, error) {
	return f.submitID, nil
}

func (f fakeScheduler) State(ctx context.Context, id string) (statemachine.State, error) {
	return f.state, nil
}

func (f fakeScheduler) Cancel(ctx context.Context, id string) error {
	return nil
}

type fakeCache struct {
	records map[string]*cache.Record
}

func (f fakeCache) Lookup(ctx context.Context, id string) (*cache.Record, error) {
	return f.records[id], nil
}

func (f fakeCache) Touch(ctx context.Context, id string) error {
	return nil
}

type fakeWarehouse struct {
	rows []warehouse.Row
}

func (f fakeWarehouse) StreamSelect(ctx context.Context, selectSQL string, batchSize int, fn func(rows []warehouse.Row) error) error {
	return fn(f.rows)
}

// withClaims stashes claims onto the request context the same way
// httpserver.ClaimsMiddleware.Protect does, without a live JWKS fetch.
func withClaims(claims *httpserver.Claims) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals("claims", claims)
		return c.Next()
	}
}

func newTestGateway(sched fakeScheduler, records map[string]*cache.Record, wh fakeWarehouse) *Gateway {
	proto := protocol.New(fakeKinds{}, sched, fakeCache{records: records})
	return New(proto, wh, nil, &mlog.NoneLogger{}, 10)
}

func TestHandleRun_AcceptedWithLocationHeader(t *testing.T) {
	t.Parallel()

	g := newTestGateway(fakeScheduler{submitID: "q123"}, nil, fakeWarehouse{})

	app := fiber.New()
	app.Post("/run", withClaims(&httpserver.Claims{
		Permissions: map[string][]string{"*:*": {"run"}},
	}), g.handleRun)

	body, _ := json.Marshal(map[string]any{"query_kind": "dummy_query", "params": map[string]any{}})
	req := httptest.NewRequest(fiber.MethodPost, "/run", bytes.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/poll/q123", resp.Header.Get(fiber.HeaderLocation))
}

func TestHandleRun_ForbiddenWithoutPermission(t *testing.T) {
	t.Parallel()

	g := newTestGateway(fakeScheduler{submitID: "q123"}, nil, fakeWarehouse{})

	app := fiber.New()
	app.Post("/run", withClaims(&httpserver.Claims{}), g.handleRun)

	body, _ := json.Marshal(map[string]any{"query_kind": "dummy_query", "params": map[string]any{}})
	req := httptest.NewRequest(fiber.MethodPost, "/run", bytes.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestHandlePoll_CompletedRedirectsToGet(t *testing.T) {
	t.Parallel()

	records := map[string]*cache.Record{
		"q1": {QueryKind: "dummy_query", Spec: `{"query_kind":"dummy_query","params":{}}`},
	}
	g := newTestGateway(fakeScheduler{state: statemachine.Completed}, records, fakeWarehouse{})

	app := fiber.New()
	app.Get("/poll/:id", withClaims(&httpserver.Claims{
		Permissions: map[string][]string{"*:*": {"poll"}},
	}), g.handlePoll)

	req := httptest.NewRequest(fiber.MethodGet, "/poll/q1", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/get/q1", resp.Header.Get(fiber.HeaderLocation))
}

func TestHandleGet_StreamsResultRows(t *testing.T) {
	t.Parallel()

	records := map[string]*cache.Record{
		"q1": {
			QueryKind: "dummy_query",
			Spec:      `{"query_kind":"dummy_query","params":{}}`,
			Schema:    "warehouse",
			TableName: "q_q1",
		},
	}
	wh := fakeWarehouse{rows: []warehouse.Row{
		{"a": 1.0},
		{"a": 2.0},
	}}
	g := newTestGateway(fakeScheduler{state: statemachine.Completed}, records, wh)

	app := fiber.New()
	app.Get("/get/:id", withClaims(&httpserver.Claims{
		Permissions: map[string][]string{"*:*": {"get_result"}},
	}), g.handleGet)

	req := httptest.NewRequest(fiber.MethodGet, "/get/q1", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Len(t, decoded, 2)
}

func TestHandlePoll_UnknownIDIsNotFound(t *testing.T) {
	t.Parallel()

	g := newTestGateway(fakeScheduler{state: statemachine.Awol}, nil, fakeWarehouse{})

	app := fiber.New()
	app.Get("/poll/:id", withClaims(&httpserver.Claims{
		Permissions: map[string][]string{"*:*": {"poll"}},
	}), g.handlePoll)

	req := httptest.NewRequest(fiber.MethodGet, "/poll/ghost", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
