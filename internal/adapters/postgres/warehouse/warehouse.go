// Package warehouse is the adapter for the external SQL warehouse
// contract (spec.md §6): `CREATE TABLE <schema>.<name> AS <select>`,
// `DROP TABLE`, `EXPLAIN (FORMAT JSON)`, and cursor/streaming reads. It is
// the only package that materialises query results; the cache package
// only tracks their metadata.
package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/common/mlog"
	"github.com/flowkit/queryserver/common/mopentelemetry"
	"github.com/flowkit/queryserver/common/mpostgres"
)

// Warehouse materialises query results as relations and streams rows back
// out of them, against the warehouse Postgres connection (primary for
// writes, replica-eligible for reads per SPEC_FULL.md §3).
type Warehouse struct {
	connection *mpostgres.PostgresConnection
	logger     mlog.Logger
}

// New returns a Warehouse using the given Postgres connection.
func New(pc *mpostgres.PostgresConnection, logger mlog.Logger) *Warehouse {
	return &Warehouse{connection: pc, logger: logger}
}

// Materialize runs `CREATE TABLE <schema>.<table> AS <selectSQL>` (spec.md
// §4.5 step 3), binding args as the select's positional placeholders so a
// kind's Build never has to interpolate user-supplied values into SQL
// text. Cancellation propagates through ctx: a caller-side cancel issues
// the warehouse's native statement cancel (spec.md §5 "Cancellation and
// timeout").
func (w *Warehouse) Materialize(ctx context.Context, schema, table, selectSQL string, args ...any) error {
	tracer := common.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "warehouse.materialize")
	defer span.End()

	db, err := w.connection.GetDB(ctx)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to get database connection", err)
		return err
	}

	stmt := fmt.Sprintf("CREATE TABLE %s.%s AS %s", quoteIdent(schema), quoteIdent(table), selectSQL)

	if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to materialize relation", err)
		return fmt.Errorf("warehouse: materialize %s.%s: %w", schema, table, err)
	}

	return nil
}

// RelationExists reports whether schema.table already exists, so a worker
// that loses a materialisation race can skip straight to completed
// (spec.md §4.5 edge case) instead of erroring on a duplicate CREATE TABLE.
func (w *Warehouse) RelationExists(ctx context.Context, schema, table string) (bool, error) {
	db, err := w.connection.GetDB(ctx)
	if err != nil {
		return false, err
	}

	const q = `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = $1 AND table_name = $2
	)`

	var exists bool

	if err := db.QueryRowContext(ctx, q, schema, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("warehouse: relation_exists %s.%s: %w", schema, table, err)
	}

	return exists, nil
}

// DropTable drops a materialised relation (spec.md §4.4 "evict").
func (w *Warehouse) DropTable(ctx context.Context, schema, table string) error {
	tracer := common.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "warehouse.drop_table")
	defer span.End()

	db, err := w.connection.GetDB(ctx)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to get database connection", err)
		return err
	}

	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", quoteIdent(schema), quoteIdent(table))

	if _, err := db.ExecContext(ctx, stmt); err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to drop relation", err)
		return fmt.Errorf("warehouse: drop %s.%s: %w", schema, table, err)
	}

	return nil
}

// Explain runs `EXPLAIN (FORMAT JSON) <selectSQL>` and returns the raw JSON
// plan, for the execution-audit trail (SPEC_FULL.md §3 mongodb wiring).
// args must match selectSQL's own placeholders, the same triple Materialize
// was called with.
func (w *Warehouse) Explain(ctx context.Context, selectSQL string, args ...any) (string, error) {
	db, err := w.connection.GetDB(ctx)
	if err != nil {
		return "", err
	}

	stmt := "EXPLAIN (FORMAT JSON) " + selectSQL

	var plan string

	if err := db.QueryRowContext(ctx, stmt, args...).Scan(&plan); err != nil {
		return "", fmt.Errorf("warehouse: explain: %w", err)
	}

	return plan, nil
}

// Row is a single result row as a column-name-keyed map, the shape the
// gateway adapter serialises straight into a chunked JSON array element
// (spec.md §4.6 "Result streaming").
type Row = map[string]any

// StreamSelect executes selectSQL as a server-side cursor and invokes fn
// once per batch of at most batchSize rows, never buffering the full
// result (spec.md §4.6 "The server never buffers the full result in
// memory"). fn returning an error aborts the stream and rolls back the
// cursor's transaction.
func (w *Warehouse) StreamSelect(ctx context.Context, selectSQL string, batchSize int, fn func(rows []Row) error) error {
	tracer := common.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "warehouse.stream_select")
	defer span.End()

	if batchSize <= 0 {
		batchSize = 500
	}

	db, err := w.connection.GetDB(ctx)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to get database connection", err)
		return err
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to begin cursor transaction", err)
		return fmt.Errorf("warehouse: begin cursor tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "DECLARE query_result_cursor NO SCROLL CURSOR FOR "+selectSQL); err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to declare cursor", err)
		return fmt.Errorf("warehouse: declare cursor: %w", err)
	}

	for {
		rows, err := tx.QueryContext(ctx, fmt.Sprintf("FETCH FORWARD %d FROM query_result_cursor", batchSize))
		if err != nil {
			mopentelemetry.HandleSpanError(&span, "failed to fetch cursor batch", err)
			return fmt.Errorf("warehouse: fetch batch: %w", err)
		}

		batch, err := scanRows(rows)
		rows.Close()

		if err != nil {
			return err
		}

		if len(batch) == 0 {
			return nil
		}

		if err := fn(batch); err != nil {
			return err
		}

		if len(batch) < batchSize {
			return nil
		}
	}
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var batch []Row

	for rows.Next() {
		values := make([]any, len(cols))
		pointers := make([]any, len(cols))

		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}

		batch = append(batch, row)
	}

	return batch, rows.Err()
}

// normalizeValue coerces driver-returned []byte (common for numeric/text
// types under pgx's database/sql shim) into a JSON-friendly string.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}

	return v
}

// MarshalExplainPlan is a convenience for callers that want the plan as a
// decoded value rather than raw text (e.g. the audit trail writer).
func MarshalExplainPlan(planJSON string) (any, error) {
	var decoded any
	if err := json.Unmarshal([]byte(planJSON), &decoded); err != nil {
		return nil, fmt.Errorf("warehouse: decode explain plan: %w", err)
	}

	return decoded, nil
}

func quoteIdent(ident string) string {
	return `"` + ident + `"`
}
