package in

import (
	"bufio"
	"context"
	"encoding/json"

	"github.com/flowkit/queryserver/common/mlog"
	"github.com/flowkit/queryserver/internal/adapters/postgres/warehouse"
)

// streamRows writes sql's result as a chunked JSON array, one row object at
// a time, flushing after each batch so the gateway never buffers the full
// result (spec.md §4.6 "Result streaming"). Errors are logged, not
// returned: the HTTP status line is already committed by the time
// streaming starts.
func streamRows(ctx context.Context, wh Warehouse, sql string, batchSize int, w *bufio.Writer, logger mlog.Logger) {
	if _, err := w.WriteString("["); err != nil {
		logger.Errorf("gateway: streaming result: %s", err)
		return
	}

	first := true
	enc := json.NewEncoder(w)

	err := wh.StreamSelect(ctx, sql, batchSize, func(rows []warehouse.Row) error {
		for _, row := range rows {
			if !first {
				if _, err := w.WriteString(","); err != nil {
					return err
				}
			}

			first = false

			if err := enc.Encode(row); err != nil {
				return err
			}
		}

		return w.Flush()
	})
	if err != nil {
		logger.Errorf("gateway: streaming result: %s", err)
	}

	_, _ = w.WriteString("]")
	_ = w.Flush()
}
