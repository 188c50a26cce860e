package querykind

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/internal/domain/queryspec"
)

// totalTransactionAmountColumns mirrors dailyLocationColumns: an
// allow-listed mapping from aggregation_unit to the boundary column it
// names, so the value can never reach SQL as a raw identifier.
var totalTransactionAmountColumns = map[string]string{
	"admin0": "admin_admin0",
	"admin1": "admin_admin1",
	"admin2": "admin_admin2",
	"admin3": "admin_admin3",
	"admin4": "admin_admin4",
}

// TotalTransactionAmount depends on the mobile-money transaction table
// directly (SPEC_FULL.md §5, grounded in
// original_source/flowmachine/flowmachine/features/dfs/
// total_transaction_amount.py): total transacted value per day and per
// administrative region.
type TotalTransactionAmount struct{}

func (TotalTransactionAmount) Name() string { return "total_transaction_amount" }

func (TotalTransactionAmount) Validate(params map[string]any) (queryspec.Spec, error) {
	for _, key := range []string{"start_date", "end_date"} {
		if _, err := requireString(params, key, "total_transaction_amount"); err != nil {
			return queryspec.Spec{}, err
		}
	}

	aggregationUnit, err := requireString(params, "aggregation_unit", "total_transaction_amount")
	if err != nil {
		return queryspec.Spec{}, err
	}

	if _, ok := totalTransactionAmountColumns[aggregationUnit]; !ok {
		return queryspec.Spec{}, common.ValidationError{
			Code:    "invalid_param",
			Title:   "Invalid aggregation_unit",
			Message: fmt.Sprintf("total_transaction_amount.aggregation_unit %q is not a known boundary column", aggregationUnit),
		}
	}

	return queryspec.New("total_transaction_amount", params), nil
}

func (TotalTransactionAmount) Dependencies(queryspec.Spec) ([]queryspec.Spec, error) {
	return nil, nil
}

func (TotalTransactionAmount) Build(spec queryspec.Spec, _ map[string]Ref) (string, []any, error) {
	startDate, err := spec.String("start_date")
	if err != nil {
		return "", nil, err
	}

	endDate, err := spec.String("end_date")
	if err != nil {
		return "", nil, err
	}

	aggregationUnit, err := spec.String("aggregation_unit")
	if err != nil {
		return "", nil, err
	}

	column, ok := totalTransactionAmountColumns[aggregationUnit]
	if !ok {
		return "", nil, fmt.Errorf("total_transaction_amount: unknown aggregation_unit %q", aggregationUnit)
	}

	query, args, err := sqlBuilder.
		Select("t.event_date AS date", "m.pcod", "SUM(t.amount) AS value").
		Prefix(
			`WITH filtered_transactions AS (
				SELECT * FROM interactions.transactions
				WHERE event_date >= ? AND event_date < ?
			 ),
			 cell_mapping AS (
				SELECT c.cell_id, g.`+column+` AS pcod
				FROM geography.cells c
				JOIN geography.admin_boundaries g ON g.boundary_id = c.admin_boundary_id
			 )`,
			startDate, endDate,
		).
		From("filtered_transactions t").
		Join("cell_mapping m ON t.cell_id = m.cell_id").
		GroupBy("t.event_date", "m.pcod").
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("total_transaction_amount: build query: %w", err)
	}

	return query, args, nil
}
