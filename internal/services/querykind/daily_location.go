package querykind

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/internal/domain/queryspec"
)

var dailyLocationMethods = map[string]bool{"last": true, "most-common": true}

// dailyLocationColumns maps an aggregation_unit name to the geography
// column that carries it. A real deployment would look this up from a
// configuration table rather than hardcoding admin levels, but that
// mapping is outside this specification's scope (spec.md §1 Non-goals).
// The map doubles as the allow-list: aggregation_unit never reaches SQL
// except through this lookup, so an unrecognised value is rejected
// before Build ever runs rather than concatenated into an identifier.
var dailyLocationColumns = map[string]string{
	"admin0": "admin_admin0",
	"admin1": "admin_admin1",
	"admin2": "admin_admin2",
	"admin3": "admin_admin3",
	"admin4": "admin_admin4",
}

// DailyLocation is a leaf query: locates each subscriber on one day by a
// given method at a given aggregation_unit, reading the CDR table
// directly (SPEC_FULL.md §5, grounded in
// original_source/flowmachine/flowmachine/core/server/query_schemas's
// daily-location-style schemas).
type DailyLocation struct{}

func (DailyLocation) Name() string { return "daily_location" }

func (DailyLocation) Validate(params map[string]any) (queryspec.Spec, error) {
	if _, err := requireString(params, "date", "daily_location"); err != nil {
		return queryspec.Spec{}, err
	}

	method, err := requireString(params, "method", "daily_location")
	if err != nil {
		return queryspec.Spec{}, err
	}

	if !dailyLocationMethods[method] {
		return queryspec.Spec{}, common.ValidationError{
			Code:    "invalid_param",
			Title:   "Invalid method",
			Message: fmt.Sprintf("daily_location.method must be one of last, most-common, got %q", method),
		}
	}

	aggregationUnit, err := requireString(params, "aggregation_unit", "daily_location")
	if err != nil {
		return queryspec.Spec{}, err
	}

	if _, ok := dailyLocationColumns[aggregationUnit]; !ok {
		return queryspec.Spec{}, common.ValidationError{
			Code:    "invalid_param",
			Title:   "Invalid aggregation_unit",
			Message: fmt.Sprintf("daily_location.aggregation_unit %q is not a known geography column", aggregationUnit),
		}
	}

	return queryspec.New("daily_location", params), nil
}

// Dependencies is always empty: daily_location reads the CDR table
// directly, it does not depend on other queries.
func (DailyLocation) Dependencies(queryspec.Spec) ([]queryspec.Spec, error) {
	return nil, nil
}

func (DailyLocation) Build(spec queryspec.Spec, _ map[string]Ref) (string, []any, error) {
	date, err := spec.String("date")
	if err != nil {
		return "", nil, err
	}

	method, err := spec.String("method")
	if err != nil {
		return "", nil, err
	}

	aggregationUnit, err := spec.String("aggregation_unit")
	if err != nil {
		return "", nil, err
	}

	column, ok := dailyLocationColumns[aggregationUnit]
	if !ok {
		return "", nil, fmt.Errorf("daily_location: unknown aggregation_unit %q", aggregationUnit)
	}

	orderCol := "datetime"
	orderDir := "DESC"

	if method == "most-common" {
		orderCol, orderDir = "visit_count", "DESC"
	}

	query, args, err := sqlBuilder.
		Select("DISTINCT ON (e.subscriber) e.subscriber", fmt.Sprintf("g.%s AS location_id", column)).
		From("interactions.events e").
		Join("geography.cells g ON g.cell_id = e.location_id").
		Where(sq.Eq{"e.event_date": date}).
		OrderBy(fmt.Sprintf("e.subscriber, %s %s", orderCol, orderDir)).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("daily_location: build query: %w", err)
	}

	return query, args, nil
}

func requireString(params map[string]any, key, kind string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", common.ValidationError{
			Code:    "missing_param",
			Title:   "Missing required parameter",
			Message: fmt.Sprintf("%s: missing required param %q", kind, key),
		}
	}

	s, ok := v.(string)
	if !ok {
		return "", common.ValidationError{
			Code:    "invalid_param",
			Title:   "Invalid parameter type",
			Message: fmt.Sprintf("%s: param %q must be a string", kind, key),
		}
	}

	return s, nil
}
