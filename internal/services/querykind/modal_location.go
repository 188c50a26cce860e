package querykind

import (
	"fmt"
	"strings"
	"time"

	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/internal/domain/queryspec"
)

// ModalLocation is meaningful_locations_aggregate (SPEC_FULL.md §5,
// grounded in
// original_source/.../query_schemas/meaningful_locations.py): each
// subscriber's most common location across a date range, aggregated at a
// given spatial granularity. It depends on one daily_location sub-query
// per date in [start_date, end_date] — the 5-dependency/2-cached example
// from spec.md §8 scenario 3 is this kind with a 5-day window.
type ModalLocation struct{}

func (ModalLocation) Name() string { return "modal_location" }

func (ModalLocation) Validate(params map[string]any) (queryspec.Spec, error) {
	startDate, err := requireString(params, "start_date", "modal_location")
	if err != nil {
		return queryspec.Spec{}, err
	}

	endDate, err := requireString(params, "end_date", "modal_location")
	if err != nil {
		return queryspec.Spec{}, err
	}

	if _, err := requireString(params, "aggregation_unit", "modal_location"); err != nil {
		return queryspec.Spec{}, err
	}

	if _, err := dateRange(startDate, endDate); err != nil {
		return queryspec.Spec{}, common.ValidationError{
			Code:    "invalid_param",
			Title:   "Invalid date range",
			Message: err.Error(),
		}
	}

	return queryspec.New("modal_location", params), nil
}

func (ModalLocation) Dependencies(spec queryspec.Spec) ([]queryspec.Spec, error) {
	startDate, err := spec.String("start_date")
	if err != nil {
		return nil, err
	}

	endDate, err := spec.String("end_date")
	if err != nil {
		return nil, err
	}

	aggregationUnit, err := spec.String("aggregation_unit")
	if err != nil {
		return nil, err
	}

	dates, err := dateRange(startDate, endDate)
	if err != nil {
		return nil, err
	}

	deps := make([]queryspec.Spec, 0, len(dates))
	for _, d := range dates {
		deps = append(deps, queryspec.New("daily_location", map[string]any{
			"date":             d,
			"method":           "last",
			"aggregation_unit": aggregationUnit,
		}))
	}

	return deps, nil
}

func (ModalLocation) Build(spec queryspec.Spec, deps map[string]Ref) (string, []any, error) {
	if len(deps) == 0 {
		return "", nil, fmt.Errorf("modal_location: no daily_location dependencies resolved")
	}

	// ref.Schema/ref.Table are assigned by the scheduler from its own
	// "warehouse"/"q_<id>" naming, never from request params, so quoting
	// them as identifiers (not binding them as values) is safe here.
	unions := make([]string, 0, len(deps))
	for _, ref := range deps {
		unions = append(unions, fmt.Sprintf("SELECT * FROM %s.%s", quoteIdent(ref.Schema), quoteIdent(ref.Table)))
	}

	return fmt.Sprintf(
		`WITH daily AS (%s)
		 SELECT subscriber, mode() WITHIN GROUP (ORDER BY location_id) AS location_id
		 FROM daily
		 GROUP BY subscriber`,
		strings.Join(unions, " UNION ALL "),
	), nil, nil
}

func dateRange(startDate, endDate string) ([]string, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return nil, fmt.Errorf("modal_location: invalid start_date %q: %w", startDate, err)
	}

	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return nil, fmt.Errorf("modal_location: invalid end_date %q: %w", endDate, err)
	}

	if end.Before(start) {
		return nil, fmt.Errorf("modal_location: end_date %q before start_date %q", endDate, startDate)
	}

	var dates []string

	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format("2006-01-02"))
	}

	return dates, nil
}

func quoteIdent(ident string) string {
	return `"` + ident + `"`
}
