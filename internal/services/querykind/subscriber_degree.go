package querykind

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/internal/domain/queryspec"
)

var subscriberDegreeDirections = map[string]bool{"in": true, "out": true, "both": true}

// SubscriberDegree depends on the interaction event table directly
// (SPEC_FULL.md §5, grounded in
// original_source/.../query_schemas/subscriber_degree.py): the count of
// distinct counterparts each subscriber interacted with between start and
// stop.
type SubscriberDegree struct{}

func (SubscriberDegree) Name() string { return "subscriber_degree" }

func (SubscriberDegree) Validate(params map[string]any) (queryspec.Spec, error) {
	if _, err := requireString(params, "start", "subscriber_degree"); err != nil {
		return queryspec.Spec{}, err
	}

	if _, err := requireString(params, "stop", "subscriber_degree"); err != nil {
		return queryspec.Spec{}, err
	}

	direction := "both"
	if v, ok := params["direction"]; ok {
		d, ok := v.(string)
		if !ok || !subscriberDegreeDirections[d] {
			return queryspec.Spec{}, common.ValidationError{
				Code:    "invalid_param",
				Title:   "Invalid direction",
				Message: fmt.Sprintf("subscriber_degree.direction must be one of in, out, both, got %v", v),
			}
		}

		direction = d
	}

	cp := make(map[string]any, len(params)+1)
	for k, v := range params {
		cp[k] = v
	}

	cp["direction"] = direction

	return queryspec.New("subscriber_degree", cp), nil
}

func (SubscriberDegree) Dependencies(queryspec.Spec) ([]queryspec.Spec, error) {
	return nil, nil
}

func (SubscriberDegree) Build(spec queryspec.Spec, _ map[string]Ref) (string, []any, error) {
	start, err := spec.String("start")
	if err != nil {
		return "", nil, err
	}

	stop, err := spec.String("stop")
	if err != nil {
		return "", nil, err
	}

	direction := spec.StringOr("direction", "both")

	where := sq.And{sq.Expr("e.event_date BETWEEN ? AND ?", start, stop)}

	switch direction {
	case "in":
		where = append(where, sq.Eq{"e.direction": "in"})
	case "out":
		where = append(where, sq.Eq{"e.direction": "out"})
	}

	query, args, err := sqlBuilder.
		Select("e.subscriber", "COUNT(DISTINCT e.counterpart) AS degree").
		From("interactions.events e").
		Where(where).
		GroupBy("e.subscriber").
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("subscriber_degree: build query: %w", err)
	}

	return query, args, nil
}
