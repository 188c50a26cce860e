// Package mongodb is the execution-audit trail: one document per
// materialisation attempt, supplementing the source's bare logging with a
// queryable audit collection (SPEC_FULL.md §3, §4 "execution-audit
// trail").
package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/common/mmongo"
	"github.com/flowkit/queryserver/common/mopentelemetry"
)

const collectionName = "execution_audit"

// Attempt is one materialisation attempt record.
type Attempt struct {
	QueryID       string    `bson:"query_id"`
	QueryKind     string    `bson:"query_kind"`
	SQL           string    `bson:"sql"`
	ExplainPlan   any       `bson:"explain_plan,omitempty"`
	StartedAt     time.Time `bson:"started_at"`
	FinishedAt    time.Time `bson:"finished_at"`
	DurationMS    int64     `bson:"duration_ms"`
	Outcome       string    `bson:"outcome"` // completed | errored | cancelled
	FailureReason string    `bson:"failure_reason,omitempty"`
}

// AuditTrail records execution attempts to a Mongo collection.
type AuditTrail struct {
	connection *mmongo.MongoConnection
}

// NewAuditTrail returns an AuditTrail using the given mongo connection.
func NewAuditTrail(conn *mmongo.MongoConnection) *AuditTrail {
	return &AuditTrail{connection: conn}
}

// Record inserts a completed Attempt document.
func (a *AuditTrail) Record(ctx context.Context, attempt Attempt) error {
	tracer := common.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "mongodb.audit.record")
	defer span.End()

	client, err := a.connection.GetDB(ctx)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to get mongo client", err)
		return err
	}

	coll := client.Database(a.connection.Database).Collection(collectionName)

	if _, err := coll.InsertOne(ctx, attempt); err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to insert audit attempt", err)
		return err
	}

	return nil
}

// ForQuery returns every recorded attempt for id, most recent first.
func (a *AuditTrail) ForQuery(ctx context.Context, queryID string) ([]Attempt, error) {
	tracer := common.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "mongodb.audit.for_query")
	defer span.End()

	client, err := a.connection.GetDB(ctx)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to get mongo client", err)
		return nil, err
	}

	coll := client.Database(a.connection.Database).Collection(collectionName)

	findOpts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})

	cursor, err := coll.Find(ctx, bson.M{"query_id": queryID}, findOpts)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to query audit attempts", err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var attempts []Attempt
	if err := cursor.All(ctx, &attempts); err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to decode audit attempts", err)
		return nil, err
	}

	return attempts, nil
}
