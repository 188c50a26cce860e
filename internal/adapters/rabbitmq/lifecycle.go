// Package rabbitmq publishes query lifecycle events to a durable exchange,
// the supplemental feature that replaces the source's ad hoc logging of
// terminal state transitions (SPEC_FULL.md §3, §4).
package rabbitmq

import (
	"context"
	"time"

	"github.com/streadway/amqp"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/common/mopentelemetry"
	"github.com/flowkit/queryserver/common/mrabbitmq"
	"github.com/flowkit/queryserver/internal/domain/statemachine"
)

// LifecycleExchange is the fanout exchange every terminal transition is
// published to; the notebook-report driver and audit consumers that sit
// outside this repository's scope subscribe to it independently.
const LifecycleExchange = "query.lifecycle"

// Event is the message body published on every terminal transition, wire
// encoded with msgpack rather than JSON: the same binary encoding the
// teacher's write-behind transaction queue uses for its async message
// payloads (components/transaction/internal/services/command), chosen
// here for the same reason — a fanout queue of many small, frequent
// messages where JSON's text overhead adds up.
type Event struct {
	QueryID    string    `msgpack:"query_id"`
	QueryKind  string    `msgpack:"query_kind,omitempty"`
	State      string    `msgpack:"state"`
	Cause      string    `msgpack:"cause,omitempty"`
	OccurredAt time.Time `msgpack:"occurred_at"`
}

// Publisher publishes Events for every terminal statemachine.Record.
type Publisher struct {
	conn *mrabbitmq.RabbitMQConnection
}

// NewPublisher returns a Publisher using the given rabbitmq connection.
func NewPublisher(conn *mrabbitmq.RabbitMQConnection) *Publisher {
	return &Publisher{conn: conn}
}

// Publish emits an Event for id's terminal record. For a non-terminal
// record it publishes nothing and returns nil: this exchange only ever
// carries completed/errored/cancelled transitions (spec.md §4.3).
func (p *Publisher) Publish(ctx context.Context, id, queryKind string, rec statemachine.Record) error {
	logger := common.NewLoggerFromContext(ctx)
	tracer := common.NewTracerFromContext(ctx)

	ctx, span := tracer.Start(ctx, "rabbitmq.lifecycle.publish")
	defer span.End()

	if !rec.State.Terminal() {
		return nil
	}

	channel, err := p.conn.GetChannel(ctx)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to get rabbitmq channel", err)
		return err
	}

	body, err := msgpack.Marshal(Event{
		QueryID:    id,
		QueryKind:  queryKind,
		State:      string(rec.State),
		Cause:      rec.Cause,
		OccurredAt: time.Now(),
	})
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to marshal lifecycle event", err)
		return err
	}

	err = channel.Publish(
		LifecycleExchange,
		string(rec.State),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/msgpack",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to publish lifecycle event", err)
		logger.Errorf("failed to publish lifecycle event for %s: %s", id, err)

		return err
	}

	logger.Infof("published lifecycle event for %s: %s", id, rec.State)

	return nil
}
