// Package mrabbitmq holds the one rabbitmq connection the lifecycle
// publisher (internal/adapters/rabbitmq) reconnects through on demand.
package mrabbitmq

import (
	"context"
	"errors"

	"github.com/flowkit/queryserver/common/mlog"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// lifecycleHealthCheckQueue is declared passively on every connect to confirm
// the broker actually has the lifecycle consumer topology provisioned, not
// just that the TCP dial succeeded.
const lifecycleHealthCheckQueue = "query.lifecycle.health"

// RabbitMQConnection is a lazily-dialled, reconnect-on-demand handle onto the
// broker that carries query.lifecycle events (internal/adapters/rabbitmq).
type RabbitMQConnection struct {
	ConnectionStringSource string
	Consumer               string
	Producer               string
	Channel                amqp.Channel
	Connected              bool
	Logger                 mlog.Logger

	conn *amqp.Connection
}

// Connect dials the broker and opens the channel GetChannel hands out. The
// connection and channel are kept open for the RabbitMQConnection's
// lifetime: closing either here, before a single publish has used it, would
// make every later GetChannel call hand out a dead channel.
func (rc *RabbitMQConnection) Connect(ctx context.Context) error {
	rc.Logger.Info("connecting to rabbitmq...")

	conn, err := amqp.Dial(rc.ConnectionStringSource)
	if err != nil {
		rc.Logger.Errorf("failed to connect to rabbitmq: %s", err)
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		rc.Logger.Errorf("failed to open rabbitmq channel: %s", err)
		conn.Close()

		return err
	}

	if !rc.healthCheck(ch) {
		rc.Connected = false
		conn.Close()

		err := errors.New("rabbitmq lifecycle health check failed")
		rc.Logger.Error("RabbitMQConnection.Connect", zap.Error(err))

		return err
	}

	rc.Logger.Info("connected to rabbitmq")

	rc.conn = conn
	rc.Channel = *ch
	rc.Connected = true

	return nil
}

// GetChannel returns the open channel, dialling first if nothing has
// connected yet (or a previous Connect failed and left Connected false).
func (rc *RabbitMQConnection) GetChannel(ctx context.Context) (*amqp.Channel, error) {
	if !rc.Connected {
		if err := rc.Connect(ctx); err != nil {
			rc.Logger.Infof("rabbitmq connect failed: %s", err)
			return nil, err
		}
	}

	return &rc.Channel, nil
}

// healthCheck passively declares lifecycleHealthCheckQueue on ch: passive
// declaration fails if the queue doesn't exist yet, so a fresh broker with
// no topology provisioned reports unhealthy rather than falsely healthy.
func (rc *RabbitMQConnection) healthCheck(ch *amqp.Channel) bool {
	_, err := ch.QueueDeclarePassive(
		lifecycleHealthCheckQueue,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		rc.Logger.Errorf("rabbitmq health check queue %s unreachable: %s", lifecycleHealthCheckQueue, err)
		return false
	}

	return true
}
