package rpctransport

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/agdsn/hades/internal/envelope"
)

// PublishTask signs payload as a JSON body under taskName and publishes it
// to the rpc exchange with routingKey (ordinarily the target node's or
// site's key).
func (t *Transport) PublishTask(ctx context.Context, routingKey, taskName string, payload interface{}) error {
	wire, err := envelope.Sign(t.cfg.PrivateKey, envelope.JSONSerializer{Type: taskName}, payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		return errNotConnected
	}

	return ch.PublishWithContext(ctx, RPCExchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        wire,
	})
}

var errNotConnected = notConnectedError{}

type notConnectedError struct{}

func (notConnectedError) Error() string { return "rpctransport: not connected" }
