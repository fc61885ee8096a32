package rpctransport

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// declareTopology idempotently declares the two topic exchanges and this
// node's auto-delete, non-durable queue, with the static bindings of
// spec.md §3: `rpc ↔ node_key`, `notify ↔ {node_key, site_key, ""}`.
func (t *Transport) declareTopology(ch *amqp.Channel) (string, error) {
	if err := ch.ExchangeDeclare(RPCExchange, amqp.ExchangeTopic, false, false, false, false, nil); err != nil {
		return "", err
	}
	if err := ch.ExchangeDeclare(NotifyExchange, amqp.ExchangeTopic, false, false, false, false, nil); err != nil {
		return "", err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", err
	}

	if err := ch.QueueBind(q.Name, t.cfg.NodeKey, RPCExchange, false, nil); err != nil {
		return "", err
	}
	for _, key := range []string{t.cfg.NodeKey, t.cfg.SiteKey, ""} {
		if err := ch.QueueBind(q.Name, key, NotifyExchange, false, nil); err != nil {
			return "", err
		}
	}

	return q.Name, nil
}

// bindSiteKey adds the transient MASTER-only binding `rpc ↔ site_key`.
func bindSiteKey(ch *amqp.Channel, queueName, siteKey string) error {
	return ch.QueueBind(queueName, siteKey, RPCExchange, false, nil)
}

// unbindSiteKey removes that binding on any transition away from MASTER.
func unbindSiteKey(ch *amqp.Channel, queueName, siteKey string) error {
	return ch.QueueUnbind(queueName, siteKey, RPCExchange, nil)
}
