// Package rpctransport is the signed RPC transport of spec.md §4.6: it
// declares topology idempotently against an AMQP broker, dispatches
// incoming tasks by name with acknowledge-on-success semantics, retries
// connection loss with exponential backoff, and runs the VRRP-driven
// queue-binding state machine of spec.md §3.
package rpctransport

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/agdsn/hades/internal/envelope"
)

const (
	// RPCExchange carries task requests (spec.md §3: "rpc (topic)").
	RPCExchange = "rpc"
	// NotifyExchange carries fire-and-forget notifications ("notify (topic)").
	NotifyExchange = "notify"
)

// TaskHandler processes one decoded task body. A returned error causes
// the message to be nacked for redelivery; a nil return acks it.
type TaskHandler func(ctx context.Context, body []byte) error

// Config configures a Transport.
type Config struct {
	BrokerURI    string
	NodeKey      string // this node's routing key, e.g. "node.<id>"
	SiteKey      string // this site's routing key, shared by the HA pair
	PrivateKey   ed25519.PrivateKey
	Trusted      envelope.TrustedSigners
	Accept       map[string]bool
	MaxRetries   int           // 0 means unbounded, per spec.md §4.6
	BackoffCeil  time.Duration // cap on exponential backoff
	InitialDelay time.Duration
}

// Transport owns one broker connection, its declared topology, the task
// registry, and the VRRP binding state.
type Transport struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	queueName string
	tasks     map[string]TaskHandler
	siteMode  RADIUSState // current VRRP state of the local radius instance
}

// New constructs a Transport. Call Run to connect and serve; it blocks
// until ctx is canceled.
func New(cfg Config, log *zap.Logger) *Transport {
	return &Transport{cfg: cfg, log: log, tasks: map[string]TaskHandler{}}
}

// RegisterTask adds a named task handler, consulted once topology is
// (re)declared on each (re)connection.
func (t *Transport) RegisterTask(name string, h TaskHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[name] = h
}

// Run connects, declares topology, consumes the node queue, and retries on
// disconnection with exponential backoff bounded by cfg.BackoffCeil, up to
// cfg.MaxRetries attempts (0 = unbounded). Returns only when ctx is
// canceled or retries are exhausted.
func (t *Transport) Run(ctx context.Context) error {
	delay := t.cfg.InitialDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	attempt := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := t.runOnce(ctx)
		if err == nil {
			if ctx.Err() != nil {
				return nil // clean shutdown (ctx canceled inside runOnce)
			}
			// The broker closed the channel or connection without an
			// error: treat it as a lost connection and retry.
			err = amqp.ErrClosed
		}

		attempt++
		if t.cfg.MaxRetries > 0 && attempt >= t.cfg.MaxRetries {
			return err
		}
		t.log.Warn("rpctransport: connection lost, retrying",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if t.cfg.BackoffCeil > 0 && delay > t.cfg.BackoffCeil {
			delay = t.cfg.BackoffCeil
		}
	}
}

// Connect dials the broker and declares topology without consuming,
// leaving the Transport able to PublishTask. It backs one-shot CLI
// clients (hades-deputy-client) that publish a single task and exit,
// rather than running the full Run consumer loop.
func (t *Transport) Connect(ctx context.Context) error {
	conn, err := amqp.Dial(t.cfg.BrokerURI)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	queueName, err := t.declareTopology(ch)
	if err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	t.mu.Lock()
	t.conn, t.ch, t.queueName = conn, ch, queueName
	t.mu.Unlock()
	return nil
}

// Close tears down a connection established by Connect.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn, ch := t.conn, t.ch
	t.conn, t.ch = nil, nil
	t.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *Transport) runOnce(ctx context.Context) error {
	conn, err := amqp.Dial(t.cfg.BrokerURI)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	// Prefetch 1 (spec.md §4.6: "handler execution is serialized per
	// consumer with a prefetch multiplier of 1") — the broker holds back
	// further deliveries until the in-flight one is acked/nacked.
	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}

	t.mu.Lock()
	t.conn, t.ch = conn, ch
	mode := t.siteMode
	t.mu.Unlock()

	queueName, err := t.declareTopology(ch)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.queueName = queueName
	t.mu.Unlock()

	// Reconnect while MASTER must re-assert the site-key binding (spec.md
	// §3/§4.6).
	if mode == StateMaster {
		if err := bindSiteKey(ch, queueName, t.cfg.SiteKey); err != nil {
			return err
		}
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	closeErr := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case cerr := <-closeErr:
			if cerr != nil {
				return cerr
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			t.handleDelivery(ctx, d)
		}
	}
}

func (t *Transport) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var body []byte
	hdr, err := envelope.Open(d.Body, t.cfg.Trusted, t.cfg.Accept, envelope.RawSerializer{}, &body)
	if err != nil {
		t.log.Warn("rpctransport: envelope open failed", zap.Error(err))
		d.Nack(false, false)
		return
	}

	t.mu.Lock()
	h, ok := t.tasks[hdr.ContentType]
	t.mu.Unlock()
	if !ok {
		t.log.Warn("rpctransport: no handler for task", zap.String("task", hdr.ContentType))
		d.Nack(false, false)
		return
	}

	if err := h(ctx, body); err != nil {
		t.log.Error("rpctransport: task handler failed, requeueing", zap.String("task", hdr.ContentType), zap.Error(err))
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}
