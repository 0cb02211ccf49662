// Package amqp carries saga step commands to workers and their replies back over RabbitMQ.
package amqp

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"tripsaga/internal/dispatch"
)

// Config names the broker topology.
type Config struct {
	Exchange        string
	ReplyQueue      string
	ReplyRoutingKey string
	Prefetch        int
	ConsumerTag     string
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "saga.commands"
	}
	if c.ReplyQueue == "" {
		c.ReplyQueue = "saga.replies"
	}
	if c.ReplyRoutingKey == "" {
		c.ReplyRoutingKey = "saga.reply"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 16
	}
	if c.ConsumerTag == "" {
		c.ConsumerTag = "tripsaga-" + uuid.NewString()[:8]
	}
	return c
}

// Transport publishes commands to a topic exchange and consumes the reply queue.
// It implements dispatch.Dispatcher and dispatch.ReplySource.
type Transport struct {
	cfg     Config
	routes  dispatch.Routes
	publish AmqpChannel
	consume AmqpChannel
	conn    *amqp.Connection
	logf    func(format string, args ...any)

	mu sync.Mutex
}

// New constructs a transport over already opened channels.
func New(publish, consume AmqpChannel, cfg Config, routes dispatch.Routes, logf func(format string, args ...any)) *Transport {
	if logf == nil {
		logf = log.Printf
	}
	if routes == nil {
		routes = dispatch.DefaultRoutes()
	}
	return &Transport{
		cfg:     cfg.withDefaults(),
		routes:  routes,
		publish: publish,
		consume: consume,
		logf:    logf,
	}
}

// Dial connects to url, opens a publishing and a consuming channel and declares the topology.
func Dial(url string, cfg Config, routes dispatch.Routes, logf func(format string, args ...any)) (*Transport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dialing amqp")
	}
	publish, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "creating publishing channel")
	}
	consume, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "creating consuming channel")
	}

	t := New(publish, consume, cfg, routes, logf)
	t.conn = conn
	if err := t.Setup(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return t, nil
}

// Setup declares the command exchange and the durable reply queue bound to it, and starts
// logging commands the broker could not route.
func (t *Transport) Setup() error {
	if err := t.publish.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declaring exchange %s", t.cfg.Exchange)
	}
	if _, err := t.consume.QueueDeclare(t.cfg.ReplyQueue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declaring queue %s", t.cfg.ReplyQueue)
	}
	if err := t.consume.QueueBind(t.cfg.ReplyQueue, t.cfg.ReplyRoutingKey, t.cfg.Exchange, false, nil); err != nil {
		return errors.Wrapf(err, "binding queue %s", t.cfg.ReplyQueue)
	}

	returns := t.publish.NotifyReturn(make(chan amqp.Return, 16))
	go func() {
		for ret := range returns {
			t.logf("amqp: command %s for %s returned by broker: %d %s", ret.RoutingKey, ret.CorrelationId, ret.ReplyCode, ret.ReplyText)
		}
	}()
	return nil
}

// Dispatch publishes cmd with its step's routing key. Unroutable commands are returned by the
// broker and logged.
func (t *Transport) Dispatch(ctx context.Context, cmd dispatch.Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "marshaling command")
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: cmd.CorrelationID,
		MessageId:     uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Type:          "saga.command." + string(cmd.Step),
		Body:          body,
	}

	t.mu.Lock()
	err = t.publish.PublishWithContext(ctx, t.cfg.Exchange, t.routes.RoutingKey(cmd.Step), true, false, msg)
	t.mu.Unlock()
	if err != nil {
		return errors.Wrapf(dispatch.ErrWorkerUnreachable, "publishing %s command for %s: %v", cmd.Step, cmd.CorrelationID, err)
	}
	return nil
}

// Replies consumes the reply queue with manual acknowledgement until ctx ends, then cancels
// the consumer and closes the returned channel.
func (t *Transport) Replies(ctx context.Context) (<-chan dispatch.Delivery, error) {
	if err := t.consume.Qos(t.cfg.Prefetch, 0, false); err != nil {
		return nil, errors.Wrap(err, "setting qos")
	}
	deliveries, err := t.consume.Consume(t.cfg.ReplyQueue, t.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "consuming %s", t.cfg.ReplyQueue)
	}

	out := make(chan dispatch.Delivery)
	go func() {
		defer close(out)
		defer func() {
			if err := t.consume.Cancel(t.cfg.ConsumerTag, false); err != nil {
				t.logf("amqp: canceling consumer %s: %v", t.cfg.ConsumerTag, err)
			}
		}()

		for {
			select {
			case msg, open := <-deliveries:
				if !open {
					t.logf("amqp: consumer channel closed for queue %s", t.cfg.ReplyQueue)
					return
				}
				select {
				case out <- toDelivery(msg):
				case <-ctx.Done():
					_ = msg.Nack(false, true)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func toDelivery(msg amqp.Delivery) dispatch.Delivery {
	return dispatch.Delivery{
		Body: msg.Body,
		Ack: func() error {
			return msg.Ack(false)
		},
		Nack: func(requeue bool) error {
			return msg.Nack(false, requeue)
		},
	}
}

// Close releases both channels and the connection when the transport dialed it.
func (t *Transport) Close() error {
	var errs []error
	if err := t.publish.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "closing publishing channel"))
	}
	if err := t.consume.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "closing consuming channel"))
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "closing connection"))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
