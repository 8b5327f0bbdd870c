package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	logx "postrelay/pkg/logx"
)

// AMQPOptions configures the RabbitMQ transport.
type AMQPOptions struct {
	URL      string
	Exchange string
	// Queue and BindingKey are used by the consumer only.
	Queue      string
	BindingKey string
	Prefetch   int
	// RetryDelay > 0 enables the dead-letter retry stage: failed deliveries
	// wait RetryDelay in <queue>.dead and come back, at most MaxRetries times.
	RetryDelay time.Duration
	MaxRetries int
	Producer   string
	// DialTimeout bounds the TCP connect. Default 10s.
	DialTimeout time.Duration
}

func (o AMQPOptions) withDefaults() AMQPOptions {
	if o.Exchange == "" {
		o.Exchange = "postrelay"
	}
	if o.Queue == "" {
		o.Queue = "postrelay.triggers"
	}
	if o.BindingKey == "" {
		o.BindingKey = "#"
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 16
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.RetryDelay > 0 && o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	return o
}

func (o AMQPOptions) dial(url string) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(o.DialTimeout),
	})
}

func (o AMQPOptions) retry() bool       { return o.RetryDelay > 0 }
func (o AMQPOptions) deadName() string  { return o.Queue + ".dead" }
func (o AMQPOptions) finalName() string { return o.Queue + ".final" }

// amqpPublisher is the part of *amqp.Channel used to publish.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher emits trigger events to a topic exchange; the routing key is the
// event type.
type Publisher struct {
	opt  AMQPOptions
	conn *amqp.Connection
	log  logx.Logger
}

func NewPublisher(opt AMQPOptions, log logx.Logger) (*Publisher, error) {
	opt = opt.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	conn, err := opt.dial(opt.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(opt.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", opt.Exchange, err)
	}
	return &Publisher{opt: opt, conn: conn, log: log.With(logx.String("comp", "trigger.amqp"))}, nil
}

func (p *Publisher) Emit(ctx context.Context, typ string, data Data) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()
	env := NewEnvelope(typ, data)
	if p.opt.Producer != "" {
		producer := p.opt.Producer
		env.Meta.Producer = &producer
	}
	if err := publishEnvelope(ctx, ch, p.opt.Exchange, env); err != nil {
		return err
	}
	p.log.Debug("published", logx.String("type", typ), logx.String("event_id", env.Meta.ID))
	return nil
}

func (p *Publisher) Close() error { return p.conn.Close() }

func publishEnvelope(ctx context.Context, pub amqpPublisher, exchange string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	cid := env.Meta.ID
	if env.Meta.CorrelationID != nil {
		cid = *env.Meta.CorrelationID
	}
	if cid == "" {
		cid = uuid.NewString()
	}
	return pub.PublishWithContext(ctx, exchange, env.Meta.Type, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: cid,
		Timestamp:     env.Meta.Time,
		Type:          env.Meta.Type,
		Body:          body,
	})
}

// Consumer reads trigger events from a queue bound to the exchange and routes
// them. Poison deliveries go to <queue>.final; transient failures go through
// the dead-letter retry stage when enabled, else they are requeued.
type Consumer struct {
	opt    AMQPOptions
	router *Router
	log    logx.Logger
	dial   func(url string) (*amqp.Connection, error)
}

func NewConsumer(opt AMQPOptions, router *Router, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	opt = opt.withDefaults()
	return &Consumer{
		opt:    opt,
		router: router,
		log:    log.With(logx.String("comp", "trigger.amqp"), logx.String("queue", opt.Queue)),
		dial:   opt.dial,
	}
}

// Run consumes until ctx is done, reconnecting with jittered backoff.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := jitteredDelay(backoff, maxBackoff)
		c.log.Warn("amqp session ended, reconnecting", logx.Err(err), logx.Duration("retry_in", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if err == nil {
			backoff = time.Second
		} else if backoff*2 <= maxBackoff {
			backoff *= 2
		}
	}
}

func (c *Consumer) session(ctx context.Context) error {
	conn, err := c.dial(c.opt.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.opt.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	if err := declareTopology(ch, c.opt); err != nil {
		return err
	}
	msgs, err := ch.Consume(c.opt.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.log.Info("amqp consumer started", logx.Int("prefetch", c.opt.Prefetch), logx.Bool("retry", c.opt.retry()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr := <-closed:
			if aerr == nil {
				return errors.New("connection closed")
			}
			return aerr
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, ch, d)
		}
	}
}

// amqpTopology is the part of *amqp.Channel used to declare queues.
type amqpTopology interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

func declareTopology(ch amqpTopology, o AMQPOptions) error {
	if err := ch.ExchangeDeclare(o.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", o.Exchange, err)
	}
	mainArgs := amqp.Table{}
	if o.retry() {
		mainArgs["x-dead-letter-exchange"] = o.deadName()
	}
	if _, err := ch.QueueDeclare(o.Queue, true, false, false, false, mainArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", o.Queue, err)
	}
	if err := ch.QueueBind(o.Queue, o.BindingKey, o.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", o.Queue, err)
	}

	if o.retry() {
		if err := ch.ExchangeDeclare(o.deadName(), "fanout", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", o.deadName(), err)
		}
		// Expired deliveries go back to the main exchange under their
		// original routing key.
		deadArgs := amqp.Table{
			"x-message-ttl":          int32(o.RetryDelay / time.Millisecond),
			"x-dead-letter-exchange": o.Exchange,
		}
		if _, err := ch.QueueDeclare(o.deadName(), true, false, false, false, deadArgs); err != nil {
			return fmt.Errorf("declare queue %s: %w", o.deadName(), err)
		}
		if err := ch.QueueBind(o.deadName(), "", o.deadName(), false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", o.deadName(), err)
		}
	}

	if err := ch.ExchangeDeclare(o.finalName(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", o.finalName(), err)
	}
	if _, err := ch.QueueDeclare(o.finalName(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", o.finalName(), err)
	}
	if err := ch.QueueBind(o.finalName(), "", o.finalName(), false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", o.finalName(), err)
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, pub amqpPublisher, d amqp.Delivery) {
	log := c.log.With(logx.String("routing_key", d.RoutingKey), logx.String("message_id", d.MessageId))

	if c.opt.retry() && deathCount(d, c.opt.Queue) >= c.opt.MaxRetries {
		log.Warn("retries exhausted, moving to final queue")
		c.toFinal(ctx, pub, d, log)
		return
	}

	var env Envelope
	err := json.Unmarshal(d.Body, &env)
	if err != nil || env.Meta.Type == "" {
		err = fmt.Errorf("%w: %v", errDecode, err)
	} else {
		err = c.router.Route(ctx, env)
	}

	switch {
	case err == nil:
		_ = d.Ack(false)
	case Poison(err):
		log.Warn("poison delivery", logx.Err(err))
		c.toFinal(ctx, pub, d, log)
	case c.opt.retry():
		_ = d.Nack(false, false)
	default:
		_ = d.Nack(false, true)
	}
}

func (c *Consumer) toFinal(ctx context.Context, pub amqpPublisher, d amqp.Delivery, log logx.Logger) {
	err := pub.PublishWithContext(ctx, c.opt.finalName(), "", false, false, amqp.Publishing{
		ContentType:   firstNonEmpty(d.ContentType, "application/json"),
		Headers:       d.Headers,
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
		Type:          d.Type,
		Body:          d.Body,
	})
	if err != nil {
		log.Error("publish to final queue failed", logx.Err(err))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// deathCount returns how many times d was dead-lettered from queue.
func deathCount(d amqp.Delivery, queue string) int {
	list, ok := d.Headers["x-death"].([]any)
	if !ok {
		return 0
	}
	for _, it := range list {
		m, ok := it.(amqp.Table)
		if !ok {
			continue
		}
		if q, _ := m["queue"].(string); q == queue {
			if n, ok := m["count"].(int64); ok {
				return int(n)
			}
		}
	}
	return 0
}

func jitteredDelay(base, maxD time.Duration) time.Duration {
	delta := (rand.Float64()*2 - 1) * 0.25
	wait := time.Duration(float64(base) * (1 + delta))
	if wait <= 0 {
		wait = base
	}
	if wait > maxD {
		wait = maxD
	}
	return wait
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
