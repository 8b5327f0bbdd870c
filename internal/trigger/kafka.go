package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	logx "postrelay/pkg/logx"
)

const (
	kafkaDialTimeout = 10 * time.Second
	kafkaMaxBackoff  = 10 * time.Second
)

type KafkaOptions struct {
	Brokers  []string
	Topic    string
	GroupID  string
	Producer string
}

type kafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// KafkaEmitter writes envelopes keyed by Envelope.Key; the hash balancer
// keeps one post's events on one partition, in order.
type KafkaEmitter struct {
	w        kafkaWriter
	producer string
}

func NewKafkaEmitter(opt KafkaOptions) *KafkaEmitter {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  opt.Brokers,
		Topic:    opt.Topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   kafkaDialTimeout,
			DualStack: true,
		},
	})
	return &KafkaEmitter{w: w, producer: opt.Producer}
}

func (k *KafkaEmitter) Emit(ctx context.Context, typ string, data Data) error {
	env := NewEnvelope(typ, data)
	if k.producer != "" {
		producer := k.producer
		env.Meta.Producer = &producer
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.Key()),
		Value: body,
		Time:  env.Meta.Time,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(typ)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", typ, err)
	}
	return nil
}

func (k *KafkaEmitter) Close() error { return k.w.Close() }

// KafkaConsumer reads envelopes in a consumer group and routes them. An
// offset is committed once the event is routed or found to be poison;
// transient failures are retried in place so ordering within a partition
// holds.
type KafkaConsumer struct {
	r      kafkaReader
	router *Router
	log    logx.Logger
	sleep  func(ctx context.Context, d time.Duration) bool
}

func NewKafkaConsumer(opt KafkaOptions, router *Router, log logx.Logger) *KafkaConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: opt.Brokers,
		GroupID: opt.GroupID,
		Topic:   opt.Topic,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaDialTimeout,
			DualStack: true,
		},
	})
	return newKafkaConsumer(r, router, log)
}

func newKafkaConsumer(r kafkaReader, router *Router, log logx.Logger) *KafkaConsumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &KafkaConsumer{r: r, router: router, log: log.With(logx.String("comp", "trigger.kafka")), sleep: sleepCtx}
}

// Run consumes until ctx is done.
func (k *KafkaConsumer) Run(ctx context.Context) error {
	var backoff time.Duration
	for {
		msg, err := k.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			k.log.Error("kafka fetch failed", logx.Err(err), logx.Duration("retry_in", backoff))
			if !k.sleep(ctx, backoff) {
				return ctx.Err()
			}
			continue
		}
		backoff = 0

		if !k.process(ctx, msg) {
			return ctx.Err()
		}
		for {
			err := k.r.CommitMessages(ctx, msg)
			if err == nil {
				break
			}
			// An uncommitted message is fetched again; routing it twice is
			// harmless because publish skips pairs that already have records.
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			k.log.Error("kafka commit failed", logx.Err(err), logx.Int64("offset", msg.Offset))
			if !k.sleep(ctx, backoff) {
				return ctx.Err()
			}
		}
		backoff = 0
	}
}

// process routes msg until it succeeds or turns out to be poison. It reports
// false when ctx ended first.
func (k *KafkaConsumer) process(ctx context.Context, msg kafka.Message) bool {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil || env.Meta.Type == "" {
		k.log.Warn("skipping malformed kafka message", logx.Int64("offset", msg.Offset), logx.Int("partition", msg.Partition), logx.Err(err))
		return true
	}
	var backoff time.Duration
	for {
		err := k.router.Route(ctx, env)
		if err == nil {
			return true
		}
		if Poison(err) {
			k.log.Warn("skipping poison kafka message", logx.String("type", env.Meta.Type), logx.Int64("offset", msg.Offset), logx.Err(err))
			return true
		}
		backoff = nextBackoff(backoff)
		if !k.sleep(ctx, backoff) {
			return false
		}
	}
}

func (k *KafkaConsumer) Close() error { return k.r.Close() }

func nextBackoff(d time.Duration) time.Duration {
	if d <= 0 {
		return 100 * time.Millisecond
	}
	d *= 2
	if d > kafkaMaxBackoff {
		d = kafkaMaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
