package eventing

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fitlab/go-fitness/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "fitlab.invalidate"

type redisSubscriber struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscriber) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}

type redisBus struct {
	rdb     redis.UniversalClient
	channel string
	ctx     context.Context
	cancel  context.CancelFunc
	logger  logger.Logger
}

var _ Bus = (*redisBus)(nil)

// NewRedisBus returns a Bus on Redis pub/sub. Every subscriber of every
// process receives every event; delivery is at most once, so handlers must
// be idempotent. The caller owns the redis client.
func NewRedisBus(ctx context.Context, logger logger.Logger, rdb redis.UniversalClient, channel string) Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	ctx, cancel := context.WithCancel(ctx)
	return &redisBus{
		rdb:     rdb,
		channel: channel,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(map[string]interface{}{"component": "eventing", "channel": channel}),
	}
}

func (b *redisBus) Publish(ctx context.Context, ev Event, opts ...PublishOption) error {
	if ev.Kind == "" {
		return errors.New("eventing: event has no kind")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	headers := make(Headers, len(ev.Headers))
	for k, v := range ev.Headers {
		headers[k] = v
	}
	options := &publishOptions{}
	for _, opt := range opts {
		opt(options)
	}
	for _, header := range options.Headers {
		if len(header) == 2 {
			headers[header[0]] = header[1]
		}
	}
	// inject the trace context into the headers before starting a span
	propagator.Inject(ctx, headers)
	ev.Headers = headers

	spanCtx, span := tracer.Start(ctx, "eventing.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("event.kind", string(ev.Kind)), attribute.String("event.id", ev.ID)),
	)
	defer span.End()

	payload, err := msgpack.Marshal(&ev)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return errors.Wrap(err, "failed to marshal event")
	}
	if err := b.rdb.Publish(spanCtx, b.channel, payload).Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return errors.Wrap(err, "failed to publish event")
	}
	span.SetStatus(codes.Ok, "event published")
	return nil
}

func (b *redisBus) dispatch(ctx context.Context, payload []byte, h Handler) {
	var ev Event
	if err := msgpack.Unmarshal(payload, &ev); err != nil {
		b.logger.Error("failed to decode event: %s", err)
		return
	}
	if ev.Headers == nil {
		ev.Headers = Headers{}
	}
	// extract the trace context from the headers
	spanCtx, span := tracer.Start(
		propagator.Extract(ctx, ev.Headers),
		"eventing.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("event.kind", string(ev.Kind)), attribute.String("event.id", ev.ID)),
	)
	defer span.End()

	if err := h(spanCtx, ev); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		b.logger.WithContext(spanCtx).Warn("handler failed for %s event %s: %s", ev.Kind, ev.ID, err)
	}
}

func (b *redisBus) Subscribe(ctx context.Context, h Handler) (Subscriber, error) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	// wait for the subscription to be confirmed so no event published after
	// Subscribe returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", b.channel)
	}

	sub := &redisSubscriber{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.dispatch(ctx, []byte(msg.Payload), h)
			}
		}
	}()
	return sub, nil
}

func (b *redisBus) Close() error {
	b.cancel()
	return nil
}
