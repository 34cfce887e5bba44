package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"github.com/bibliostore/srs/internal/metrics"
)

// ErrInvalidRoute is returned when a consumer is created without a topic or handler.
var ErrInvalidRoute = errors.New("route requires a topic and a handler")

type (
	// Reader is the subset of *kafka.Reader used by Consumer.
	Reader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		io.Closer
	}

	// Route binds a topic to the handler applying its events.
	// KeyPrefix namespaces the topic's event ids in the idempotency cache.
	Route struct {
		Topic     string
		KeyPrefix string
		Handler   Handler
	}

	// Consumer reads one topic, deduplicates events and dispatches them to the route's handler.
	//
	// Delivery is at most once per event id: an id is marked in the cache before its handler runs,
	// and offsets are committed whether or not the handler succeeded.
	Consumer struct {
		reader  Reader
		route   Route
		cache   Cache
		limiter *rate.Limiter
		logger  *slog.Logger
	}

	// ConsumerOption configures optional Consumer behavior.
	ConsumerOption func(*Consumer)
)

// WithConsumerLogger sets the logger used by the consumer.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithRateLimit caps the number of events handled per second. Zero or negative means unlimited.
func WithRateLimit(eventsPerSecond float64) ConsumerOption {
	return func(c *Consumer) {
		if eventsPerSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)

			return
		}

		c.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), max(1, int(eventsPerSecond)))
	}
}

// DefaultMaxBytes is the default fetch size limit of a Kafka reader.
const DefaultMaxBytes int64 = 10e6

// NewKafkaReader returns a consumer group reader for topic fetching at most maxBytes per request.
// A non-positive maxBytes selects DefaultMaxBytes.
func NewKafkaReader(brokers []string, groupID, topic string, maxBytes int64) *kafka.Reader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: int(maxBytes),
	})
}

// NewConsumer creates a consumer of route.Topic reading from reader.
func NewConsumer(reader Reader, route Route, cache Cache, opts ...ConsumerOption) (*Consumer, error) {
	if route.Topic == "" || route.Handler == nil {
		return nil, ErrInvalidRoute
	}

	c := &Consumer{
		reader:  reader,
		route:   route,
		cache:   cache,
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Run consumes events until ctx ends or the reader is exhausted, then closes the reader.
// It returns nil on cancellation and on io.EOF.
func (c *Consumer) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := c.reader.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	c.logger.Info("Event consumer started", slog.String("topic", c.route.Topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
			c.logger.Info("Event consumer stopped", slog.String("topic", c.route.Topic))

			return nil
		default:
			return fmt.Errorf("failed to fetch message from topic %q: %w", c.route.Topic, err)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil //nolint:nilerr // only fails when ctx ends
		}

		outcome := c.process(ctx, msg)
		metrics.EventsTotal.WithLabelValues(c.route.Topic, outcome).Inc()

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return fmt.Errorf("failed to commit message of topic %q: %w", c.route.Topic, err)
		}
	}
}

// process applies one message and returns its outcome label.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) string {
	event, err := DecodeEvent(msg.Value)
	if err != nil {
		c.logger.Error("Dropping malformed event",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()))

		return metrics.Fail
	}

	key := c.route.KeyPrefix + "-" + event.ID

	claimed, err := claim(ctx, c.cache, key)
	if err != nil {
		c.logger.Error("Failed to claim event",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()))

		return metrics.Fail
	}

	if !claimed {
		c.logger.Debug("Skipping duplicate event", slog.String("event_id", event.ID))

		return metrics.Duplicate
	}

	start := time.Now()
	err = c.route.Handler.Handle(ctx, event)

	metrics.EventHandleDurationSeconds.WithLabelValues(c.route.Topic).Observe(time.Since(start).Seconds())

	if err != nil {
		c.logger.Error("Failed to handle event",
			slog.String("topic", c.route.Topic),
			slog.String("event_id", event.ID),
			slog.String("event_type", event.EventType),
			slog.String("error", err.Error()))

		return metrics.Fail
	}

	c.logger.Debug("Event handled",
		slog.String("topic", c.route.Topic),
		slog.String("event_id", event.ID))

	return metrics.Ok
}
