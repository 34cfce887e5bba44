package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bibliostore/srs/internal/metrics"
)

const (
	// cleanupQueryTimeout is the maximum time allowed for a single cleanup run.
	cleanupQueryTimeout = 30 * time.Second
	// shutdownTimeout is the maximum time to wait for the cleanup goroutine to stop during Close().
	shutdownTimeout = 5 * time.Second
	// cleanupBatchSize is the maximum number of rows to delete per batch to avoid long-running locks.
	cleanupBatchSize = 10000
	// batchSleepDuration is the pause between cleanup batches.
	batchSleepDuration = 100 * time.Millisecond
)

var (
	// ErrInvalidCleanupInterval is returned when an invalid cleanup interval is provided.
	ErrInvalidCleanupInterval = errors.New("cleanup interval must be greater than zero")

	// ErrInvalidTTL is returned when an event cache is created with a non-positive TTL.
	ErrInvalidTTL = errors.New("event cache ttl must be greater than zero")
)

type (
	// EventCache records handled event ids in PostgreSQL so redelivered events are applied at most once,
	// across consumer restarts and replicas.
	//
	// Entries expire after the configured TTL and are removed by a background goroutine.
	EventCache struct {
		conn            *Connection
		logger          *slog.Logger
		ttl             time.Duration
		cleanupInterval time.Duration
		cleanupStop     chan struct{} // Signal to stop cleanup goroutine
		cleanupDone     chan struct{} // Signal cleanup has stopped
		closeOnce       sync.Once
	}

	// EventCacheOption configures optional EventCache behavior.
	EventCacheOption func(*EventCache)
)

// WithEventCacheLogger sets the logger used by the event cache.
func WithEventCacheLogger(logger *slog.Logger) EventCacheOption {
	return func(c *EventCache) {
		c.logger = logger
	}
}

// NewEventCache creates a PostgreSQL-backed event id cache and starts its cleanup goroutine.
// Close stops the goroutine; the connection stays owned by the caller.
func NewEventCache(
	conn *Connection,
	ttl, cleanupInterval time.Duration,
	opts ...EventCacheOption,
) (*EventCache, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}

	if cleanupInterval <= 0 {
		return nil, ErrInvalidCleanupInterval
	}

	cache := &EventCache{
		conn:            conn,
		logger:          newLogger(),
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		cleanupStop:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(cache)
	}

	go cache.runCleanup()

	cache.logger.Info("Started event cache cleanup goroutine",
		slog.Duration("interval", cleanupInterval),
		slog.Duration("ttl", ttl))

	return cache, nil
}

// ContainsKey reports whether eventID was handled and has not expired.
func (c *EventCache) ContainsKey(ctx context.Context, eventID string) (bool, error) {
	var found bool

	err := c.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM event_idempotency WHERE event_id = $1 AND expires_at > NOW())`,
		eventID).Scan(&found)
	if err != nil {
		return false, classify(fmt.Errorf("failed to look up event %s: %w", eventID, err))
	}

	return found, nil
}

// Put marks eventID as handled for the cache TTL. Putting a known id extends its expiry.
func (c *EventCache) Put(ctx context.Context, eventID string) error {
	query := `
		INSERT INTO event_idempotency (event_id, handled_at, expires_at)
		VALUES ($1, NOW(), NOW() + make_interval(secs => $2))
		ON CONFLICT (event_id) DO UPDATE SET
			handled_at = EXCLUDED.handled_at,
			expires_at = EXCLUDED.expires_at
	`

	if _, err := c.conn.ExecContext(ctx, query, eventID, c.ttl.Seconds()); err != nil {
		return classify(fmt.Errorf("failed to record event %s: %w", eventID, err))
	}

	return nil
}

// Claim marks eventID as handled and reports true, unless an unexpired mark already exists.
// A single statement decides the claim, so concurrent consumers of the same id get one winner.
// An expired mark that cleanup has not removed yet is taken over.
func (c *EventCache) Claim(ctx context.Context, eventID string) (bool, error) {
	query := `
		INSERT INTO event_idempotency (event_id, handled_at, expires_at)
		VALUES ($1, NOW(), NOW() + make_interval(secs => $2))
		ON CONFLICT (event_id) DO UPDATE SET
			handled_at = EXCLUDED.handled_at,
			expires_at = EXCLUDED.expires_at
		WHERE event_idempotency.expires_at <= NOW()
	`

	result, err := c.conn.ExecContext(ctx, query, eventID, c.ttl.Seconds())
	if err != nil {
		return false, classify(fmt.Errorf("failed to claim event %s: %w", eventID, err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, classify(fmt.Errorf("failed to claim event %s: %w", eventID, err))
	}

	return rows == 1, nil
}

// Close stops the cleanup goroutine gracefully. Safe to call multiple times.
// The database connection is not closed.
func (c *EventCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.cleanupStop)

		select {
		case <-c.cleanupDone:
			c.logger.Info("Event cache cleanup goroutine stopped gracefully")
		case <-time.After(shutdownTimeout):
			c.logger.Warn("Event cache cleanup goroutine did not stop within timeout")
		}
	})

	return nil
}

// runCleanup periodically removes expired event ids until Close is called.
func (c *EventCache) runCleanup() {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-c.cleanupStop:
			cancel()
			c.logger.Info("Stopping event cache cleanup goroutine")

			return
		case <-ticker.C:
			cleanupCtx, cleanupCancel := context.WithTimeout(ctx, cleanupQueryTimeout)
			c.cleanupExpired(cleanupCtx)
			cleanupCancel()
		}
	}
}

// cleanupExpired deletes expired event ids in batches of cleanupBatchSize, oldest first,
// pausing between batches so other queries can interleave.
func (c *EventCache) cleanupExpired(ctx context.Context) int64 {
	startTime := time.Now()
	totalDeleted := int64(0)
	batchCount := 0

	query := `
		DELETE FROM event_idempotency
		WHERE event_id IN (
			SELECT event_id
			FROM event_idempotency
			WHERE expires_at < NOW()
			ORDER BY expires_at ASC
			LIMIT $1
		)
	`

	for {
		if ctx.Err() != nil {
			c.logger.Info("Event cache cleanup cancelled",
				slog.Int64("rows_deleted", totalDeleted),
				slog.Int("batches_completed", batchCount))

			return totalDeleted
		}

		result, err := c.conn.ExecContext(ctx, query, cleanupBatchSize)
		if err != nil {
			c.logger.Error("Failed to cleanup expired event ids",
				slog.String("error", err.Error()),
				slog.Int64("rows_deleted_before_error", totalDeleted),
				slog.Int("batches_completed", batchCount))

			return totalDeleted
		}

		rowsDeleted, err := result.RowsAffected()
		if err != nil {
			c.logger.Warn("Event cache cleanup batch completed but row count unavailable",
				slog.String("error", err.Error()))

			return totalDeleted
		}

		totalDeleted += rowsDeleted
		batchCount++

		metrics.EventIdempotencyEvictionsTotal.Add(float64(rowsDeleted))

		if rowsDeleted < cleanupBatchSize {
			break
		}

		select {
		case <-ctx.Done():
			return totalDeleted
		case <-time.After(batchSleepDuration):
		}
	}

	if totalDeleted > 0 {
		c.logger.Info("Event cache cleanup completed",
			slog.Int64("rows_deleted", totalDeleted),
			slog.Int("batches", batchCount),
			slog.Duration("duration", time.Since(startTime)))
	}

	return totalDeleted
}
