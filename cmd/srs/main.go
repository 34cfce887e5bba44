// Package main provides the Source Record Storage service.
//
// The service consumes record events from Kafka, stores them as versioned source records in PostgreSQL,
// and exposes probes and Prometheus metrics over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/bibliostore/srs/internal/api"
	"github.com/bibliostore/srs/internal/config"
	"github.com/bibliostore/srs/internal/events"
	"github.com/bibliostore/srs/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "srs"
)

const (
	cacheMemory   = "memory"
	cachePostgres = "postgres"

	defaultEventCacheSize       = 10000
	defaultEventCacheTTL        = 24 * time.Hour
	defaultEventCleanupInterval = time.Hour
)

var errUnknownEventCache = errors.New("unknown event cache")

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if flag.Arg(0) == "export" {
		// stdout carries the document; logs go to stderr.
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		}))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		err := runExport(ctx, flag.Args()[1:], os.Stdout, logger)

		stop()

		if err != nil {
			logger.Error("Export failed", slog.String("error", err.Error()))
			os.Exit(1)
		}

		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting Source Record Storage service",
		slog.String("service", name),
		slog.String("version", version),
	)

	if err := run(logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Source Record Storage service stopped")
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return err
	}

	defer func() {
		_ = dbConn.Close()
	}()

	logger.Info("Connected to database",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Int("stream_fetch_size", storageConfig.StreamFetchSize),
		slog.Int("batch_concurrency", storageConfig.BatchConcurrency),
	)

	recordStore, err := storage.NewRecordStore(dbConn,
		storage.WithRecordLogger(logger),
		storage.WithBatchConcurrency(storageConfig.BatchConcurrency),
		storage.WithStreamFetchSize(storageConfig.StreamFetchSize),
	)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if config.GetEnvBool("SRS_CONSUMERS_ENABLED", true) {
		closeCache, err := startConsumers(ctx, g, dbConn, recordStore, logger)
		if err != nil {
			return err
		}

		defer closeCache()
	} else {
		logger.Warn("Event consumers disabled", slog.String("note", "Set SRS_CONSUMERS_ENABLED=true to consume record events"))
	}

	server := api.NewServer(api.LoadServerConfig(), recordStore, logger, name, version)

	g.Go(func() error {
		return server.Run(ctx)
	})

	return g.Wait()
}

// startConsumers runs one consumer per configured route in g and returns the release function of the event cache.
func startConsumers(
	ctx context.Context,
	g *errgroup.Group,
	dbConn *storage.Connection,
	recordStore *storage.RecordStore,
	logger *slog.Logger,
) (func(), error) {
	cache, closeCache, err := newEventCache(dbConn, logger)
	if err != nil {
		return nil, err
	}

	eventsConfig, err := events.LoadConfigFromEnv()
	if err != nil {
		closeCache()

		return nil, err
	}

	brokers := config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092"))
	groupID := config.GetEnvStr("KAFKA_GROUP_ID", name)
	eventsPerSecond := config.GetEnvFloat64("KAFKA_MAX_EVENTS_PER_SECOND", 0)
	maxBytes := config.GetEnvInt64("KAFKA_MAX_BYTES", events.DefaultMaxBytes)

	for _, route := range eventsConfig.Routes(recordStore, logger) {
		consumer, err := events.NewConsumer(
			events.NewKafkaReader(brokers, groupID, route.Topic, maxBytes),
			route,
			cache,
			events.WithConsumerLogger(logger),
			events.WithRateLimit(eventsPerSecond),
		)
		if err != nil {
			closeCache()

			return nil, err
		}

		g.Go(func() error {
			return consumer.Run(ctx)
		})
	}

	logger.Info("Event consumers started",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID),
		slog.Float64("max_events_per_second", eventsPerSecond),
		slog.Int64("max_bytes", maxBytes),
	)

	return closeCache, nil
}

// newEventCache builds the idempotency cache selected by SRS_EVENT_CACHE and returns its release function.
func newEventCache(conn *storage.Connection, logger *slog.Logger) (events.Cache, func(), error) {
	kind := config.GetEnvStr("SRS_EVENT_CACHE", cacheMemory)
	ttl := config.GetEnvDuration("SRS_EVENT_CACHE_TTL", defaultEventCacheTTL)

	switch kind {
	case cacheMemory:
		size := config.GetEnvInt("SRS_EVENT_CACHE_SIZE", defaultEventCacheSize)

		cache, err := events.NewMemoryCache(size, ttl)
		if err != nil {
			return nil, nil, err
		}

		logger.Warn("Using in-memory event cache",
			slog.Int("size", size),
			slog.Duration("ttl", ttl),
			slog.String("note", "Set SRS_EVENT_CACHE=postgres to share deduplication across replicas and restarts"),
		)

		return cache, func() {}, nil
	case cachePostgres:
		interval := config.GetEnvDuration("SRS_EVENT_CLEANUP_INTERVAL", defaultEventCleanupInterval)

		cache, err := storage.NewEventCache(conn, ttl, interval, storage.WithEventCacheLogger(logger))
		if err != nil {
			return nil, nil, err
		}

		return cache, func() { _ = cache.Close() }, nil
	}

	return nil, nil, fmt.Errorf("%w: %q", errUnknownEventCache, kind)
}
