package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibliostore/srs/internal/events"
)

func TestNewEventCache(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("memory", func(t *testing.T) {
		t.Setenv("SRS_EVENT_CACHE", cacheMemory)
		t.Setenv("SRS_EVENT_CACHE_SIZE", "5")

		cache, closeCache, err := newEventCache(nil, logger)
		require.NoError(t, err)

		defer closeCache()

		_, ok := cache.(events.Claimer)
		assert.True(t, ok, "memory cache claims atomically")
	})

	t.Run("unknown", func(t *testing.T) {
		t.Setenv("SRS_EVENT_CACHE", "redis")

		_, _, err := newEventCache(nil, logger)
		assert.ErrorIs(t, err, errUnknownEventCache)
	})
}
