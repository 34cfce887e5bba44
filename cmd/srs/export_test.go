package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibliostore/srs/internal/records"
)

func TestExportFilter(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("defaults to actual MARC records", func(t *testing.T) {
		opts, err := parseExportFlags(nil)
		require.NoError(t, err)

		filter, err := opts.filter()
		require.NoError(t, err)

		assert.Equal(t, records.RecordTypeMarc, filter.RecordType)
		assert.Equal(t, records.StateActual, filter.State)
		assert.Nil(t, filter.SnapshotID)
		assert.Empty(t, filter.OrderBy)
	})

	t.Run("all flags", func(t *testing.T) {
		opts, err := parseExportFlags([]string{
			"-snapshot", "6d1c5c0e-3f4a-4d0e-9a59-3b7c1f2e8a10",
			"-instance", "0f1e2d3c-4b5a-4968-8776-a5b4c3d2e1f0",
			"-state", "",
			"-order-by", "updatedDate,DESC",
		})
		require.NoError(t, err)

		filter, err := opts.filter()
		require.NoError(t, err)

		require.NotNil(t, filter.SnapshotID)
		assert.Equal(t, "6d1c5c0e-3f4a-4d0e-9a59-3b7c1f2e8a10", filter.SnapshotID.String())
		require.NotNil(t, filter.InstanceID)
		assert.Equal(t, records.RecordState(""), filter.State)
		assert.Equal(t, []records.SortField{{Field: "updatedDate", Desc: true}}, filter.OrderBy)
	})

	invalid := map[string][]string{
		"bad snapshot id": {"-snapshot", "not-a-uuid"},
		"bad state":       {"-state", "CURRENT"},
		"bad type":        {"-type", "DUBLIN_CORE"},
		"bad direction":   {"-order-by", "updatedDate,SIDEWAYS"},
	}

	for name, args := range invalid {
		t.Run(name, func(t *testing.T) {
			opts, err := parseExportFlags(args)
			require.NoError(t, err)

			_, err = opts.filter()
			assert.True(t, errors.Is(err, records.ErrBadRequest), "got %v", err)
		})
	}
}
