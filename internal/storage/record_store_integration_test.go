package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/bibliostore/srs/internal/config"
	"github.com/bibliostore/srs/internal/records"
	"github.com/bibliostore/srs/internal/stream"
)

const (
	testLeader     = "00000nam a2200000 a 4500"
	testRawContent = "00123nam a2200049 a 4500001000800000\x1ein00001\x1e\x1d"
)

var storageTables = []string{"snapshots", "records", "raw_records", "parsed_records", "error_records", "event_idempotency"}

func parsedContent(hrid string) json.RawMessage {
	return json.RawMessage(`{"leader":"` + testLeader + `","fields":[{"001":"` + hrid + `"},` +
		`{"245":{"ind1":"1","ind2":"0","subfields":[{"a":"A title"},{"c":"An author"}]}}]}`)
}

func marcRecord(snapshotID, matchedID uuid.UUID) *records.Record {
	return &records.Record{
		MatchedID:    matchedID,
		SnapshotID:   snapshotID,
		RecordType:   records.RecordTypeMarc,
		RawRecord:    &records.RawRecord{Content: testRawContent},
		ParsedRecord: &records.ParsedRecord{Content: parsedContent("in00001")},
	}
}

type integrationFixture struct {
	conn      *Connection
	snapshots *SnapshotStore
	records   *RecordStore
}

func (f *integrationFixture) reset(ctx context.Context, t *testing.T) {
	t.Helper()

	config.TruncateTables(ctx, t, f.conn.DB, storageTables...)
}

func (f *integrationFixture) newSnapshot(ctx context.Context, t *testing.T) *records.Snapshot {
	t.Helper()

	snapshot, err := f.snapshots.Save(ctx, &records.Snapshot{Status: records.StatusParsingInProgress})
	require.NoError(t, err)
	require.NotNil(t, snapshot.ProcessingStartedDate, "PARSING_IN_PROGRESS must stamp the processing date")

	return snapshot
}

func (f *integrationFixture) commit(ctx context.Context, t *testing.T, snapshot *records.Snapshot) {
	t.Helper()

	snapshot.Status = records.StatusCommitted

	_, err := f.snapshots.Update(ctx, snapshot)
	require.NoError(t, err)
}

func (f *integrationFixture) actualCount(ctx context.Context, t *testing.T, matchedID uuid.UUID) int {
	t.Helper()

	var n int

	err := f.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM records WHERE matched_id = $1 AND state = 'ACTUAL'`, matchedID).Scan(&n)
	require.NoError(t, err)

	return n
}

func TestRecordStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &Connection{DB: testDB.Connection}

	snapshots, err := NewSnapshotStore(conn)
	require.NoError(t, err)

	recordStore, err := NewRecordStore(conn, WithStreamFetchSize(3), WithBatchConcurrency(2))
	require.NoError(t, err)

	f := &integrationFixture{conn: conn, snapshots: snapshots, records: recordStore}

	t.Run("SequentialCommitsIncrementGeneration", testSequentialGenerations(ctx, f))
	t.Run("ConcurrentJobsShareGenerationZero", testConcurrentGenerations(ctx, f))
	t.Run("LateCommitIsNotAncestor", testLateCommit(ctx, f))
	t.Run("ExplicitGenerationBypassesResolution", testExplicitGeneration(ctx, f))
	t.Run("SnapshotValidation", testSnapshotValidation(ctx, f))
	t.Run("FormattingFailureStoresErrorRecord", testFormattingFailure(ctx, f))
	t.Run("ValidUpdateClearsErrorRecord", testValidUpdateClearsErrorRecord(ctx, f))
	t.Run("FormattedRecordOmitsErrorRecord", testFormattedRecordOmitsError(ctx, f))
	t.Run("RoundTrip", testRoundTrip(ctx, f))
	t.Run("SaveManyPartialSuccess", testSaveManyPartialSuccess(ctx, f))
	t.Run("StreamSourceRecords", testStreamSourceRecords(ctx, f))
	t.Run("SnapshotDeleteRemovesRecords", testSnapshotDelete(ctx, f))
	t.Run("ExternalIDLookups", testExternalIDLookups(ctx, f))
	t.Run("UpdateSuppressFromDiscovery", testUpdateSuppress(ctx, f))
	t.Run("UpdateAndSoftDelete", testUpdateAndDelete(ctx, f))
	t.Run("SaveUpdatedRecord", testSaveUpdatedRecord(ctx, f))
	t.Run("UpdateSourceRecord", testUpdateSourceRecord(ctx, f))
	t.Run("UpdateParsedRecords", testUpdateParsedRecords(ctx, f))
	t.Run("PagedQueries", testPagedQueries(ctx, f))
	t.Run("SnapshotList", testSnapshotList(ctx, f))
}

func testSequentialGenerations(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		matchedID := uuid.New()

		for want := range 4 {
			snapshot := f.newSnapshot(ctx, t)

			saved, err := f.records.Save(ctx, marcRecord(snapshot.JobExecutionID, matchedID))
			require.NoError(t, err)
			require.NotNil(t, saved.Generation)
			assert.Equal(t, want, *saved.Generation)

			f.commit(ctx, t, snapshot)

			assert.Equal(t, 1, f.actualCount(ctx, t, matchedID))
		}
	}
}

func testConcurrentGenerations(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		matchedID := uuid.New()
		s1 := f.newSnapshot(ctx, t)
		s2 := f.newSnapshot(ctx, t)

		first, err := f.records.Save(ctx, marcRecord(s1.JobExecutionID, matchedID))
		require.NoError(t, err)

		second, err := f.records.Save(ctx, marcRecord(s2.JobExecutionID, matchedID))
		require.NoError(t, err)

		assert.Equal(t, 0, *first.Generation)
		assert.Equal(t, 0, *second.Generation)
		assert.Equal(t, 1, f.actualCount(ctx, t, matchedID))

		stored, err := f.records.GetByID(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, records.StateOld, stored.State)
	}
}

func testLateCommit(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		matchedID := uuid.New()
		s1 := f.newSnapshot(ctx, t)
		s2 := f.newSnapshot(ctx, t)

		_, err := f.records.Save(ctx, marcRecord(s1.JobExecutionID, matchedID))
		require.NoError(t, err)

		// s1 commits after s2 started processing.
		f.commit(ctx, t, s1)

		saved, err := f.records.Save(ctx, marcRecord(s2.JobExecutionID, matchedID))
		require.NoError(t, err)
		assert.Equal(t, 0, *saved.Generation)
	}
}

func testExplicitGeneration(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		snapshot := f.newSnapshot(ctx, t)
		rec := marcRecord(snapshot.JobExecutionID, uuid.Nil)
		rec.Generation = records.IntPtr(7)

		saved, err := f.records.Save(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, 7, *saved.Generation)
		assert.Equal(t, saved.ID, saved.MatchedID, "first generation matches itself")
		assert.False(t, saved.SuppressDiscovery())
		assert.Equal(t, uuid.Nil, rec.ID, "input is not modified")
	}
}

func testSnapshotValidation(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		notStarted, err := f.snapshots.Save(ctx, &records.Snapshot{Status: records.StatusNew})
		require.NoError(t, err)
		require.Nil(t, notStarted.ProcessingStartedDate)

		_, err = f.records.Save(ctx, marcRecord(notStarted.JobExecutionID, uuid.Nil))
		require.ErrorIs(t, err, records.ErrBadRequest)
		assert.Contains(t, err.Error(), "Date when processing started is not set")

		_, err = f.records.Save(ctx, marcRecord(uuid.New(), uuid.Nil))
		require.ErrorIs(t, err, records.ErrNotFound)

		_, err = f.records.Save(ctx, &records.Record{SnapshotID: notStarted.JobExecutionID, RecordType: "XML"})
		require.ErrorIs(t, err, records.ErrBadRequest)

		var count int
		require.NoError(t, f.conn.QueryRowContext(ctx, `SELECT count(*) FROM raw_records`).Scan(&count))
		assert.Zero(t, count, "failed saves leave no sub-records behind")
	}
}

func testFormattingFailure(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		snapshot := f.newSnapshot(ctx, t)
		rec := marcRecord(snapshot.JobExecutionID, uuid.Nil)
		rec.ParsedRecord.Content = json.RawMessage(`{"leader":"short","fields":[]}`)

		saved, err := f.records.Save(ctx, rec)
		require.NoError(t, err)
		assert.Nil(t, saved.ParsedRecord)
		require.NotNil(t, saved.ErrorRecord)
		assert.NotEmpty(t, saved.ErrorRecord.Description)
		assert.JSONEq(t, `{"leader":"short","fields":[]}`, saved.ErrorRecord.Content)

		stored, err := f.records.GetByID(ctx, saved.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.ParsedRecord)
		require.NotNil(t, stored.ErrorRecord)
		assert.Equal(t, saved.ErrorRecord.Description, stored.ErrorRecord.Description)
		require.NotNil(t, stored.RawRecord)
	}
}

func testValidUpdateClearsErrorRecord(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		snapshot := f.newSnapshot(ctx, t)
		rec := marcRecord(snapshot.JobExecutionID, uuid.Nil)
		rec.ParsedRecord.Content = json.RawMessage(`{"leader":"short","fields":[]}`)

		failed, err := f.records.Save(ctx, rec)
		require.NoError(t, err)
		require.NotNil(t, failed.ErrorRecord)

		fixed := marcRecord(snapshot.JobExecutionID, failed.MatchedID)
		fixed.ID = failed.ID

		updated, err := f.records.Update(ctx, fixed)
		require.NoError(t, err)
		require.NotNil(t, updated.ParsedRecord)
		assert.Nil(t, updated.ErrorRecord)

		stored, err := f.records.GetByID(ctx, failed.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.ParsedRecord)
		assert.Nil(t, stored.ErrorRecord, "error record of the failed save must be removed")

		var errorRows int
		require.NoError(t, f.conn.QueryRowContext(ctx,
			`SELECT count(*) FROM error_records WHERE id = $1`, failed.ID).Scan(&errorRows))
		assert.Zero(t, errorRows)
	}
}

func testFormattedRecordOmitsError(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		snapshot := f.newSnapshot(ctx, t)
		rec := marcRecord(snapshot.JobExecutionID, uuid.Nil)
		rec.ErrorRecord = &records.ErrorRecord{Content: "{}", Description: "reported by the import job"}

		saved, err := f.records.Save(ctx, rec)
		require.NoError(t, err)

		full, err := f.records.GetByID(ctx, saved.ID)
		require.NoError(t, err)
		require.NotNil(t, full.ParsedRecord)
		require.NotNil(t, full.ErrorRecord)
		assert.Equal(t, "reported by the import job", full.ErrorRecord.Description)

		formatted, err := f.records.GetFormattedRecord(ctx, saved.ID.String(), records.ExternalIDRecord)
		require.NoError(t, err)
		require.NotNil(t, formatted.ParsedRecord)
		assert.NotEmpty(t, formatted.ParsedRecord.FormattedContent)
		assert.Nil(t, formatted.ErrorRecord)
		require.NotNil(t, formatted.RawRecord)
	}
}

func testRoundTrip(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		snapshot := f.newSnapshot(ctx, t)
		rec := marcRecord(snapshot.JobExecutionID, uuid.Nil)
		rec.Order = records.IntPtr(3)
		rec.ErrorRecord = &records.ErrorRecord{Content: "warning content", Description: "non fatal warning"}

		saved, err := f.records.Save(ctx, rec)
		require.NoError(t, err)
		assert.Contains(t, saved.ParsedRecord.FormattedContent, "LEADER "+testLeader)

		stored, err := f.records.GetByID(ctx, saved.ID)
		require.NoError(t, err)

		assert.Equal(t, saved.MatchedID, stored.MatchedID)
		assert.Equal(t, snapshot.JobExecutionID, stored.SnapshotID)
		assert.Equal(t, records.StateActual, stored.State)
		assert.Equal(t, 3, *stored.Order)
		require.NotNil(t, stored.RawRecord)
		assert.Equal(t, testRawContent, stored.RawRecord.Content)
		require.NotNil(t, stored.ParsedRecord)
		assert.JSONEq(t, string(parsedContent("in00001")), string(stored.ParsedRecord.Content))
		require.NotNil(t, stored.ErrorRecord)
		assert.Equal(t, "warning content", stored.ErrorRecord.Content)
		assert.Equal(t, "non fatal warning", stored.ErrorRecord.Description)
		require.NotNil(t, stored.Metadata)
		assert.NotNil(t, stored.Metadata.CreatedDate)

		_, err = f.records.GetByID(ctx, uuid.New())
		require.ErrorIs(t, err, records.ErrNotFound)
	}
}

func testSaveManyPartialSuccess(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		snapshot := f.newSnapshot(ctx, t)
		good := marcRecord(snapshot.JobExecutionID, uuid.Nil)
		malformed := marcRecord(uuid.New(), uuid.Nil)
		unformattable := marcRecord(snapshot.JobExecutionID, uuid.Nil)
		unformattable.ParsedRecord.Content = json.RawMessage(`{"fields":[]}`)

		response, err := f.records.SaveMany(ctx, []*records.Record{good, malformed, unformattable})
		require.NoError(t, err)

		assert.Equal(t, 2, response.TotalRecords)
		require.Len(t, response.Records, 2)
		require.Len(t, response.ErrorMessages, 1)
		assert.Contains(t, response.ErrorMessages[0], "Couldn't find snapshot")

		for _, saved := range response.Records {
			_, err := f.records.GetByID(ctx, saved.ID)
			require.NoError(t, err, "saved records are committed")
		}

		empty, err := f.records.SaveMany(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, empty.TotalRecords)
		assert.Empty(t, empty.ErrorMessages)
	}
}

func testStreamSourceRecords(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		snapshot := f.newSnapshot(ctx, t)
		filter := records.RecordFilter{SnapshotID: &snapshot.JobExecutionID}

		var empty bytes.Buffer

		w := stream.NewSourceRecordWriter(&empty)
		require.NoError(t, f.records.StreamSourceRecords(ctx, filter, w.Write))
		require.NoError(t, w.Close())
		assert.Equal(t, stream.EmptyDocument, empty.String())

		const n = 7

		for range n {
			_, err := f.records.Save(ctx, marcRecord(snapshot.JobExecutionID, uuid.Nil))
			require.NoError(t, err)
		}

		var buf bytes.Buffer

		w = stream.NewSourceRecordWriter(&buf)
		require.NoError(t, f.records.StreamSourceRecords(ctx, filter, w.Write))
		require.NoError(t, w.Close())

		var doc records.SourceRecordCollection
		require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
		assert.Equal(t, n, doc.TotalRecords)
		assert.Len(t, doc.SourceRecords, n)

		seen := 0
		err := f.records.StreamSourceRecords(ctx, filter, func(total int, _ *records.SourceRecord) error {
			assert.Equal(t, n, total)

			seen++
			if seen == 4 {
				return records.ErrStopIteration
			}

			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 4, seen)

		cancelled, cancel := context.WithCancel(ctx)
		defer cancel()

		err = f.records.StreamSourceRecords(cancelled, filter, func(int, *records.SourceRecord) error {
			cancel()

			return nil
		})
		require.Error(t, err)

		require.NoError(t, f.records.HealthCheck(ctx), "stream connections are released")
	}
}

func testSnapshotDelete(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		snapshot := f.newSnapshot(ctx, t)
		other := f.newSnapshot(ctx, t)

		saved, err := f.records.Save(ctx, marcRecord(snapshot.JobExecutionID, uuid.Nil))
		require.NoError(t, err)

		kept, err := f.records.Save(ctx, marcRecord(other.JobExecutionID, uuid.Nil))
		require.NoError(t, err)

		require.NoError(t, f.snapshots.Delete(ctx, snapshot.JobExecutionID))

		_, err = f.records.GetByID(ctx, saved.ID)
		require.ErrorIs(t, err, records.ErrNotFound)

		_, err = f.snapshots.Get(ctx, snapshot.JobExecutionID)
		require.ErrorIs(t, err, records.ErrNotFound)

		var orphans int
		require.NoError(t, f.conn.QueryRowContext(ctx,
			`SELECT count(*) FROM parsed_records WHERE id = $1`, saved.ID).Scan(&orphans))
		assert.Zero(t, orphans)

		_, err = f.records.GetByID(ctx, kept.ID)
		require.NoError(t, err)

		require.ErrorIs(t, f.snapshots.Delete(ctx, snapshot.JobExecutionID), records.ErrNotFound)

		require.NoError(t, f.records.DeleteBySnapshot(ctx, other.JobExecutionID))

		_, err = f.records.GetByID(ctx, kept.ID)
		require.ErrorIs(t, err, records.ErrNotFound)
	}
}

func testExternalIDLookups(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		instanceID := uuid.New()
		matchedID := uuid.New()

		var last *records.Record

		for range 2 {
			snapshot := f.newSnapshot(ctx, t)
			rec := marcRecord(snapshot.JobExecutionID, matchedID)
			rec.ExternalIDsHolder = &records.ExternalIDsHolder{InstanceID: &instanceID}

			saved, err := f.records.Save(ctx, rec)
			require.NoError(t, err)
			f.commit(ctx, t, snapshot)

			last = saved
		}

		byInstance, err := f.records.GetByExternalID(ctx, instanceID.String(), records.ExternalIDInstance)
		require.NoError(t, err)
		assert.Equal(t, last.ID, byInstance.ID)
		assert.Equal(t, records.StateActual, byInstance.State)
		require.NotNil(t, byInstance.LatestGeneration)
		assert.Equal(t, 1, *byInstance.LatestGeneration)
		assert.Equal(t, "in00001", byInstance.ExternalIDsHolder.InstanceHRID)

		byHRID, err := f.records.GetByExternalID(ctx, "in00001", records.ExternalIDHRID)
		require.NoError(t, err)
		assert.Equal(t, last.ID, byHRID.ID)

		formatted, err := f.records.GetFormattedRecord(ctx, last.ID.String(), records.ExternalIDRecord)
		require.NoError(t, err)
		assert.Contains(t, formatted.ParsedRecord.FormattedContent, "in00001")

		source, err := f.records.GetSourceRecordByID(ctx, matchedID)
		require.NoError(t, err)
		assert.Equal(t, last.ID, source.RecordID)
		assert.NotNil(t, source.ParsedRecord)

		source, err = f.records.GetSourceRecordByExternalID(ctx, instanceID.String(), records.ExternalIDInstance)
		require.NoError(t, err)
		assert.Equal(t, last.ID, source.RecordID)

		_, err = f.records.GetByExternalID(ctx, uuid.NewString(), records.ExternalIDInstance)
		require.ErrorIs(t, err, records.ErrNotFound)

		_, err = f.records.GetByExternalID(ctx, "not-a-uuid", records.ExternalIDRecord)
		require.ErrorIs(t, err, records.ErrBadRequest)

		_, err = f.records.GetSourceRecordByID(ctx, uuid.New())
		require.ErrorIs(t, err, records.ErrNotFound)
	}
}

func testUpdateSuppress(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		snapshot := f.newSnapshot(ctx, t)

		saved, err := f.records.Save(ctx, marcRecord(snapshot.JobExecutionID, uuid.Nil))
		require.NoError(t, err)

		require.NoError(t, f.records.UpdateSuppressFromDiscovery(ctx, saved.ID.String(), records.ExternalIDRecord, true))

		stored, err := f.records.GetByID(ctx, saved.ID)
		require.NoError(t, err)
		assert.True(t, stored.SuppressDiscovery())
		assert.Equal(t, *saved.Generation, *stored.Generation, "suppress does not create a generation")
		assert.JSONEq(t, string(parsedContent("in00001")), string(stored.ParsedRecord.Content))

		err = f.records.UpdateSuppressFromDiscovery(ctx, uuid.NewString(), records.ExternalIDInstance, true)
		require.ErrorIs(t, err, records.ErrNotFound)
		assert.Contains(t, err.Error(), "was not found")
	}
}

func testUpdateAndDelete(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		snapshot := f.newSnapshot(ctx, t)

		saved, err := f.records.Save(ctx, marcRecord(snapshot.JobExecutionID, uuid.Nil))
		require.NoError(t, err)

		_, err = f.records.Update(ctx, &records.Record{ID: uuid.New(), RecordType: records.RecordTypeMarc})
		require.ErrorIs(t, err, records.ErrNotFound)

		saved.Order = records.IntPtr(42)

		updated, err := f.records.Update(ctx, saved)
		require.NoError(t, err)
		assert.Equal(t, 42, *updated.Order)
		assert.Equal(t, *saved.Generation, *updated.Generation)

		require.NoError(t, f.records.Delete(ctx, saved.ID))

		stored, err := f.records.GetByID(ctx, saved.ID)
		require.NoError(t, err)
		assert.Equal(t, records.StateDeleted, stored.State)
		assert.True(t, stored.ToSourceRecord().Deleted)

		require.ErrorIs(t, f.records.Delete(ctx, uuid.New()), records.ErrNotFound)
	}
}

func testSaveUpdatedRecord(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		snapshot := f.newSnapshot(ctx, t)

		old, err := f.records.Save(ctx, marcRecord(snapshot.JobExecutionID, uuid.Nil))
		require.NoError(t, err)

		next := marcRecord(snapshot.JobExecutionID, old.MatchedID)
		next.Generation = records.IntPtr(*old.Generation + 1)
		old.State = records.StateOld

		saved, err := f.records.SaveUpdatedRecord(ctx, next, old)
		require.NoError(t, err)
		assert.Equal(t, 1, *saved.Generation)
		assert.Equal(t, 1, f.actualCount(ctx, t, old.MatchedID))

		storedOld, err := f.records.GetByID(ctx, old.ID)
		require.NoError(t, err)
		assert.Equal(t, records.StateOld, storedOld.State)

		// The old row is written first, so a failing new row rolls both back.
		old.State = records.StateActual
		broken := marcRecord(uuid.New(), old.MatchedID)

		_, err = f.records.SaveUpdatedRecord(ctx, broken, old)
		require.ErrorIs(t, err, records.ErrNotFound)

		storedOld, err = f.records.GetByID(ctx, old.ID)
		require.NoError(t, err)
		assert.Equal(t, records.StateOld, storedOld.State)
	}
}

func testUpdateSourceRecord(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		snapshot := f.newSnapshot(ctx, t)

		old, err := f.records.Save(ctx, marcRecord(snapshot.JobExecutionID, uuid.Nil))
		require.NoError(t, err)

		editSnapshot := uuid.New()
		dto := &records.ParsedRecordDto{
			ID:           old.ID,
			RecordType:   records.RecordTypeMarc,
			ParsedRecord: &records.ParsedRecord{Content: parsedContent("in00002")},
		}

		next, err := f.records.UpdateSourceRecord(ctx, dto, editSnapshot)
		require.NoError(t, err)

		assert.NotEqual(t, old.ID, next.ID)
		assert.Equal(t, old.MatchedID, next.MatchedID)
		assert.Equal(t, *old.Generation+1, *next.Generation)
		assert.Equal(t, records.StateActual, next.State)
		require.NotNil(t, next.RawRecord)
		assert.Equal(t, testRawContent, next.RawRecord.Content)

		created, err := f.snapshots.Get(ctx, editSnapshot)
		require.NoError(t, err)
		assert.Equal(t, records.StatusCommitted, created.Status)

		storedOld, err := f.records.GetByID(ctx, old.ID)
		require.NoError(t, err)
		assert.Equal(t, records.StateOld, storedOld.State)

		source, err := f.records.GetSourceRecordByID(ctx, old.MatchedID)
		require.NoError(t, err)
		assert.Equal(t, next.ID, source.RecordID)

		_, err = f.records.UpdateSourceRecord(ctx, &records.ParsedRecordDto{
			ID:           uuid.New(),
			ParsedRecord: &records.ParsedRecord{Content: parsedContent("x")},
		}, editSnapshot)
		require.ErrorIs(t, err, records.ErrNotFound)
	}
}

func testUpdateParsedRecords(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		snapshot := f.newSnapshot(ctx, t)

		saved, err := f.records.Save(ctx, marcRecord(snapshot.JobExecutionID, uuid.Nil))
		require.NoError(t, err)

		_, err = f.records.UpdateParsedRecords(ctx, []*records.Record{{ParsedRecord: &records.ParsedRecord{}}})
		require.ErrorIs(t, err, records.ErrBadRequest)

		instanceID := uuid.New()
		missing := uuid.New()

		response, err := f.records.UpdateParsedRecords(ctx, []*records.Record{
			{
				ExternalIDsHolder: &records.ExternalIDsHolder{InstanceID: &instanceID},
				ParsedRecord:      &records.ParsedRecord{ID: saved.ID, Content: parsedContent("in00009")},
			},
			{ParsedRecord: &records.ParsedRecord{ID: missing, Content: parsedContent("in00010")}},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, response.TotalRecords)
		require.Len(t, response.ErrorMessages, 1)
		assert.Contains(t, response.ErrorMessages[0], missing.String())

		stored, err := f.records.GetByID(ctx, saved.ID)
		require.NoError(t, err)
		assert.Equal(t, instanceID, *stored.InstanceID())
		assert.Equal(t, "in00009", stored.ExternalIDsHolder.InstanceHRID)
	}
}

func testPagedQueries(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		snapshot := f.newSnapshot(ctx, t)

		for i := range 5 {
			rec := marcRecord(snapshot.JobExecutionID, uuid.Nil)
			rec.Order = records.IntPtr(i)

			_, err := f.records.Save(ctx, rec)
			require.NoError(t, err)
		}

		filter := records.RecordFilter{
			SnapshotID: &snapshot.JobExecutionID,
			OrderBy:    []records.SortField{{Field: "order", Desc: true}},
		}

		page, err := f.records.GetRecords(ctx, filter, 0, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, page.TotalRecords)
		require.Len(t, page.Records, 2)
		assert.Equal(t, 4, *page.Records[0].Order)
		assert.NotNil(t, page.Records[0].RawRecord)

		beyond, err := f.records.GetRecords(ctx, filter, 10, 2)
		require.NoError(t, err)
		assert.Empty(t, beyond.Records)
		assert.Equal(t, 5, beyond.TotalRecords)

		sources, err := f.records.GetSourceRecords(ctx, filter, 4, 10)
		require.NoError(t, err)
		assert.Equal(t, 5, sources.TotalRecords)
		require.Len(t, sources.SourceRecords, 1)
		assert.Equal(t, 0, *sources.SourceRecords[0].Order)

		_, err = f.records.GetRecords(ctx, records.RecordFilter{
			OrderBy: []records.SortField{{Field: "content"}},
		}, 0, 10)
		require.ErrorIs(t, err, records.ErrBadRequest)

		rec, err := f.records.GetByCondition(ctx, records.RecordFilter{SnapshotID: &snapshot.JobExecutionID})
		require.NoError(t, err)
		assert.Equal(t, snapshot.JobExecutionID, rec.SnapshotID)
	}
}

func testSnapshotList(ctx context.Context, f *integrationFixture) func(*testing.T) {
	return func(t *testing.T) {
		f.reset(ctx, t)

		for range 3 {
			f.newSnapshot(ctx, t)
		}

		committed := f.newSnapshot(ctx, t)
		f.commit(ctx, t, committed)

		all, err := f.snapshots.List(ctx, records.SnapshotFilter{}, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 4, all.TotalRecords)
		assert.Len(t, all.Snapshots, 4)

		inProgress, err := f.snapshots.List(ctx, records.SnapshotFilter{Status: records.StatusParsingInProgress}, 0, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, inProgress.TotalRecords)
		assert.Len(t, inProgress.Snapshots, 2)

		beyond, err := f.snapshots.List(ctx, records.SnapshotFilter{}, 50, 10)
		require.NoError(t, err)
		assert.Empty(t, beyond.Snapshots)
		assert.Equal(t, 4, beyond.TotalRecords)

		stored, err := f.snapshots.Get(ctx, committed.JobExecutionID)
		require.NoError(t, err)
		assert.Equal(t, records.StatusCommitted, stored.Status)
		require.NotNil(t, stored.ProcessingStartedDate, "processing date survives later saves")

		_, err = f.snapshots.Update(ctx, &records.Snapshot{JobExecutionID: uuid.New(), Status: records.StatusCommitted})
		require.ErrorIs(t, err, records.ErrNotFound)

		_, err = f.snapshots.Save(ctx, &records.Snapshot{Status: "BOGUS"})
		require.ErrorIs(t, err, records.ErrBadRequest)
	}
}
