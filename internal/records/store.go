package records

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrStopIteration may be returned by a SourceRecordFunc to end a stream early without error.
var ErrStopIteration = errors.New("stop iteration")

type (
	// Formatter renders parsed record content as human-readable text.
	//
	// Implementations return an error wrapping ErrFormatting when content cannot be rendered.
	// Record saves treat such failures as data and store an error record in place of the parsed record.
	Formatter interface {
		Format(content []byte) (string, error)
	}

	// SourceRecordFunc receives streamed source records one at a time.
	// total is the number of rows matched by the stream query and is identical for every call.
	SourceRecordFunc func(total int, record *SourceRecord) error

	// SnapshotStore persists processing job runs.
	//
	// Saving a snapshot in PARSING_IN_PROGRESS without a processing started date stamps it with the current time.
	// Every save or update refreshes the snapshot's updated date, which gates generation resolution.
	SnapshotStore interface {
		Get(ctx context.Context, id uuid.UUID) (*Snapshot, error)
		Save(ctx context.Context, snapshot *Snapshot) (*Snapshot, error)
		Update(ctx context.Context, snapshot *Snapshot) (*Snapshot, error)
		Delete(ctx context.Context, id uuid.UUID) error
		List(ctx context.Context, filter SnapshotFilter, offset, limit int) (*SnapshotCollection, error)
	}

	// RecordStore persists composite records and answers the record query surface.
	//
	// Implementations must guarantee:
	//   - One transaction per save: sub-records, generation lookup and the core row commit together
	//   - At most one ACTUAL row per matched id
	//   - Formatting failures become stored error records, never save failures
	//   - Batch saves are best effort: every item commits or fails on its own
	//
	// Failures are classified by ErrNotFound, ErrBadRequest and ErrTransient.
	RecordStore interface {
		// Save stores a record, resolving identity, defaults and generation when absent.
		Save(ctx context.Context, record *Record) (*Record, error)

		// SaveMany saves each record independently and collects per-record failures.
		SaveMany(ctx context.Context, records []*Record) (*RecordsBatchResponse, error)

		// Update saves a record that must already exist.
		Update(ctx context.Context, record *Record) (*Record, error)

		// SaveUpdatedRecord persists oldRecord then newRecord in one transaction.
		SaveUpdatedRecord(ctx context.Context, newRecord, oldRecord *Record) (*Record, error)

		// UpdateSuppressFromDiscovery changes only the suppress flag of the record matched by the external id.
		UpdateSuppressFromDiscovery(ctx context.Context, externalID string, idType ExternalIDType, suppress bool) error

		// UpdateParsedRecords replaces parsed content and external ids of existing records.
		UpdateParsedRecords(ctx context.Context, records []*Record) (*ParsedRecordsBatchResponse, error)

		// UpdateSourceRecord stores an edited parsed record as the next generation of the record it edits.
		UpdateSourceRecord(ctx context.Context, dto *ParsedRecordDto, snapshotID uuid.UUID) (*Record, error)

		// Delete marks the record DELETED.
		Delete(ctx context.Context, id uuid.UUID) error

		// DeleteBySnapshot removes every record of a snapshot together with its sub-records.
		DeleteBySnapshot(ctx context.Context, snapshotID uuid.UUID) error

		GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
		GetByCondition(ctx context.Context, filter RecordFilter) (*Record, error)
		GetByExternalID(ctx context.Context, externalID string, idType ExternalIDType) (*Record, error)
		GetFormattedRecord(ctx context.Context, externalID string, idType ExternalIDType) (*Record, error)
		GetRecords(ctx context.Context, filter RecordFilter, offset, limit int) (*RecordCollection, error)
		GetSourceRecords(ctx context.Context, filter RecordFilter, offset, limit int) (*SourceRecordCollection, error)
		GetSourceRecordByID(ctx context.Context, matchedID uuid.UUID) (*SourceRecord, error)
		GetSourceRecordByExternalID(ctx context.Context, externalID string, idType ExternalIDType) (*SourceRecord, error)

		// StreamSourceRecords pushes every matching source record to fn without buffering the result set.
		StreamSourceRecords(ctx context.Context, filter RecordFilter, fn SourceRecordFunc) error

		HealthCheck(ctx context.Context) error
	}
)
