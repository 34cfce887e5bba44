package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bibliostore/srs/internal/marc"
	"github.com/bibliostore/srs/internal/metrics"
	"github.com/bibliostore/srs/internal/records"
)

var _ records.RecordStore = (*RecordStore)(nil)

var readOnlyTx = &sql.TxOptions{ReadOnly: true}

type (
	// RecordStore implements records.RecordStore with PostgreSQL backend.
	//
	// Every save is one transaction covering snapshot validation, generation resolution,
	// the sub-record writes and the core row.
	RecordStore struct {
		conn             *Connection
		logger           *slog.Logger
		formatter        records.Formatter
		resolver         GenerationResolver
		assembler        CompositeRecordAssembler
		subRecords       subRecords
		batchConcurrency int
		streamFetchSize  int
	}

	// RecordStoreOption configures optional RecordStore behavior.
	RecordStoreOption func(*RecordStore)
)

// WithRecordLogger sets the logger used by the record store.
func WithRecordLogger(logger *slog.Logger) RecordStoreOption {
	return func(s *RecordStore) {
		s.logger = logger
	}
}

// WithFormatter replaces the formatter applied to parsed content on save.
func WithFormatter(formatter records.Formatter) RecordStoreOption {
	return func(s *RecordStore) {
		s.formatter = formatter
	}
}

// WithBatchConcurrency bounds the number of concurrent saves in SaveMany. Values below 1 are ignored.
func WithBatchConcurrency(n int) RecordStoreOption {
	return func(s *RecordStore) {
		if n > 0 {
			s.batchConcurrency = n
		}
	}
}

// WithStreamFetchSize sets the number of rows fetched per cursor round trip when streaming. Values below 1 are ignored.
func WithStreamFetchSize(n int) RecordStoreOption {
	return func(s *RecordStore) {
		if n > 0 {
			s.streamFetchSize = n
		}
	}
}

// NewRecordStore creates a PostgreSQL-backed record store formatting MARC content with marc.TextFormatter.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewRecordStore(conn *Connection, opts ...RecordStoreOption) (*RecordStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &RecordStore{
		conn:             conn,
		logger:           newLogger(),
		formatter:        marc.TextFormatter{},
		subRecords:       newSubRecords(),
		batchConcurrency: defaultBatchConcurrency,
		streamFetchSize:  defaultStreamFetchSize,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// HealthCheck verifies the database connection.
func (s *RecordStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Save stores record as one composite write.
//
// The input is not modified. The returned record carries the assigned identity, the resolved generation,
// the stored audit dates and the sub-records as written.
func (s *RecordStore) Save(ctx context.Context, record *records.Record) (*records.Record, error) {
	start := time.Now()

	var saved *records.Record

	err := inTx(ctx, s.conn, nil, func(tx *sql.Tx) error {
		var err error

		saved, err = s.save(ctx, tx, record)

		return err
	})

	metrics.RecordSaveDurationSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.RecordSavesTotal.WithLabelValues(metrics.Fail).Inc()

		return nil, err
	}

	metrics.RecordSavesTotal.WithLabelValues(metrics.Ok).Inc()

	s.logger.Debug("record saved",
		slog.String("record_id", saved.ID.String()),
		slog.String("matched_id", saved.MatchedID.String()),
		slog.Int("generation", *saved.Generation))

	return saved, nil
}

// Update saves record on condition that a row with its id exists.
// Identity fields left unset are taken from the stored row.
func (s *RecordStore) Update(ctx context.Context, record *records.Record) (*records.Record, error) {
	if record == nil {
		return nil, records.BadRequestf("record is nil")
	}

	var saved *records.Record

	err := inTx(ctx, s.conn, nil, func(tx *sql.Tx) error {
		existing, err := s.getByID(ctx, tx, record.ID)
		if err != nil {
			return err
		}

		saved, err = s.save(ctx, tx, mergeIdentity(record, existing))

		return err
	})
	if err != nil {
		return nil, err
	}

	return saved, nil
}

// SaveUpdatedRecord stores oldRecord and then newRecord in one transaction.
func (s *RecordStore) SaveUpdatedRecord(
	ctx context.Context,
	newRecord, oldRecord *records.Record,
) (*records.Record, error) {
	var saved *records.Record

	err := inTx(ctx, s.conn, nil, func(tx *sql.Tx) error {
		if _, err := s.save(ctx, tx, oldRecord); err != nil {
			return err
		}

		var err error

		saved, err = s.save(ctx, tx, newRecord)

		return err
	})
	if err != nil {
		return nil, err
	}

	return saved, nil
}

// UpdateSuppressFromDiscovery sets the suppress flag of the record matched by externalID.
func (s *RecordStore) UpdateSuppressFromDiscovery(
	ctx context.Context,
	externalID string,
	idType records.ExternalIDType,
	suppress bool,
) error {
	filter, err := records.ExternalIDFilter(externalID, idType)
	if err != nil {
		return err
	}

	return inTx(ctx, s.conn, nil, func(tx *sql.Tx) error {
		record, err := s.findByExternalID(ctx, tx, filter)
		if errors.Is(err, records.ErrNotFound) {
			return records.NotFoundf("Record with %s id: %s was not found", idType, externalID)
		}

		if err != nil {
			return err
		}

		record.AdditionalInfo = &records.AdditionalInfo{SuppressDiscovery: records.BoolPtr(suppress)}

		if _, err := s.save(ctx, tx, record); err != nil {
			return err
		}

		s.logger.Info("record suppress flag updated",
			slog.String("record_id", record.ID.String()),
			slog.Bool("suppress_discovery", suppress))

		return nil
	})
}

// Delete marks the record DELETED. The row and its sub-records are kept.
func (s *RecordStore) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.conn.ExecContext(ctx,
		`UPDATE records SET state = 'DELETED', updated_date = clock_timestamp() WHERE id = $1`, id)
	if err != nil {
		return classify(fmt.Errorf("failed to delete record %s: %w", id, err))
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return records.NotFoundf("Record with id '%s' was not found", id)
	}

	return nil
}

// DeleteBySnapshot removes every record of the snapshot together with its sub-records.
func (s *RecordStore) DeleteBySnapshot(ctx context.Context, snapshotID uuid.UUID) error {
	return inTx(ctx, s.conn, nil, func(tx *sql.Tx) error {
		n, err := s.subRecords.deleteBySnapshot(ctx, tx, snapshotID)
		if err != nil {
			return err
		}

		s.logger.Info("records deleted by snapshot",
			slog.String("snapshot_id", snapshotID.String()),
			slog.Int64("records_deleted", n))

		return nil
	})
}

// save runs the composite write of record on tx.
func (s *RecordStore) save(ctx context.Context, tx *sql.Tx, record *records.Record) (*records.Record, error) {
	if record == nil {
		return nil, records.BadRequestf("record is nil")
	}

	rec := prepareRecord(record)

	if !rec.RecordType.IsValid() {
		return nil, records.BadRequestf("invalid record type %q", rec.RecordType)
	}

	if !rec.State.IsValid() {
		return nil, records.BadRequestf("invalid record state %q", rec.State)
	}

	if rec.Generation != nil && *rec.Generation < 0 {
		return nil, records.BadRequestf("generation must not be negative, got %d", *rec.Generation)
	}

	snapshot, err := getSnapshot(ctx, tx, rec.SnapshotID)
	if err != nil {
		return nil, err
	}

	if snapshot.ProcessingStartedDate == nil {
		return nil, records.BadRequestf(
			"Date when processing started is not set, expected snapshot status is PARSING_IN_PROGRESS, actual - %s",
			snapshot.Status)
	}

	if rec.Generation == nil {
		generation, err := s.resolver.Resolve(ctx, tx, rec.MatchedID, rec.SnapshotID)
		if err != nil {
			return nil, err
		}

		rec.Generation = &generation

		metrics.ResolvedGenerations.Observe(float64(generation))
	}

	if err := s.writeComposite(ctx, tx, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// writeComposite persists the sub-records of rec and then its core row.
// Child foreign keys are deferred, so the children may be written before the parent.
func (s *RecordStore) writeComposite(ctx context.Context, tx *sql.Tx, rec *records.Record) error {
	if rec.RawRecord != nil {
		if err := s.subRecords.raw.Save(ctx, tx, rec.RawRecord); err != nil {
			return err
		}
	}

	if rec.ParsedRecord != nil {
		if err := s.writeParsed(ctx, tx, rec); err != nil {
			return err
		}
	}

	if rec.ErrorRecord != nil {
		if err := s.subRecords.errs.Save(ctx, tx, rec.ErrorRecord); err != nil {
			return err
		}
	}

	if rec.State == records.StateActual {
		// Supersede any other ACTUAL generation of this logical record.
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET state = 'OLD', updated_date = clock_timestamp()
			WHERE matched_id = $1 AND state = 'ACTUAL' AND id <> $2`,
			rec.MatchedID, rec.ID); err != nil {
			return classify(fmt.Errorf("failed to supersede actual record of %s: %w", rec.MatchedID, err))
		}
	}

	return s.upsertRecordRow(ctx, tx, rec)
}

// writeParsed formats and stores the parsed record of rec.
// Content that cannot be formatted is stored as an error record and the parsed record is dropped.
func (s *RecordStore) writeParsed(ctx context.Context, tx *sql.Tx, rec *records.Record) error {
	content, err := marc.Normalize(rec.ParsedRecord.Content)
	if err == nil {
		rec.ParsedRecord.Content = content
		rec.ParsedRecord.FormattedContent, err = s.formatter.Format(content)
	}

	if err != nil {
		s.logger.Warn("Couldn't format MARC record",
			slog.String("record_id", rec.ID.String()),
			slog.String("error", err.Error()))

		metrics.ErrorRecordsTotal.Inc()

		rec.ErrorRecord = &records.ErrorRecord{
			ID:          rec.ID,
			Description: err.Error(),
			Content:     string(rec.ParsedRecord.Content),
		}
		rec.ParsedRecord = nil

		// A parsed row left from an earlier save of this record would contradict the error record.
		return s.subRecords.parsed.Delete(ctx, tx, rec.ID)
	}

	if err := s.subRecords.parsed.Save(ctx, tx, rec.ParsedRecord); err != nil {
		return err
	}

	if rec.ErrorRecord == nil {
		// An error row left from an earlier failed save would contradict the parsed record.
		return s.subRecords.errs.Delete(ctx, tx, rec.ID)
	}

	return nil
}

func (s *RecordStore) upsertRecordRow(ctx context.Context, tx *sql.Tx, rec *records.Record) error {
	query := `
		INSERT INTO records (
			id, snapshot_id, matched_id, generation, record_type, instance_id, state,
			order_in_file, suppress_discovery, created_by, created_date, updated_by, updated_date
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11::timestamptz, clock_timestamp()), $12, clock_timestamp())
		ON CONFLICT (id) DO UPDATE SET
			snapshot_id = EXCLUDED.snapshot_id,
			matched_id = EXCLUDED.matched_id,
			generation = EXCLUDED.generation,
			record_type = EXCLUDED.record_type,
			instance_id = EXCLUDED.instance_id,
			state = EXCLUDED.state,
			order_in_file = EXCLUDED.order_in_file,
			suppress_discovery = EXCLUDED.suppress_discovery,
			updated_by = EXCLUDED.updated_by,
			updated_date = clock_timestamp()
		RETURNING created_by, created_date, updated_by, updated_date
	`

	createdBy, createdDate, updatedBy := metadataArgs(rec.Metadata)

	var (
		storedCreatedBy, storedUpdatedBy     uuid.NullUUID
		storedCreatedDate, storedUpdatedDate time.Time
	)

	err := tx.QueryRowContext(ctx, query,
		rec.ID,
		rec.SnapshotID,
		rec.MatchedID,
		*rec.Generation,
		rec.RecordType,
		nullUUID(rec.InstanceID()),
		rec.State,
		nullInt(rec.Order),
		rec.SuppressDiscovery(),
		createdBy,
		createdDate,
		updatedBy,
	).Scan(&storedCreatedBy, &storedCreatedDate, &storedUpdatedBy, &storedUpdatedDate)
	if err != nil {
		return classify(fmt.Errorf("failed to save record %s: %w", rec.ID, err))
	}

	rec.Metadata = buildMetadata(storedCreatedBy, storedCreatedDate, storedUpdatedBy, storedUpdatedDate)

	return nil
}

// prepareRecord copies record and fills identity and defaults. Sub-records are copied so the
// caller's values are never rewritten.
func prepareRecord(record *records.Record) *records.Record {
	rec := *record

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	if rec.MatchedID == uuid.Nil {
		rec.MatchedID = rec.ID
	}

	if rec.State == "" {
		rec.State = records.StateActual
	}

	rec.AdditionalInfo = &records.AdditionalInfo{SuppressDiscovery: records.BoolPtr(record.SuppressDiscovery())}

	if record.ExternalIDsHolder != nil {
		holder := *record.ExternalIDsHolder
		rec.ExternalIDsHolder = &holder
	}

	if record.RawRecord != nil {
		raw := *record.RawRecord
		raw.ID = rec.ID
		rec.RawRecord = &raw
	}

	if record.ParsedRecord != nil {
		parsed := *record.ParsedRecord
		parsed.ID = rec.ID
		rec.ParsedRecord = &parsed
	}

	if record.ErrorRecord != nil {
		errRecord := *record.ErrorRecord
		errRecord.ID = rec.ID
		rec.ErrorRecord = &errRecord
	}

	return &rec
}

// mergeIdentity fills the identity fields of record left unset from existing.
func mergeIdentity(record, existing *records.Record) *records.Record {
	merged := *record

	if merged.MatchedID == uuid.Nil {
		merged.MatchedID = existing.MatchedID
	}

	if merged.SnapshotID == uuid.Nil {
		merged.SnapshotID = existing.SnapshotID
	}

	if merged.Generation == nil {
		merged.Generation = existing.Generation
	}

	if merged.RecordType == "" {
		merged.RecordType = existing.RecordType
	}

	return &merged
}
