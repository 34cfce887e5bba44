package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bibliostore/srs/internal/records"
)

var _ records.SnapshotStore = (*SnapshotStore)(nil)

type (
	// SnapshotStore implements records.SnapshotStore with PostgreSQL backend.
	SnapshotStore struct {
		conn       *Connection
		logger     *slog.Logger
		subRecords subRecords
	}

	// SnapshotStoreOption configures optional SnapshotStore behavior.
	SnapshotStoreOption func(*SnapshotStore)
)

// WithSnapshotLogger sets the logger used by the snapshot store.
func WithSnapshotLogger(logger *slog.Logger) SnapshotStoreOption {
	return func(s *SnapshotStore) {
		s.logger = logger
	}
}

// NewSnapshotStore creates a PostgreSQL-backed snapshot store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewSnapshotStore(conn *Connection, opts ...SnapshotStoreOption) (*SnapshotStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &SnapshotStore{
		conn:       conn,
		logger:     newLogger(),
		subRecords: newSubRecords(),
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

const snapshotColumns = `id, status, processing_started_date, created_by, created_date, updated_by, updated_date`

// Get returns the snapshot with the given job execution id.
func (s *SnapshotStore) Get(ctx context.Context, id uuid.UUID) (*records.Snapshot, error) {
	return getSnapshot(ctx, s.conn, id)
}

// Save upserts a snapshot. A nil job execution id is assigned.
//
// A snapshot saved in PARSING_IN_PROGRESS without a processing started date is stamped with the current time.
// An existing processing started date is never cleared by a later save.
func (s *SnapshotStore) Save(ctx context.Context, snapshot *records.Snapshot) (*records.Snapshot, error) {
	if err := validateSnapshot(snapshot); err != nil {
		return nil, err
	}

	if snapshot.JobExecutionID == uuid.Nil {
		snapshot.JobExecutionID = uuid.New()
	}

	saved, err := saveSnapshot(ctx, s.conn, snapshot)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("snapshot saved",
		slog.String("snapshot_id", saved.JobExecutionID.String()),
		slog.String("status", string(saved.Status)))

	return saved, nil
}

// Update saves a snapshot that must already exist.
func (s *SnapshotStore) Update(ctx context.Context, snapshot *records.Snapshot) (*records.Snapshot, error) {
	if err := validateSnapshot(snapshot); err != nil {
		return nil, err
	}

	if _, err := s.Get(ctx, snapshot.JobExecutionID); err != nil {
		return nil, err
	}

	return s.Save(ctx, snapshot)
}

// Delete removes a snapshot together with its records and their sub-records in one transaction.
func (s *SnapshotStore) Delete(ctx context.Context, id uuid.UUID) error {
	var deletedRecords int64

	err := inTx(ctx, s.conn, nil, func(tx *sql.Tx) error {
		n, err := s.subRecords.deleteBySnapshot(ctx, tx, id)
		if err != nil {
			return err
		}

		deletedRecords = n

		result, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = $1`, id)
		if err != nil {
			return classify(fmt.Errorf("failed to delete snapshot %s: %w", id, err))
		}

		if affected, err := result.RowsAffected(); err == nil && affected == 0 {
			return records.NotFoundf("Couldn't find snapshot with id %s", id)
		}

		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("snapshot deleted",
		slog.String("snapshot_id", id.String()),
		slog.Int64("records_deleted", deletedRecords))

	return nil
}

// List returns one page of snapshots matching filter plus the total match count, computed in the same query.
func (s *SnapshotStore) List(
	ctx context.Context,
	filter records.SnapshotFilter,
	offset, limit int,
) (*records.SnapshotCollection, error) {
	where, args := buildSnapshotWhere(filter)

	orderBy, err := buildOrderBy(filter.OrderBy, snapshotSortColumns, "id")
	if err != nil {
		return nil, err
	}

	args = append(args, limit, offset)
	query := `SELECT ` + snapshotColumns + `, count(*) OVER () AS total_count FROM snapshots` +
		where + orderBy + fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list snapshots: %w", err))
	}

	defer func() {
		_ = rows.Close()
	}()

	collection := &records.SnapshotCollection{Snapshots: []*records.Snapshot{}}

	for rows.Next() {
		var total int

		snapshot, err := scanSnapshot(rows, &total)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to scan snapshot: %w", err))
		}

		collection.Snapshots = append(collection.Snapshots, snapshot)
		collection.TotalRecords = total
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("failed to iterate snapshots: %w", err))
	}

	if len(collection.Snapshots) == 0 && offset > 0 {
		countArgs := args[:len(args)-2]
		if err := s.conn.QueryRowContext(ctx, `SELECT count(*) FROM snapshots`+where, countArgs...).
			Scan(&collection.TotalRecords); err != nil {
			return nil, classify(fmt.Errorf("failed to count snapshots: %w", err))
		}
	}

	return collection, nil
}

// saveSnapshot upserts snapshot on q.
func saveSnapshot(ctx context.Context, q Querier, snapshot *records.Snapshot) (*records.Snapshot, error) {
	// Dates come from the database clock so processing started and updated dates compare consistently
	// across writers during generation resolution.
	query := `
		INSERT INTO snapshots (` + snapshotColumns + `)
		VALUES (
			$1, $2::text,
			CASE WHEN $3::timestamptz IS NULL AND $2::text = 'PARSING_IN_PROGRESS'
				THEN clock_timestamp() ELSE $3::timestamptz END,
			$4, COALESCE($5::timestamptz, clock_timestamp()), $6, clock_timestamp()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			processing_started_date = COALESCE(
				$3::timestamptz, snapshots.processing_started_date, EXCLUDED.processing_started_date
			),
			updated_by = EXCLUDED.updated_by,
			updated_date = clock_timestamp()
		RETURNING ` + snapshotColumns

	createdBy, createdDate, updatedBy := metadataArgs(snapshot.Metadata)

	saved, err := scanSnapshot(q.QueryRowContext(ctx, query,
		snapshot.JobExecutionID,
		snapshot.Status,
		nullTime(snapshot.ProcessingStartedDate),
		createdBy,
		createdDate,
		updatedBy,
	))
	if err != nil {
		return nil, classify(fmt.Errorf("failed to save snapshot %s: %w", snapshot.JobExecutionID, err))
	}

	return saved, nil
}

func getSnapshot(ctx context.Context, q Querier, id uuid.UUID) (*records.Snapshot, error) {
	snapshot, err := scanSnapshot(q.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, records.NotFoundf("Couldn't find snapshot with id %s", id)
	}

	if err != nil {
		return nil, classify(fmt.Errorf("failed to read snapshot %s: %w", id, err))
	}

	return snapshot, nil
}

func validateSnapshot(snapshot *records.Snapshot) error {
	if snapshot == nil {
		return records.BadRequestf("snapshot is nil")
	}

	if !snapshot.Status.IsValid() {
		return records.BadRequestf("invalid snapshot status %q", snapshot.Status)
	}

	return nil
}

func scanSnapshot(row rowScanner, extra ...any) (*records.Snapshot, error) {
	var (
		snapshot                 records.Snapshot
		processingStarted        sql.NullTime
		createdBy, updatedBy     uuid.NullUUID
		createdDate, updatedDate time.Time
	)

	dest := append([]any{
		&snapshot.JobExecutionID,
		&snapshot.Status,
		&processingStarted,
		&createdBy,
		&createdDate,
		&updatedBy,
		&updatedDate,
	}, extra...)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	if processingStarted.Valid {
		snapshot.ProcessingStartedDate = &processingStarted.Time
	}

	snapshot.Metadata = buildMetadata(createdBy, createdDate, updatedBy, updatedDate)

	return &snapshot, nil
}
