package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/bibliostore/srs/internal/records"
)

type (
	// SubRecordStore persists one kind of sub-record keyed 1:1 by its owning record id.
	// Every method runs on the caller's Querier so sub-record writes share the composite save transaction.
	SubRecordStore[T any] struct {
		table     string
		upsertSQL string
		selectSQL string
		deleteSQL string
		removeSQL string
		values    func(*T) []any
		scan      func(rowScanner) (*T, error)
	}
)

func newSubRecordStore[T any](
	table string,
	columns []string,
	values func(*T) []any,
	scan func(rowScanner) (*T, error),
) *SubRecordStore[T] {
	placeholders := make([]string, len(columns)+1)
	updates := make([]string, len(columns))

	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	for i, column := range columns {
		updates[i] = column + " = EXCLUDED." + column
	}

	columnList := "id, " + strings.Join(columns, ", ")
	upsertSQL := "INSERT INTO " + table + " (" + columnList + ") VALUES (" + strings.Join(placeholders, ", ") + ")" +
		" ON CONFLICT (id) DO UPDATE SET " + strings.Join(updates, ", ")

	return &SubRecordStore[T]{
		table:     table,
		upsertSQL: upsertSQL,
		selectSQL: "SELECT " + columnList + " FROM " + table + " WHERE id = $1",
		deleteSQL: "DELETE FROM " + table + " WHERE id IN (SELECT id FROM records WHERE snapshot_id = $1)",
		removeSQL: "DELETE FROM " + table + " WHERE id = $1",
		values:    values,
		scan:      scan,
	}
}

// NewRawRecordStore returns the store for raw_records.
func NewRawRecordStore() *SubRecordStore[records.RawRecord] {
	return newSubRecordStore("raw_records", []string{"content"},
		func(r *records.RawRecord) []any {
			return []any{r.ID, r.Content}
		},
		func(row rowScanner) (*records.RawRecord, error) {
			var r records.RawRecord

			return &r, row.Scan(&r.ID, &r.Content)
		},
	)
}

// NewParsedRecordStore returns the store for parsed_records.
func NewParsedRecordStore() *SubRecordStore[records.ParsedRecord] {
	return newSubRecordStore("parsed_records", []string{"content"},
		func(r *records.ParsedRecord) []any {
			// jsonb parameters must be sent as text; []byte would be encoded as bytea.
			return []any{r.ID, string(r.Content)}
		},
		func(row rowScanner) (*records.ParsedRecord, error) {
			var r records.ParsedRecord

			return &r, row.Scan(&r.ID, &r.Content)
		},
	)
}

// NewErrorRecordStore returns the store for error_records.
func NewErrorRecordStore() *SubRecordStore[records.ErrorRecord] {
	return newSubRecordStore("error_records", []string{"content", "description"},
		func(r *records.ErrorRecord) []any {
			return []any{r.ID, sql.NullString{String: r.Content, Valid: r.Content != ""}, r.Description}
		},
		func(row rowScanner) (*records.ErrorRecord, error) {
			var (
				r       records.ErrorRecord
				content sql.NullString
			)

			if err := row.Scan(&r.ID, &content, &r.Description); err != nil {
				return nil, err
			}

			r.Content = content.String

			return &r, nil
		},
	)
}

// Save upserts rec keyed by its id.
func (s *SubRecordStore[T]) Save(ctx context.Context, q Querier, rec *T) error {
	if _, err := q.ExecContext(ctx, s.upsertSQL, s.values(rec)...); err != nil {
		return classify(fmt.Errorf("failed to save %s row: %w", s.table, err))
	}

	return nil
}

// FindByID returns the sub-record owned by record id, or records.ErrNotFound.
func (s *SubRecordStore[T]) FindByID(ctx context.Context, q Querier, id uuid.UUID) (*T, error) {
	rec, err := s.scan(q.QueryRowContext(ctx, s.selectSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, records.NotFoundf("%s row with id %s was not found", s.table, id)
	}

	if err != nil {
		return nil, classify(fmt.Errorf("failed to read %s row: %w", s.table, err))
	}

	return rec, nil
}

// Delete removes the sub-record owned by record id. A missing row is not an error.
func (s *SubRecordStore[T]) Delete(ctx context.Context, q Querier, id uuid.UUID) error {
	if _, err := q.ExecContext(ctx, s.removeSQL, id); err != nil {
		return classify(fmt.Errorf("failed to delete %s row: %w", s.table, err))
	}

	return nil
}

// DeleteBySnapshot removes the sub-records of every record in the snapshot.
func (s *SubRecordStore[T]) DeleteBySnapshot(ctx context.Context, q Querier, snapshotID uuid.UUID) (int64, error) {
	result, err := q.ExecContext(ctx, s.deleteSQL, snapshotID)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to delete %s rows: %w", s.table, err))
	}

	return result.RowsAffected()
}

// subRecords groups the three sub-record stores of a composite record.
type subRecords struct {
	raw    *SubRecordStore[records.RawRecord]
	parsed *SubRecordStore[records.ParsedRecord]
	errs   *SubRecordStore[records.ErrorRecord]
}

func newSubRecords() subRecords {
	return subRecords{
		raw:    NewRawRecordStore(),
		parsed: NewParsedRecordStore(),
		errs:   NewErrorRecordStore(),
	}
}

// deleteBySnapshot removes every record of the snapshot, children first, and returns the number of records removed.
func (s subRecords) deleteBySnapshot(ctx context.Context, q Querier, snapshotID uuid.UUID) (int64, error) {
	for _, del := range []func(context.Context, Querier, uuid.UUID) (int64, error){
		s.raw.DeleteBySnapshot,
		s.parsed.DeleteBySnapshot,
		s.errs.DeleteBySnapshot,
	} {
		if _, err := del(ctx, q, snapshotID); err != nil {
			return 0, err
		}
	}

	result, err := q.ExecContext(ctx, `DELETE FROM records WHERE snapshot_id = $1`, snapshotID)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to delete records of snapshot %s: %w", snapshotID, err))
	}

	return result.RowsAffected()
}
