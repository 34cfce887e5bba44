package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bibliostore/srs/internal/records"
)

// preferActual orders the rows of one logical record so the ACTUAL row, then the newest generation, comes first.
const preferActual = " ORDER BY (r.state = 'ACTUAL') DESC, r.generation DESC, r.id"

// GetByID returns the record with its raw, parsed and error sub-records.
func (s *RecordStore) GetByID(ctx context.Context, id uuid.UUID) (*records.Record, error) {
	var record *records.Record

	err := inTx(ctx, s.conn, readOnlyTx, func(tx *sql.Tx) error {
		var err error

		record, err = s.getByID(ctx, tx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// GetByCondition returns the first record matching filter, preferring the ACTUAL row.
func (s *RecordStore) GetByCondition(ctx context.Context, filter records.RecordFilter) (*records.Record, error) {
	var record *records.Record

	err := inTx(ctx, s.conn, readOnlyTx, func(tx *sql.Tx) error {
		var err error

		record, err = s.findRecord(ctx, tx, filter, recordLookup{includeError: true})

		return err
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// GetByExternalID returns the record matched by externalID, with LatestGeneration set to the highest generation
// of its logical record.
func (s *RecordStore) GetByExternalID(
	ctx context.Context,
	externalID string,
	idType records.ExternalIDType,
) (*records.Record, error) {
	filter, err := records.ExternalIDFilter(externalID, idType)
	if err != nil {
		return nil, err
	}

	var record *records.Record

	err = inTx(ctx, s.conn, readOnlyTx, func(tx *sql.Tx) error {
		var err error

		record, err = s.findByExternalID(ctx, tx, filter)

		return err
	})
	if errors.Is(err, records.ErrNotFound) {
		return nil, records.NotFoundf("Record with %s id: %s was not found", idType, externalID)
	}

	if err != nil {
		return nil, err
	}

	return record, nil
}

// GetFormattedRecord returns the record matched by externalID with the formatted text of its parsed content.
// The error sub-record is not loaded.
func (s *RecordStore) GetFormattedRecord(
	ctx context.Context,
	externalID string,
	idType records.ExternalIDType,
) (*records.Record, error) {
	filter, err := records.ExternalIDFilter(externalID, idType)
	if err != nil {
		return nil, err
	}

	var record *records.Record

	err = inTx(ctx, s.conn, readOnlyTx, func(tx *sql.Tx) error {
		var err error

		record, err = s.findRecord(ctx, tx, filter, recordLookup{withLatest: true})

		return err
	})
	if errors.Is(err, records.ErrNotFound) {
		return nil, records.NotFoundf("Record with %s id: %s was not found", idType, externalID)
	}

	if err != nil {
		return nil, err
	}

	if record.ParsedRecord == nil {
		return record, nil
	}

	formatted, err := s.formatter.Format(record.ParsedRecord.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to format record %s: %w", record.ID, err)
	}

	record.ParsedRecord.FormattedContent = formatted

	return record, nil
}

// GetRecords returns one page of composite records matching filter plus the total match count.
func (s *RecordStore) GetRecords(
	ctx context.Context,
	filter records.RecordFilter,
	offset, limit int,
) (*records.RecordCollection, error) {
	where, args := buildRecordWhere(filter)

	orderBy, err := buildOrderBy(filter.OrderBy, recordSortColumns, "r.id")
	if err != nil {
		return nil, err
	}

	args = append(args, limit, offset)
	query := `SELECT ` + recordColumns + `, ` + subRecordColumns + `, count(*) OVER () AS total_count
		FROM records r` + subRecordJoins + where + orderBy +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query records: %w", err))
	}

	defer func() {
		_ = rows.Close()
	}()

	collection := &records.RecordCollection{Records: []*records.Record{}}

	for rows.Next() {
		record, err := scanCompositeRecord(rows, &collection.TotalRecords)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to scan record: %w", err))
		}

		collection.Records = append(collection.Records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("failed to iterate records: %w", err))
	}

	if len(collection.Records) == 0 && offset > 0 {
		total, err := s.countRecords(ctx, `SELECT count(*) FROM records r`+where, args[:len(args)-2])
		if err != nil {
			return nil, err
		}

		collection.TotalRecords = total
	}

	return collection, nil
}

// GetSourceRecords returns one page of source records matching filter plus the total match count.
// Records without parsed content are not source records and never match.
func (s *RecordStore) GetSourceRecords(
	ctx context.Context,
	filter records.RecordFilter,
	offset, limit int,
) (*records.SourceRecordCollection, error) {
	query, args, err := sourceRecordQuery(filter)
	if err != nil {
		return nil, err
	}

	args = append(args, limit, offset)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query source records: %w", err))
	}

	defer func() {
		_ = rows.Close()
	}()

	collection := &records.SourceRecordCollection{SourceRecords: []*records.SourceRecord{}}

	for rows.Next() {
		record, err := scanRecordWithParsed(rows, &collection.TotalRecords)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to scan source record: %w", err))
		}

		collection.SourceRecords = append(collection.SourceRecords, s.assembler.ToSourceRecord(record))
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("failed to iterate source records: %w", err))
	}

	if len(collection.SourceRecords) == 0 && offset > 0 {
		where, countArgs := buildRecordWhere(filter)

		total, err := s.countRecords(ctx,
			`SELECT count(*) FROM records r JOIN parsed_records pr ON pr.id = r.id`+where, countArgs)
		if err != nil {
			return nil, err
		}

		collection.TotalRecords = total
	}

	return collection, nil
}

// GetSourceRecordByID returns the ACTUAL source record of the logical record matchedID.
func (s *RecordStore) GetSourceRecordByID(ctx context.Context, matchedID uuid.UUID) (*records.SourceRecord, error) {
	record, err := s.findSourceRecord(ctx, records.RecordFilter{MatchedID: &matchedID})
	if errors.Is(err, records.ErrNotFound) {
		return nil, records.NotFoundf("Couldn't find source record with id %s", matchedID)
	}

	return record, err
}

// GetSourceRecordByExternalID returns the ACTUAL source record matched by externalID.
func (s *RecordStore) GetSourceRecordByExternalID(
	ctx context.Context,
	externalID string,
	idType records.ExternalIDType,
) (*records.SourceRecord, error) {
	filter, err := records.ExternalIDFilter(externalID, idType)
	if err != nil {
		return nil, err
	}

	record, err := s.findSourceRecord(ctx, filter)
	if errors.Is(err, records.ErrNotFound) {
		return nil, records.NotFoundf("Couldn't find source record with %s id %s", idType, externalID)
	}

	return record, err
}

func (s *RecordStore) findSourceRecord(
	ctx context.Context,
	filter records.RecordFilter,
) (*records.SourceRecord, error) {
	filter.State = records.StateActual

	where, args := buildRecordWhere(filter)
	query := `SELECT ` + recordColumns + `, pr.content FROM records r JOIN parsed_records pr ON pr.id = r.id` +
		where + preferActual + ` LIMIT 1`

	record, err := scanRecordWithParsed(s.conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, records.ErrNotFound
	}

	if err != nil {
		return nil, classify(fmt.Errorf("failed to read source record: %w", err))
	}

	return s.assembler.ToSourceRecord(record), nil
}

func (s *RecordStore) getByID(ctx context.Context, q Querier, id uuid.UUID) (*records.Record, error) {
	record, err := s.findRecord(ctx, q, records.RecordFilter{RecordID: &id}, recordLookup{includeError: true})
	if errors.Is(err, records.ErrNotFound) {
		return nil, records.NotFoundf("Record with id '%s' was not found", id)
	}

	return record, err
}

func (s *RecordStore) findByExternalID(
	ctx context.Context,
	q Querier,
	filter records.RecordFilter,
) (*records.Record, error) {
	return s.findRecord(ctx, q, filter, recordLookup{withLatest: true, includeError: true})
}

// recordLookup selects the optional parts read by findRecord.
type recordLookup struct {
	withLatest   bool // highest generation of the row's logical record
	includeError bool // error sub-record
}

// findRecord reads the first core row matching filter and attaches its sub-records on the same Querier.
func (s *RecordStore) findRecord(
	ctx context.Context,
	q Querier,
	filter records.RecordFilter,
	lookup recordLookup,
) (*records.Record, error) {
	where, args := buildRecordWhere(filter)

	columns := recordColumns
	if lookup.withLatest {
		columns += `, (SELECT max(g.generation) FROM records g WHERE g.matched_id = r.matched_id)`
	}

	var (
		record *records.Record
		latest sql.NullInt64
		err    error
	)

	row := q.QueryRowContext(ctx, `SELECT `+columns+` FROM records r`+where+preferActual+` LIMIT 1`, args...)
	if lookup.withLatest {
		record, err = scanRecord(row, &latest)
	} else {
		record, err = scanRecord(row)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil, records.ErrNotFound
	}

	if err != nil {
		return nil, classify(fmt.Errorf("failed to read record: %w", err))
	}

	if latest.Valid {
		record.LatestGeneration = records.IntPtr(int(latest.Int64))
	}

	return s.assembler.Attach(ctx, q, record, lookup.includeError)
}

func (s *RecordStore) countRecords(ctx context.Context, query string, args []any) (int, error) {
	var total int
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, classify(fmt.Errorf("failed to count records: %w", err))
	}

	return total, nil
}

// sourceRecordQuery builds the windowed source record query for filter, without paging.
func sourceRecordQuery(filter records.RecordFilter) (string, []any, error) {
	where, args := buildRecordWhere(filter)

	orderBy, err := buildOrderBy(filter.OrderBy, recordSortColumns, "r.id")
	if err != nil {
		return "", nil, err
	}

	query := `SELECT ` + recordColumns + `, pr.content, count(*) OVER () AS total_count
		FROM records r JOIN parsed_records pr ON pr.id = r.id` + where + orderBy

	return query, args, nil
}
