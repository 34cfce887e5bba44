package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/bibliostore/srs/internal/metrics"
	"github.com/bibliostore/srs/internal/records"
)

const sourceRecordCursor = "source_records_stream"

// StreamSourceRecords pushes every source record matching filter to fn in query order.
//
// Rows are read through a server-side cursor in a read-only transaction, streamFetchSize rows per round trip,
// so the result set is never held in memory. fn receives the total match count with every row.
// Returning records.ErrStopIteration from fn ends the stream without error; any other error from fn,
// or the end of ctx, stops fetching and is returned. The transaction is released in every case.
func (s *RecordStore) StreamSourceRecords(
	ctx context.Context,
	filter records.RecordFilter,
	fn records.SourceRecordFunc,
) error {
	query, args, err := sourceRecordQuery(filter)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, readOnlyTx)
	if err != nil {
		return classify(fmt.Errorf("failed to begin stream transaction: %w", err))
	}

	defer func() {
		_ = tx.Rollback() // Closes the cursor and returns the connection
	}()

	if _, err := tx.ExecContext(ctx, `DECLARE `+sourceRecordCursor+` NO SCROLL CURSOR FOR `+query, args...); err != nil {
		return classify(fmt.Errorf("failed to open source record cursor: %w", err))
	}

	fetch := fmt.Sprintf("FETCH FORWARD %d FROM %s", s.streamFetchSize, sourceRecordCursor)

	for {
		fetched, err := s.fetchSourceRecords(ctx, tx, fetch, fn)
		if errors.Is(err, records.ErrStopIteration) {
			return nil
		}

		if err != nil {
			return err
		}

		if fetched < s.streamFetchSize {
			return nil
		}
	}
}

// fetchSourceRecords reads one cursor page and hands its rows to fn, returning the number of rows read.
func (s *RecordStore) fetchSourceRecords(
	ctx context.Context,
	q Querier,
	fetch string,
	fn records.SourceRecordFunc,
) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, classify(fmt.Errorf("source record stream cancelled: %w", err))
	}

	rows, err := q.QueryContext(ctx, fetch)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to fetch source records: %w", err))
	}

	defer func() {
		_ = rows.Close()
	}()

	fetched := 0

	for rows.Next() {
		var total int

		record, err := scanRecordWithParsed(rows, &total)
		if err != nil {
			return fetched, classify(fmt.Errorf("failed to scan source record: %w", err))
		}

		fetched++

		metrics.StreamedRecordsTotal.Inc()

		if err := fn(total, s.assembler.ToSourceRecord(record)); err != nil {
			return fetched, err
		}
	}

	if err := rows.Err(); err != nil {
		return fetched, classify(fmt.Errorf("failed to iterate source records: %w", err))
	}

	return fetched, nil
}
