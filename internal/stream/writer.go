// Package stream serializes streamed source records into a single JSON collection document
// without holding more than one record in memory.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/bibliostore/srs/internal/records"
)

// EmptyDocument is written when a stream matched no records.
const EmptyDocument = `{"sourceRecords":[],"totalRecords":0}`

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("source record writer closed")

// SourceRecordWriter writes a source record collection document incrementally.
//
// The document has the shape of records.SourceRecordCollection. The total count is taken from the first
// written record and emitted in the footer by Close. Write has the signature of records.SourceRecordFunc,
// so a writer can be passed straight to a streaming query.
type SourceRecordWriter struct {
	w       io.Writer
	written int
	total   int
	closed  bool
}

// NewSourceRecordWriter returns a writer emitting to w.
func NewSourceRecordWriter(w io.Writer) *SourceRecordWriter {
	return &SourceRecordWriter{w: w}
}

// Write appends record to the document. total is cached on the first call.
func (s *SourceRecordWriter) Write(total int, record *records.SourceRecord) error {
	if s.closed {
		return ErrClosed
	}

	prefix := ","
	if s.written == 0 {
		s.total = total
		prefix = `{"sourceRecords":[`
	}

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode source record %s: %w", record.RecordID, err)
	}

	if _, err := io.WriteString(s.w, prefix); err != nil {
		return err
	}

	if _, err := s.w.Write(body); err != nil {
		return err
	}

	s.written++

	return nil
}

// Close terminates the document. A writer that received no records emits EmptyDocument.
// Close is idempotent.
func (s *SourceRecordWriter) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true

	if s.written == 0 {
		_, err := io.WriteString(s.w, EmptyDocument)

		return err
	}

	_, err := fmt.Fprintf(s.w, `],"totalRecords":%d}`, s.total)

	return err
}

// Written returns the number of records written so far.
func (s *SourceRecordWriter) Written() int {
	return s.written
}
