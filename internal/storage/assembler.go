package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bibliostore/srs/internal/marc"
	"github.com/bibliostore/srs/internal/records"
)

const (
	recordColumns = `r.id, r.snapshot_id, r.matched_id, r.generation, r.record_type, r.instance_id, r.state,
		r.order_in_file, r.suppress_discovery, r.created_by, r.created_date, r.updated_by, r.updated_date`

	subRecordColumns = `rr.content, pr.content, er.content, er.description`

	subRecordJoins = `
		LEFT JOIN raw_records rr ON rr.id = r.id
		LEFT JOIN parsed_records pr ON pr.id = r.id
		LEFT JOIN error_records er ON er.id = r.id`

	// Same shape as subRecordColumns without reading error_records.
	subRecordColumnsNoError = `rr.content, pr.content, NULL::text, NULL::text`

	subRecordJoinsNoError = `
		LEFT JOIN raw_records rr ON rr.id = r.id
		LEFT JOIN parsed_records pr ON pr.id = r.id`
)

// CompositeRecordAssembler turns core record rows into composite records.
//
// Sub-rows are read through the Querier of the triggering read, so a read inside a transaction
// sees the same snapshot of raw, parsed and error rows as the core row itself.
type CompositeRecordAssembler struct{}

// Attach loads the raw, parsed and (when includeError is set) error sub-records of rec in one round trip
// and sets whichever exist. Missing sub-rows are not an error.
func (CompositeRecordAssembler) Attach(
	ctx context.Context,
	q Querier,
	rec *records.Record,
	includeError bool,
) (*records.Record, error) {
	query := attachQuery(includeError)

	var subRows compositeSubRows

	err := q.QueryRowContext(ctx, query, rec.ID).Scan(subRows.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}

	if err != nil {
		return nil, classify(fmt.Errorf("failed to attach sub-records of %s: %w", rec.ID, err))
	}

	subRows.attach(rec)

	return rec, nil
}

func attachQuery(includeError bool) string {
	if !includeError {
		return `SELECT ` + subRecordColumnsNoError + ` FROM records r` + subRecordJoinsNoError + ` WHERE r.id = $1`
	}

	return `SELECT ` + subRecordColumns + ` FROM records r` + subRecordJoins + ` WHERE r.id = $1`
}

// ToSourceRecord projects rec onto the source record form.
func (CompositeRecordAssembler) ToSourceRecord(rec *records.Record) *records.SourceRecord {
	return rec.ToSourceRecord()
}

type compositeSubRows struct {
	rawContent       sql.NullString
	parsedContent    []byte
	errorContent     sql.NullString
	errorDescription sql.NullString
}

func (c *compositeSubRows) dest() []any {
	return []any{&c.rawContent, &c.parsedContent, &c.errorContent, &c.errorDescription}
}

func (c *compositeSubRows) attach(rec *records.Record) {
	if c.rawContent.Valid {
		rec.RawRecord = &records.RawRecord{ID: rec.ID, Content: c.rawContent.String}
	}

	if c.parsedContent != nil {
		rec.ParsedRecord = &records.ParsedRecord{ID: rec.ID, Content: c.parsedContent}
		deriveHRID(rec)
	}

	if c.errorDescription.Valid {
		rec.ErrorRecord = &records.ErrorRecord{
			ID:          rec.ID,
			Content:     c.errorContent.String,
			Description: c.errorDescription.String,
		}
	}
}

// deriveHRID fills the instance HRID from the 001 field of MARC content when the record links an instance.
func deriveHRID(rec *records.Record) {
	if rec.RecordType != records.RecordTypeMarc || rec.ParsedRecord == nil || rec.ExternalIDsHolder == nil {
		return
	}

	if hrid, ok := marc.ControlField(rec.ParsedRecord.Content, marc.TagHRID); ok {
		rec.ExternalIDsHolder.InstanceHRID = hrid
	}
}

// scanRecord scans the recordColumns of one row followed by extra destinations.
func scanRecord(row rowScanner, extra ...any) (*records.Record, error) {
	var (
		rec                      records.Record
		generation               int
		instanceID               uuid.NullUUID
		order                    sql.NullInt64
		suppress                 bool
		createdBy, updatedBy     uuid.NullUUID
		createdDate, updatedDate time.Time
	)

	dest := append([]any{
		&rec.ID,
		&rec.SnapshotID,
		&rec.MatchedID,
		&generation,
		&rec.RecordType,
		&instanceID,
		&rec.State,
		&order,
		&suppress,
		&createdBy,
		&createdDate,
		&updatedBy,
		&updatedDate,
	}, extra...)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	rec.Generation = &generation
	rec.AdditionalInfo = &records.AdditionalInfo{SuppressDiscovery: &suppress}
	rec.Metadata = buildMetadata(createdBy, createdDate, updatedBy, updatedDate)

	if order.Valid {
		rec.Order = records.IntPtr(int(order.Int64))
	}

	if instanceID.Valid {
		rec.ExternalIDsHolder = &records.ExternalIDsHolder{InstanceID: &instanceID.UUID}
	}

	return &rec, nil
}

// scanCompositeRecord scans recordColumns and subRecordColumns followed by extra destinations.
func scanCompositeRecord(row rowScanner, extra ...any) (*records.Record, error) {
	var subRows compositeSubRows

	rec, err := scanRecord(row, append(subRows.dest(), extra...)...)
	if err != nil {
		return nil, err
	}

	subRows.attach(rec)

	return rec, nil
}

// scanRecordWithParsed scans recordColumns and the parsed content followed by extra destinations.
func scanRecordWithParsed(row rowScanner, extra ...any) (*records.Record, error) {
	var parsedContent []byte

	rec, err := scanRecord(row, append([]any{&parsedContent}, extra...)...)
	if err != nil {
		return nil, err
	}

	rec.ParsedRecord = &records.ParsedRecord{ID: rec.ID, Content: parsedContent}
	deriveHRID(rec)

	return rec, nil
}
