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
	"github.com/bibliostore/srs/internal/records"
)

// UpdateParsedRecords replaces the parsed content and external ids of existing records.
//
// Every parsed record must carry an id, otherwise nothing is updated. Each record is then updated in its
// own transaction; failures are reported per record and do not stop the others.
func (s *RecordStore) UpdateParsedRecords(
	ctx context.Context,
	recs []*records.Record,
) (*records.ParsedRecordsBatchResponse, error) {
	for _, rec := range recs {
		if rec == nil || rec.ParsedRecord == nil || rec.ParsedRecord.ID == uuid.Nil {
			return nil, records.BadRequestf("Each parsed record should contain an id")
		}
	}

	response := &records.ParsedRecordsBatchResponse{
		ParsedRecords: []*records.ParsedRecord{},
		ErrorMessages: []string{},
	}

	for _, rec := range recs {
		if ctx.Err() != nil {
			return response, classify(fmt.Errorf("parsed record update interrupted: %w", ctx.Err()))
		}

		parsed, err := s.updateParsedRecord(ctx, rec)
		if err != nil {
			response.ErrorMessages = append(response.ErrorMessages, err.Error())

			continue
		}

		response.ParsedRecords = append(response.ParsedRecords, parsed)
	}

	response.TotalRecords = len(response.ParsedRecords)

	return response, nil
}

func (s *RecordStore) updateParsedRecord(ctx context.Context, rec *records.Record) (*records.ParsedRecord, error) {
	id := rec.ParsedRecord.ID

	content, err := marc.Normalize(rec.ParsedRecord.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: parsed record %s: %w", records.ErrBadRequest, id, err)
	}

	formatted, err := s.formatter.Format(content)
	if err != nil {
		return nil, fmt.Errorf("%w: parsed record %s: %w", records.ErrBadRequest, id, err)
	}

	parsed := &records.ParsedRecord{ID: id, Content: content, FormattedContent: formatted}

	err = inTx(ctx, s.conn, nil, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE records SET instance_id = $2, updated_date = clock_timestamp() WHERE id = $1`,
			id, nullUUID(rec.InstanceID()))
		if err != nil {
			return classify(fmt.Errorf("failed to update external ids of %s: %w", id, err))
		}

		if affected, err := result.RowsAffected(); err == nil && affected == 0 {
			return records.NotFoundf("Record with id '%s' was not found", id)
		}

		return s.subRecords.parsed.Save(ctx, tx, parsed)
	})
	if err != nil {
		return nil, err
	}

	return parsed, nil
}

// UpdateSourceRecord stores dto as the next generation of the record it edits.
//
// The edited record becomes OLD and a new ACTUAL row with a fresh id and the same matched id is written
// against snapshotID. A snapshot that does not exist yet is created as COMMITTED.
func (s *RecordStore) UpdateSourceRecord(
	ctx context.Context,
	dto *records.ParsedRecordDto,
	snapshotID uuid.UUID,
) (*records.Record, error) {
	if dto == nil || dto.ParsedRecord == nil {
		return nil, records.BadRequestf("parsed record is required")
	}

	if snapshotID == uuid.Nil {
		return nil, records.BadRequestf("snapshot id is required")
	}

	var saved *records.Record

	err := inTx(ctx, s.conn, nil, func(tx *sql.Tx) error {
		existing, err := s.getByID(ctx, tx, dto.ID)
		if err != nil {
			return err
		}

		if err := ensureSnapshot(ctx, tx, snapshotID); err != nil {
			return err
		}

		next := nextGeneration(existing, dto, snapshotID)

		existing.State = records.StateOld
		existing.LatestGeneration = nil

		if _, err := s.save(ctx, tx, existing); err != nil {
			return err
		}

		saved, err = s.save(ctx, tx, next)

		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("source record updated",
		slog.String("matched_id", saved.MatchedID.String()),
		slog.String("record_id", saved.ID.String()),
		slog.Int("generation", *saved.Generation))

	return saved, nil
}

// ensureSnapshot creates snapshotID as a COMMITTED snapshot unless it already exists.
func ensureSnapshot(ctx context.Context, q Querier, snapshotID uuid.UUID) error {
	_, err := getSnapshot(ctx, q, snapshotID)
	if !errors.Is(err, records.ErrNotFound) {
		return err
	}

	now := time.Now()

	_, err = saveSnapshot(ctx, q, &records.Snapshot{
		JobExecutionID:        snapshotID,
		Status:                records.StatusCommitted,
		ProcessingStartedDate: &now,
	})

	return err
}

func nextGeneration(existing *records.Record, dto *records.ParsedRecordDto, snapshotID uuid.UUID) *records.Record {
	generation := 0
	if existing.Generation != nil {
		generation = *existing.Generation + 1
	}

	next := &records.Record{
		ID:                uuid.New(),
		MatchedID:         existing.MatchedID,
		SnapshotID:        snapshotID,
		Generation:        &generation,
		RecordType:        existing.RecordType,
		State:             records.StateActual,
		Order:             existing.Order,
		ExternalIDsHolder: existing.ExternalIDsHolder,
		AdditionalInfo:    existing.AdditionalInfo,
		Metadata:          dto.Metadata,
		ParsedRecord:      &records.ParsedRecord{Content: dto.ParsedRecord.Content},
	}

	if dto.RecordType != "" {
		next.RecordType = dto.RecordType
	}

	if dto.ExternalIDsHolder != nil {
		next.ExternalIDsHolder = dto.ExternalIDsHolder
	}

	if dto.AdditionalInfo != nil {
		next.AdditionalInfo = dto.AdditionalInfo
	}

	if existing.RawRecord != nil {
		next.RawRecord = &records.RawRecord{Content: existing.RawRecord.Content}
	}

	return next
}
