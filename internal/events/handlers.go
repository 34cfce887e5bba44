package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/bibliostore/srs/internal/marc"
	"github.com/bibliostore/srs/internal/records"
)

// demotePageSize bounds the records read per page while demoting records of a re-linked instance.
const demotePageSize = 100

type (
	// Handler applies one decoded event.
	Handler interface {
		Handle(ctx context.Context, event *Event) error
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, event *Event) error

	// ChunkHandler saves chunks of parsed records produced by an import job.
	ChunkHandler struct {
		store  records.RecordStore
		logger *slog.Logger
	}

	// InstanceHandler links records to the catalog instances created from them.
	InstanceHandler struct {
		store  records.RecordStore
		logger *slog.Logger
	}

	// QuickMarcHandler stores records edited in the quickMARC editor as new generations.
	QuickMarcHandler struct {
		store  records.RecordStore
		logger *slog.Logger
	}

	// InstancePayload is the payload of an instance created event.
	InstancePayload struct {
		RecordID     uuid.UUID `json:"recordId"`
		InstanceID   uuid.UUID `json:"instanceId"`
		InstanceHRID string    `json:"instanceHrid"`
	}

	// QuickMarcPayload is the payload of a quickMARC record updated event.
	QuickMarcPayload struct {
		ParsedRecordDto *records.ParsedRecordDto `json:"parsedRecordDto"`
		SnapshotID      uuid.UUID                `json:"snapshotId"`
	}
)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// NewChunkHandler returns a handler saving record chunks into store.
func NewChunkHandler(store records.RecordStore, logger *slog.Logger) *ChunkHandler {
	return &ChunkHandler{store: store, logger: logger}
}

// Handle saves every record of the chunk. Failed records are logged; the chunk is never rejected as a whole.
func (h *ChunkHandler) Handle(ctx context.Context, event *Event) error {
	var chunk records.RecordCollection
	if err := event.DecodePayload(&chunk); err != nil {
		return err
	}

	response, err := h.store.SaveMany(ctx, chunk.Records)
	if err != nil {
		return err
	}

	if len(response.ErrorMessages) > 0 {
		h.logger.Warn("Some records of the chunk were not saved",
			slog.String("event_id", event.ID),
			slog.Int("records_saved", response.TotalRecords),
			slog.Int("records_failed", len(response.ErrorMessages)),
			slog.String("errors", strings.Join(response.ErrorMessages, "; ")))
	}

	return nil
}

// NewInstanceHandler returns a handler linking records in store to instances.
func NewInstanceHandler(store records.RecordStore, logger *slog.Logger) *InstanceHandler {
	return &InstanceHandler{store: store, logger: logger}
}

// Handle writes the instance id (999 ff $i) and HRID (001) into the parsed record, stores the link, and demotes
// ACTUAL records of other snapshots that were linked to the same instance.
func (h *InstanceHandler) Handle(ctx context.Context, event *Event) error {
	var payload InstancePayload
	if err := event.DecodePayload(&payload); err != nil {
		return err
	}

	if payload.RecordID == uuid.Nil || payload.InstanceID == uuid.Nil {
		return records.BadRequestf("event %s: record id and instance id are required", event.ID)
	}

	record, err := h.store.GetByID(ctx, payload.RecordID)
	if err != nil {
		return err
	}

	if record.ParsedRecord == nil {
		return records.BadRequestf("record %s has no parsed record", record.ID)
	}

	content, err := marc.AddInstanceID(record.ParsedRecord.Content, payload.InstanceID.String())
	if err != nil {
		return err
	}

	if payload.InstanceHRID != "" {
		if content, err = marc.FillHRID(content, payload.InstanceHRID); err != nil {
			return err
		}
	}

	record.ParsedRecord.Content = content
	record.ExternalIDsHolder = &records.ExternalIDsHolder{
		InstanceID:   &payload.InstanceID,
		InstanceHRID: payload.InstanceHRID,
	}

	response, err := h.store.UpdateParsedRecords(ctx, []*records.Record{record})
	if err != nil {
		return err
	}

	if len(response.ErrorMessages) > 0 {
		return fmt.Errorf("failed to update parsed record %s: %s", record.ID, response.ErrorMessages[0])
	}

	demoted, err := h.demotePrevious(ctx, record, payload.InstanceID)
	if err != nil {
		return err
	}

	h.logger.Info("record linked to instance",
		slog.String("record_id", record.ID.String()),
		slog.String("instance_id", payload.InstanceID.String()),
		slog.Int("records_demoted", demoted))

	return nil
}

// demotePrevious marks OLD the ACTUAL records of other snapshots linked to instanceID.
func (h *InstanceHandler) demotePrevious(ctx context.Context, current *records.Record, instanceID uuid.UUID) (int, error) {
	filter := records.RecordFilter{InstanceID: &instanceID, State: records.StateActual}

	var previous []*records.Record

	for offset := 0; ; offset += demotePageSize {
		page, err := h.store.GetRecords(ctx, filter, offset, demotePageSize)
		if err != nil {
			return 0, err
		}

		for _, r := range page.Records {
			if r.ID != current.ID && r.SnapshotID != current.SnapshotID {
				previous = append(previous, r)
			}
		}

		if len(page.Records) < demotePageSize {
			break
		}
	}

	for _, r := range previous {
		r.State = records.StateOld

		if _, err := h.store.Update(ctx, r); err != nil {
			return 0, fmt.Errorf("failed to demote record %s: %w", r.ID, err)
		}
	}

	return len(previous), nil
}

// NewQuickMarcHandler returns a handler storing quickMARC edits into store.
func NewQuickMarcHandler(store records.RecordStore, logger *slog.Logger) *QuickMarcHandler {
	return &QuickMarcHandler{store: store, logger: logger}
}

// Handle stores the edited parsed record as the next generation of the record it edits.
func (h *QuickMarcHandler) Handle(ctx context.Context, event *Event) error {
	var payload QuickMarcPayload
	if err := event.DecodePayload(&payload); err != nil {
		return err
	}

	if payload.ParsedRecordDto == nil {
		return records.BadRequestf("event %s: parsed record dto is required", event.ID)
	}

	snapshotID := payload.SnapshotID
	if snapshotID == uuid.Nil {
		snapshotID = uuid.New()
	}

	record, err := h.store.UpdateSourceRecord(ctx, payload.ParsedRecordDto, snapshotID)
	if err != nil {
		return err
	}

	h.logger.Info("quickMARC edit stored",
		slog.String("event_id", event.ID),
		slog.String("record_id", record.ID.String()),
		slog.Int("generation", *record.Generation))

	return nil
}
