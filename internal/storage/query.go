package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bibliostore/srs/internal/config"
	"github.com/bibliostore/srs/internal/marc"
	"github.com/bibliostore/srs/internal/records"
)

// Sortable columns keyed by their JSON property name. Anything else is rejected.
var (
	snapshotSortColumns = map[string]string{
		"jobExecutionId":        "id",
		"status":                "status",
		"processingStartedDate": "processing_started_date",
		"updatedDate":           "updated_date",
	}

	recordSortColumns = map[string]string{
		"id":          "r.id",
		"matchedId":   "r.matched_id",
		"generation":  "r.generation",
		"order":       "r.order_in_file",
		"state":       "r.state",
		"recordType":  "r.record_type",
		"createdDate": "r.created_date",
		"updatedDate": "r.updated_date",
	}
)

// whereBuilder accumulates AND-ed predicates with positional arguments.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *whereBuilder) build() (string, []any) {
	if len(w.clauses) == 0 {
		return "", w.args
	}

	return " WHERE " + strings.Join(w.clauses, " AND "), w.args
}

func buildSnapshotWhere(filter records.SnapshotFilter) (string, []any) {
	var w whereBuilder

	if filter.Status != "" {
		w.add("status = ?", filter.Status)
	}

	if filter.ProcessingStartedAfter != nil {
		w.add("processing_started_date >= ?", *filter.ProcessingStartedAfter)
	}

	if filter.ProcessingStartedBefore != nil {
		w.add("processing_started_date <= ?", *filter.ProcessingStartedBefore)
	}

	return w.build()
}

// buildRecordWhere builds the predicate over records aliased r.
func buildRecordWhere(filter records.RecordFilter) (string, []any) {
	var w whereBuilder

	if filter.RecordID != nil {
		w.add("r.id = ?", *filter.RecordID)
	}

	if filter.MatchedID != nil {
		w.add("r.matched_id = ?", *filter.MatchedID)
	}

	if filter.SnapshotID != nil {
		w.add("r.snapshot_id = ?", *filter.SnapshotID)
	}

	if filter.InstanceID != nil {
		w.add("r.instance_id = ?", *filter.InstanceID)
	}

	if filter.InstanceHRID != "" {
		// The HRID lives in the 001 control field of the parsed MARC content.
		w.add(`EXISTS (
			SELECT 1 FROM parsed_records hp, jsonb_array_elements(hp.content->'fields') AS f
			WHERE hp.id = r.id AND f->>'`+marc.TagHRID+`' = ?)`, filter.InstanceHRID)
	}

	if filter.RecordType != "" {
		w.add("r.record_type = ?", filter.RecordType)
	}

	if filter.State != "" {
		w.add("r.state = ?", filter.State)
	}

	if filter.SuppressDiscovery != nil {
		w.add("r.suppress_discovery = ?", *filter.SuppressDiscovery)
	}

	if filter.UpdatedAfter != nil {
		w.add("r.updated_date >= ?", *filter.UpdatedAfter)
	}

	if filter.UpdatedBefore != nil {
		w.add("r.updated_date <= ?", *filter.UpdatedBefore)
	}

	return w.build()
}

// buildOrderBy renders an ORDER BY clause from whitelisted columns, ending with tiebreak for a stable order.
func buildOrderBy(fields []records.SortField, columns map[string]string, tiebreak string) (string, error) {
	parts := make([]string, 0, len(fields)+1)

	for _, field := range fields {
		column, ok := columns[field.Field]
		if !ok {
			return "", records.BadRequestf("cannot sort by %q", field.Field)
		}

		if field.Desc {
			column += " DESC"
		}

		parts = append(parts, column)
	}

	parts = append(parts, tiebreak)

	return " ORDER BY " + strings.Join(parts, ", "), nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
}

func metadataArgs(m *records.Metadata) (uuid.NullUUID, sql.NullTime, uuid.NullUUID) {
	if m == nil {
		return uuid.NullUUID{}, sql.NullTime{}, uuid.NullUUID{}
	}

	return nullUUID(m.CreatedByUserID), nullTime(m.CreatedDate), nullUUID(m.UpdatedByUserID)
}

func buildMetadata(createdBy uuid.NullUUID, createdDate time.Time, updatedBy uuid.NullUUID, updatedDate time.Time) *records.Metadata {
	m := &records.Metadata{
		CreatedDate: &createdDate,
		UpdatedDate: &updatedDate,
	}

	if createdBy.Valid {
		m.CreatedByUserID = &createdBy.UUID
	}

	if updatedBy.Valid {
		m.UpdatedByUserID = &updatedBy.UUID
	}

	return m
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}

	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
