// Package records provides the source record domain model and the persistence contracts for it.
//
// A logical record is identified by its matched id and accumulates immutable generations, one per
// processing run (snapshot) that touched it. Only one generation is ever ACTUAL. Each physical record
// row owns at most one raw, parsed and error sub-record, all keyed by the record id.
//
// Concrete implementations of the Store interfaces live in the internal/storage package.
package records

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	// SnapshotStatus is the lifecycle status of a processing job run.
	SnapshotStatus string

	// RecordState is the versioning state of a physical record row.
	RecordState string

	// RecordType identifies the grammar of the record content.
	RecordType string

	// ExternalIDType selects which identifier an external id lookup matches against.
	ExternalIDType string

	// Metadata carries informational audit fields. It never participates in versioning.
	Metadata struct {
		CreatedByUserID *uuid.UUID `json:"createdByUserId,omitempty"`
		CreatedDate     *time.Time `json:"createdDate,omitempty"`
		UpdatedByUserID *uuid.UUID `json:"updatedByUserId,omitempty"`
		UpdatedDate     *time.Time `json:"updatedDate,omitempty"`
	}

	// Snapshot is one processing job run that produces and eventually commits a batch of records.
	Snapshot struct {
		JobExecutionID        uuid.UUID      `json:"jobExecutionId"`
		Status                SnapshotStatus `json:"status"`
		ProcessingStartedDate *time.Time     `json:"processingStartedDate,omitempty"`
		Metadata              *Metadata      `json:"metadata,omitempty"`
	}

	// Record is a physical record row plus its attached sub-records.
	//
	// Generation is nil until resolved; a caller supplying it bypasses generation resolution.
	Record struct {
		ID                uuid.UUID          `json:"id"`
		MatchedID         uuid.UUID          `json:"matchedId"`
		SnapshotID        uuid.UUID          `json:"snapshotId"`
		Generation        *int               `json:"generation,omitempty"`
		LatestGeneration  *int               `json:"latestGeneration,omitempty"`
		RecordType        RecordType         `json:"recordType"`
		State             RecordState        `json:"state,omitempty"`
		Order             *int               `json:"order,omitempty"`
		ExternalIDsHolder *ExternalIDsHolder `json:"externalIdsHolder,omitempty"`
		AdditionalInfo    *AdditionalInfo    `json:"additionalInfo,omitempty"`
		Metadata          *Metadata          `json:"metadata,omitempty"`
		RawRecord         *RawRecord         `json:"rawRecord,omitempty"`
		ParsedRecord      *ParsedRecord      `json:"parsedRecord,omitempty"`
		ErrorRecord       *ErrorRecord       `json:"errorRecord,omitempty"`
	}

	// ExternalIDsHolder links a record to the catalog instance created from it.
	ExternalIDsHolder struct {
		InstanceID   *uuid.UUID `json:"instanceId,omitempty"`
		InstanceHRID string     `json:"instanceHrid,omitempty"`
	}

	// AdditionalInfo holds flags that callers may change without creating a new generation.
	AdditionalInfo struct {
		SuppressDiscovery *bool `json:"suppressDiscovery,omitempty"`
	}

	// RawRecord is the original record content as received.
	RawRecord struct {
		ID      uuid.UUID `json:"id"`
		Content string    `json:"content"`
	}

	// ParsedRecord is the structured JSON form of the record.
	// FormattedContent is derived on save and read, and is never persisted.
	ParsedRecord struct {
		ID               uuid.UUID       `json:"id"`
		Content          json.RawMessage `json:"content"`
		FormattedContent string          `json:"formattedContent,omitempty"`
	}

	// ErrorRecord captures content that could not be parsed or formatted.
	ErrorRecord struct {
		ID          uuid.UUID `json:"id"`
		Content     string    `json:"content"`
		Description string    `json:"description"`
	}

	// SourceRecord is the read projection of a record: identity and state plus parsed content only.
	SourceRecord struct {
		RecordID          uuid.UUID          `json:"recordId"`
		SnapshotID        uuid.UUID          `json:"snapshotId"`
		RecordType        RecordType         `json:"recordType"`
		Order             *int               `json:"order,omitempty"`
		Deleted           bool               `json:"deleted"`
		ExternalIDsHolder *ExternalIDsHolder `json:"externalIdsHolder,omitempty"`
		AdditionalInfo    *AdditionalInfo    `json:"additionalInfo,omitempty"`
		Metadata          *Metadata          `json:"metadata,omitempty"`
		ParsedRecord      *ParsedRecord      `json:"parsedRecord,omitempty"`
	}

	// RecordCollection is one page of records plus the total number of matching rows.
	RecordCollection struct {
		Records      []*Record `json:"records"`
		TotalRecords int       `json:"totalRecords"`
	}

	// SourceRecordCollection is one page of source records plus the total number of matching rows.
	SourceRecordCollection struct {
		SourceRecords []*SourceRecord `json:"sourceRecords"`
		TotalRecords  int             `json:"totalRecords"`
	}

	// SnapshotCollection is one page of snapshots plus the total number of matching rows.
	SnapshotCollection struct {
		Snapshots    []*Snapshot `json:"snapshots"`
		TotalRecords int         `json:"totalRecords"`
	}

	// RecordsBatchResponse reports the outcome of a best-effort batch save.
	// TotalRecords counts committed records only.
	RecordsBatchResponse struct {
		Records       []*Record `json:"records"`
		ErrorMessages []string  `json:"errorMessages"`
		TotalRecords  int       `json:"totalRecords"`
	}

	// ParsedRecordsBatchResponse reports the outcome of a batch parsed record update.
	ParsedRecordsBatchResponse struct {
		ParsedRecords []*ParsedRecord `json:"parsedRecords"`
		ErrorMessages []string        `json:"errorMessages"`
		TotalRecords  int             `json:"totalRecords"`
	}

	// ParsedRecordDto is an edited parsed record submitted for a record, as produced by the quickMARC editor.
	ParsedRecordDto struct {
		ID                uuid.UUID          `json:"id"`
		RecordType        RecordType         `json:"recordType"`
		ParsedRecord      *ParsedRecord      `json:"parsedRecord"`
		ExternalIDsHolder *ExternalIDsHolder `json:"externalIdsHolder,omitempty"`
		AdditionalInfo    *AdditionalInfo    `json:"additionalInfo,omitempty"`
		Metadata          *Metadata          `json:"metadata,omitempty"`
	}
)

// Snapshot statuses.
const (
	StatusNew               SnapshotStatus = "NEW"
	StatusParsingInProgress SnapshotStatus = "PARSING_IN_PROGRESS"
	StatusParsingFinished   SnapshotStatus = "PARSING_FINISHED"
	StatusCommitInProgress  SnapshotStatus = "COMMIT_IN_PROGRESS"
	StatusCommitted         SnapshotStatus = "COMMITTED"
	StatusError             SnapshotStatus = "ERROR"
)

// Record states.
const (
	StateActual  RecordState = "ACTUAL"
	StateOld     RecordState = "OLD"
	StateDraft   RecordState = "DRAFT"
	StateDeleted RecordState = "DELETED"
)

// Record types.
const (
	RecordTypeMarc    RecordType = "MARC"
	RecordTypeEdifact RecordType = "EDIFACT"
)

// External id types.
const (
	ExternalIDRecord   ExternalIDType = "RECORD"
	ExternalIDInstance ExternalIDType = "INSTANCE"
	ExternalIDHRID     ExternalIDType = "HRID"
)

// IsValid reports whether s is a known snapshot status.
func (s SnapshotStatus) IsValid() bool {
	switch s {
	case StatusNew, StatusParsingInProgress, StatusParsingFinished,
		StatusCommitInProgress, StatusCommitted, StatusError:
		return true
	}

	return false
}

// IsValid reports whether s is a known record state.
func (s RecordState) IsValid() bool {
	switch s {
	case StateActual, StateOld, StateDraft, StateDeleted:
		return true
	}

	return false
}

// IsValid reports whether t is a known record type.
func (t RecordType) IsValid() bool {
	return t == RecordTypeMarc || t == RecordTypeEdifact
}

// ParseExternalIDType maps the case-insensitive external id type name used by callers
// to an ExternalIDType. Unknown names yield ErrBadRequest.
func ParseExternalIDType(name string) (ExternalIDType, error) {
	switch ExternalIDType(upper(name)) {
	case ExternalIDRecord:
		return ExternalIDRecord, nil
	case ExternalIDInstance:
		return ExternalIDInstance, nil
	case ExternalIDHRID:
		return ExternalIDHRID, nil
	}

	return "", BadRequestf("unknown external id type %q", name)
}

// SuppressDiscovery returns the record's suppress flag, false when unset.
func (r *Record) SuppressDiscovery() bool {
	if r.AdditionalInfo == nil || r.AdditionalInfo.SuppressDiscovery == nil {
		return false
	}

	return *r.AdditionalInfo.SuppressDiscovery
}

// InstanceID returns the linked instance id, or nil.
func (r *Record) InstanceID() *uuid.UUID {
	if r.ExternalIDsHolder == nil {
		return nil
	}

	return r.ExternalIDsHolder.InstanceID
}

// ToSourceRecord projects r onto its source record form. Raw and error content are dropped.
func (r *Record) ToSourceRecord() *SourceRecord {
	return &SourceRecord{
		RecordID:          r.ID,
		SnapshotID:        r.SnapshotID,
		RecordType:        r.RecordType,
		Order:             r.Order,
		Deleted:           r.State == StateDeleted,
		ExternalIDsHolder: r.ExternalIDsHolder,
		AdditionalInfo:    r.AdditionalInfo,
		Metadata:          r.Metadata,
		ParsedRecord:      r.ParsedRecord,
	}
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool {
	return &v
}
