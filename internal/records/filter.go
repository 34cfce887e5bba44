package records

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	// SortField orders a list query by one field.
	// Field uses the JSON property name (e.g. "updatedDate"); stores reject names they do not index.
	SortField struct {
		Field string
		Desc  bool
	}

	// RecordFilter selects records. Zero-valued fields do not constrain the result.
	RecordFilter struct {
		RecordID          *uuid.UUID
		MatchedID         *uuid.UUID
		SnapshotID        *uuid.UUID
		InstanceID        *uuid.UUID
		InstanceHRID      string
		RecordType        RecordType
		State             RecordState
		SuppressDiscovery *bool
		UpdatedAfter      *time.Time
		UpdatedBefore     *time.Time
		OrderBy           []SortField
	}

	// SnapshotFilter selects snapshots. Zero-valued fields do not constrain the result.
	SnapshotFilter struct {
		Status                  SnapshotStatus
		ProcessingStartedAfter  *time.Time
		ProcessingStartedBefore *time.Time
		OrderBy                 []SortField
	}
)

// ParseSortFields parses "field,direction" expressions such as "updatedDate,DESC".
// The direction defaults to ascending; an unknown direction yields ErrBadRequest.
func ParseSortFields(exprs []string) ([]SortField, error) {
	fields := make([]SortField, 0, len(exprs))

	for _, expr := range exprs {
		name, direction, _ := strings.Cut(expr, ",")

		name = strings.TrimSpace(name)
		if name == "" {
			return nil, BadRequestf("empty sort field in %q", expr)
		}

		field := SortField{Field: name}

		switch upper(direction) {
		case "", "ASC":
		case "DESC":
			field.Desc = true
		default:
			return nil, BadRequestf("invalid sort direction %q for field %s", direction, name)
		}

		fields = append(fields, field)
	}

	return fields, nil
}

// ExternalIDFilter builds the record filter matching id against the given external id type.
func ExternalIDFilter(id string, idType ExternalIDType) (RecordFilter, error) {
	if idType == ExternalIDHRID {
		if strings.TrimSpace(id) == "" {
			return RecordFilter{}, BadRequestf("empty HRID")
		}

		return RecordFilter{InstanceHRID: id}, nil
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return RecordFilter{}, BadRequestf("invalid %s id %q", idType, id)
	}

	switch idType {
	case ExternalIDRecord:
		return RecordFilter{RecordID: &parsed}, nil
	case ExternalIDInstance:
		return RecordFilter{InstanceID: &parsed}, nil
	case ExternalIDHRID:
	}

	return RecordFilter{}, BadRequestf("unknown external id type %q", idType)
}
