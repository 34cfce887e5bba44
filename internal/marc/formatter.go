// Package marc renders MARC-in-JSON parsed records and reads the few fields the store needs from them.
//
// Parsed content has the shape:
//
//	{"leader": "...", "fields": [{"001": "in001"}, {"245": {"ind1": "1", "ind2": "0", "subfields": [{"a": "Title"}]}}]}
//
// Control fields (tags 001-009) carry a string value; data fields carry indicators and ordered subfields.
package marc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bibliostore/srs/internal/records"
)

const (
	leaderLength = 24
	tagLength    = 3
)

type (
	// Record is the decoded MARC-in-JSON document.
	Record struct {
		Leader string  `json:"leader"`
		Fields []Field `json:"fields"`
	}

	// Field is one variable field. Exactly one of Value and Data is set.
	Field struct {
		Tag   string
		Value string
		Data  *DataField
	}

	// DataField holds indicators and ordered subfields of a data field.
	// Each subfield is a single-code object such as {"a": "A title"}.
	DataField struct {
		Ind1      string              `json:"ind1"`
		Ind2      string              `json:"ind2"`
		Subfields []map[string]string `json:"subfields"`
	}

	// TextFormatter renders parsed content as line-oriented MARC text, one field per line:
	//
	//	LEADER 00714cam a2200205 a 4500
	//	001 in00000000001
	//	245 10$aA title$cby someone
	TextFormatter struct{}
)

var _ records.Formatter = TextFormatter{}

// Format implements records.Formatter.
func (TextFormatter) Format(content []byte) (string, error) {
	rec, err := Parse(content)
	if err != nil {
		return "", err
	}

	var b strings.Builder

	b.WriteString("LEADER ")
	b.WriteString(rec.Leader)
	b.WriteByte('\n')

	for _, f := range rec.Fields {
		b.WriteString(f.Tag)
		b.WriteByte(' ')

		if f.Data == nil {
			b.WriteString(f.Value)
			b.WriteByte('\n')

			continue
		}

		b.WriteString(indicator(f.Data.Ind1))
		b.WriteString(indicator(f.Data.Ind2))

		for _, sf := range f.Data.Subfields {
			for code, value := range sf {
				b.WriteByte('$')
				b.WriteString(code)
				b.WriteString(value)
			}
		}

		b.WriteByte('\n')
	}

	return b.String(), nil
}

// Parse decodes and validates MARC-in-JSON content.
// Content wrapped in a JSON string is unwrapped first. Failures wrap records.ErrFormatting.
func Parse(content []byte) (*Record, error) {
	content, err := Normalize(content)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(content, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", records.ErrFormatting, err)
	}

	if len(rec.Leader) != leaderLength {
		return nil, fmt.Errorf("%w: leader must be %d characters, got %d",
			records.ErrFormatting, leaderLength, len(rec.Leader))
	}

	return &rec, nil
}

// Normalize returns parsed content as a JSON object.
// Content stored as a JSON string holding the object is unwrapped.
func Normalize(content []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty content", records.ErrFormatting)
	}

	if trimmed[0] != '"' {
		return trimmed, nil
	}

	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return nil, fmt.Errorf("%w: %w", records.ErrFormatting, err)
	}

	return bytes.TrimSpace([]byte(inner)), nil
}

// UnmarshalJSON decodes the single-key object form {"tag": value}.
func (f *Field) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if len(raw) != 1 {
		return fmt.Errorf("field must have exactly one tag, got %d", len(raw))
	}

	for tag, value := range raw {
		if len(tag) != tagLength {
			return fmt.Errorf("invalid tag %q", tag)
		}

		f.Tag = tag

		if IsControlTag(tag) {
			return json.Unmarshal(value, &f.Value)
		}

		var data DataField
		if err := json.Unmarshal(value, &data); err != nil {
			return fmt.Errorf("field %s: %w", tag, err)
		}

		if data.Subfields == nil {
			return fmt.Errorf("field %s has no subfields", tag)
		}

		for i, sf := range data.Subfields {
			if len(sf) != 1 {
				return fmt.Errorf("field %s subfield %d must have exactly one code, got %d", tag, i, len(sf))
			}
		}

		f.Data = &data
	}

	return nil
}

// MarshalJSON encodes the single-key object form {"tag": value}.
func (f Field) MarshalJSON() ([]byte, error) {
	if f.Data != nil {
		return json.Marshal(map[string]*DataField{f.Tag: f.Data})
	}

	return json.Marshal(map[string]string{f.Tag: f.Value})
}

// IsControlTag reports whether tag names a control field (001-009).
func IsControlTag(tag string) bool {
	return len(tag) == tagLength && strings.HasPrefix(tag, "00")
}

func indicator(v string) string {
	if v == "" {
		return " "
	}

	return v
}
