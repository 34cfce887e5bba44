package marc

import (
	"encoding/json"
	"fmt"

	"github.com/bibliostore/srs/internal/records"
)

const (
	// TagHRID is the control field carrying the instance HRID.
	TagHRID = "001"
	// TagSystemControlNumber receives a displaced 001 value when the HRID is filled in.
	TagSystemControlNumber = "035"
	// TagInstanceID is the local data field carrying the instance id in subfield i.
	TagInstanceID = "999"
)

// ControlField returns the value of the first control field with the given tag.
func ControlField(content []byte, tag string) (string, bool) {
	rec, err := Parse(content)
	if err != nil {
		return "", false
	}

	for _, f := range rec.Fields {
		if f.Tag == tag && f.Data == nil {
			return f.Value, true
		}
	}

	return "", false
}

// AddInstanceID appends a 999 ff $i field holding instanceID unless one is already present.
func AddInstanceID(content []byte, instanceID string) ([]byte, error) {
	rec, err := Parse(content)
	if err != nil {
		return nil, err
	}

	for _, f := range rec.Fields {
		if f.Tag != TagInstanceID || f.Data == nil || f.Data.Ind1 != "f" || f.Data.Ind2 != "f" {
			continue
		}

		for _, sf := range f.Data.Subfields {
			if existing, ok := sf["i"]; ok {
				if existing == instanceID {
					return json.Marshal(rec)
				}

				return nil, fmt.Errorf("%w: record already linked to instance %s", records.ErrBadRequest, existing)
			}
		}
	}

	rec.Fields = append(rec.Fields, Field{
		Tag: TagInstanceID,
		Data: &DataField{
			Ind1:      "f",
			Ind2:      "f",
			Subfields: []map[string]string{{"i": instanceID}},
		},
	})

	return json.Marshal(rec)
}

// FillHRID sets the 001 control field to hrid.
// A different value already present in 001 is preserved in a new 035 $a field.
func FillHRID(content []byte, hrid string) ([]byte, error) {
	rec, err := Parse(content)
	if err != nil {
		return nil, err
	}

	replaced := false

	for i, f := range rec.Fields {
		if f.Tag != TagHRID || f.Data != nil {
			continue
		}

		if f.Value != hrid && f.Value != "" {
			rec.Fields = append(rec.Fields, Field{
				Tag: TagSystemControlNumber,
				Data: &DataField{
					Ind1:      " ",
					Ind2:      " ",
					Subfields: []map[string]string{{"a": f.Value}},
				},
			})
		}

		rec.Fields[i].Value = hrid
		replaced = true

		break
	}

	if !replaced {
		rec.Fields = append([]Field{{Tag: TagHRID, Value: hrid}}, rec.Fields...)
	}

	return json.Marshal(rec)
}
