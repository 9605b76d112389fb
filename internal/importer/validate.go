package importer

import "fmt"

// MinDescriptionLen is the shortest complaint description accepted.
const MinDescriptionLen = 10

// RowStatus classifies one validated row.
type RowStatus string

const (
	RowValid   RowStatus = "valid"
	RowWarning RowStatus = "warning"
	RowError   RowStatus = "error"
)

// Validation pairs a record with its per-row verdict. Error rows are
// reported and skipped; they never abort the batch.
type Validation struct {
	Record   Record
	Status   RowStatus
	Problems []string
}

// Validate applies the row rules: required description of minimum
// length and required root causes are errors; missing numbering on
// the cause cell, or an empty resolution list, downgrade to warning.
func Validate(records []Record) []Validation {
	out := make([]Validation, 0, len(records))
	for _, rec := range records {
		v := Validation{Record: rec, Status: RowValid}

		if rec.Description == "" {
			v.fail("description is required")
		} else if len(rec.Description) < MinDescriptionLen {
			v.fail(fmt.Sprintf("description shorter than %d characters", MinDescriptionLen))
		}
		if len(rec.RootCauses) == 0 {
			v.fail("at least one root cause is required")
		}

		if v.Status != RowError {
			if !rec.NumberedCauses {
				v.warn("root-cause cell is not a numbered list")
			}
			if len(rec.Resolutions) == 0 {
				v.warn("no resolutions given")
			}
		}

		out = append(out, v)
	}
	return out
}

func (v *Validation) fail(msg string) {
	v.Status = RowError
	v.Problems = append(v.Problems, msg)
}

func (v *Validation) warn(msg string) {
	if v.Status == RowValid {
		v.Status = RowWarning
	}
	v.Problems = append(v.Problems, msg)
}
