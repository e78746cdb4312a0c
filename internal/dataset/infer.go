package dataset

import (
	"strings"
	"time"
)

// Kind is the inferred semantic type of a column, as reported in the
// overview and data quality sections.
type Kind string

const (
	KindNumeric     Kind = "numeric"
	KindDatetime    Kind = "datetime"
	KindCategorical Kind = "categorical"
)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02.01.2006",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"Jan 2006",
	"January 2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	"2006-01",
}

// ParseDate reports whether s parses with one of the accepted date layouts.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// InferKind classifies a column. Numeric columns are numeric; text columns
// whose non-empty cells all parse as dates are datetime; the rest categorical.
func (t *Table) InferKind(col int) Kind {
	if t.Types[col] == TypeNumeric {
		return KindNumeric
	}

	nonEmpty := 0
	for _, row := range t.Rows {
		c := row[col]
		if c.IsEmpty() {
			continue
		}
		nonEmpty++
		if _, ok := ParseDate(c.Text); !ok {
			return KindCategorical
		}
	}
	if nonEmpty == 0 {
		return KindCategorical
	}
	return KindDatetime
}

// Kinds returns InferKind for every column in table order.
func (t *Table) Kinds() []Kind {
	out := make([]Kind, len(t.Headers))
	for i := range t.Headers {
		out[i] = t.InferKind(i)
	}
	return out
}
