// Package dataset holds the rectangular, typed table reconstructed from OCR
// detections. A Table is built once per request and treated as read-only
// afterwards.
package dataset

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ColumnType is the storage type of a column after numeric promotion.
type ColumnType string

const (
	TypeText    ColumnType = "text"
	TypeNumeric ColumnType = "numeric"
)

// Cell is one table value. Numeric cells carry Number; everything else is text.
// An empty text cell is a missing value.
type Cell struct {
	Text    string
	Number  float64
	Numeric bool
}

// TextCell returns a text cell.
func TextCell(s string) Cell {
	return Cell{Text: s}
}

// NumberCell returns a numeric cell.
func NumberCell(v float64) Cell {
	return Cell{Number: v, Numeric: true, Text: strconv.FormatFloat(v, 'f', -1, 64)}
}

// IsEmpty reports whether the cell is a missing value.
func (c Cell) IsEmpty() bool {
	return !c.Numeric && strings.TrimSpace(c.Text) == ""
}

func (c Cell) String() string {
	if c.Numeric {
		return strconv.FormatFloat(c.Number, 'f', -1, 64)
	}
	return c.Text
}

// MarshalJSON renders numbers as numbers, text as strings and missing values as null.
func (c Cell) MarshalJSON() ([]byte, error) {
	switch {
	case c.Numeric:
		return json.Marshal(c.Number)
	case c.IsEmpty():
		return []byte("null"), nil
	default:
		return json.Marshal(c.Text)
	}
}

// Table is a rectangular dataset: every row has exactly len(Headers) cells.
type Table struct {
	Headers []string     `json:"headers"`
	Types   []ColumnType `json:"types"`
	Rows    [][]Cell     `json:"rows"`
}

// New builds a table from raw header and cell text. Headers are normalised
// (placeholders for blanks, suffixes for duplicates), rows are padded or
// truncated to the header width, and fully numeric columns are promoted.
func New(headers []string, rows [][]string) *Table {
	t := &Table{
		Headers: NormalizeHeaders(headers),
		Types:   make([]ColumnType, len(headers)),
		Rows:    make([][]Cell, 0, len(rows)),
	}
	for i := range t.Types {
		t.Types[i] = TypeText
	}

	for _, raw := range rows {
		record := make([]Cell, len(headers))
		for i := range record {
			if i < len(raw) {
				record[i] = TextCell(strings.TrimSpace(raw[i]))
			}
		}
		t.Rows = append(t.Rows, record)
	}

	t.promoteNumeric()
	return t
}

// NormalizeHeaders replaces blank names with Column_<n> (1-based) and makes
// repeated names unique by appending _<k>.
func NormalizeHeaders(headers []string) []string {
	out := make([]string, len(headers))
	seen := make(map[string]int, len(headers))
	for i, h := range headers {
		name := strings.TrimSpace(h)
		if name == "" {
			name = fmt.Sprintf("Column_%d", i+1)
		}
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			candidate := fmt.Sprintf("%s_%d", name, n+1)
			for seen[candidate] > 0 {
				n++
				candidate = fmt.Sprintf("%s_%d", name, n+1)
			}
			seen[candidate] = 1
			name = candidate
		} else {
			seen[name] = 1
		}
		out[i] = name
	}
	return out
}

func (t *Table) promoteNumeric() {
	for col := range t.Headers {
		values := make([]float64, len(t.Rows))
		nonEmpty := 0
		numeric := true
		for r, row := range t.Rows {
			if row[col].IsEmpty() {
				continue
			}
			nonEmpty++
			v, ok := ParseNumber(row[col].Text)
			if !ok {
				numeric = false
				break
			}
			values[r] = v
		}
		if !numeric || nonEmpty == 0 {
			continue
		}

		t.Types[col] = TypeNumeric
		for r, row := range t.Rows {
			if row[col].IsEmpty() {
				row[col] = Cell{}
				continue
			}
			row[col] = NumberCell(values[r])
		}
	}
}

var plainDecimal = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// ParseNumber parses a plain decimal number. Thousands separators, currency
// symbols and locale decimal commas are not accepted.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if !plainDecimal.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// NumRows returns the record count.
func (t *Table) NumRows() int { return len(t.Rows) }

// NumCols returns the column count.
func (t *Table) NumCols() int { return len(t.Headers) }

// IsEmpty reports whether the table has no records or no columns.
func (t *Table) IsEmpty() bool {
	return t == nil || len(t.Rows) == 0 || len(t.Headers) == 0
}

// NumericColumns returns the indexes of numeric columns in table order.
func (t *Table) NumericColumns() []int {
	var out []int
	for i, typ := range t.Types {
		if typ == TypeNumeric {
			out = append(out, i)
		}
	}
	return out
}

// Column returns the cells of one column in row order.
func (t *Table) Column(col int) []Cell {
	out := make([]Cell, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[col]
	}
	return out
}

// Floats returns the non-missing values of a numeric column in row order
// together with the row index each value came from.
func (t *Table) Floats(col int) (values []float64, rows []int) {
	for r, row := range t.Rows {
		if row[col].Numeric {
			values = append(values, row[col].Number)
			rows = append(rows, r)
		}
	}
	return values, rows
}

// MissingCount returns the number of missing cells in a column.
func (t *Table) MissingCount(col int) int {
	n := 0
	for _, row := range t.Rows {
		if row[col].IsEmpty() {
			n++
		}
	}
	return n
}

// MissingCells returns the number of missing cells across the whole table.
func (t *Table) MissingCells() int {
	n := 0
	for col := range t.Headers {
		n += t.MissingCount(col)
	}
	return n
}

// DuplicateRows counts rows equal to an earlier row across every column.
func (t *Table) DuplicateRows() int {
	seen := make(map[string]struct{}, len(t.Rows))
	dups := 0
	for _, row := range t.Rows {
		key := rowKey(row)
		if _, ok := seen[key]; ok {
			dups++
			continue
		}
		seen[key] = struct{}{}
	}
	return dups
}

func rowKey(row []Cell) string {
	var b strings.Builder
	for _, c := range row {
		switch {
		case c.Numeric:
			b.WriteString("n:")
			b.WriteString(strconv.FormatFloat(c.Number, 'g', -1, 64))
		case c.IsEmpty():
			b.WriteString("-")
		default:
			b.WriteString("s:")
			b.WriteString(strconv.Quote(c.Text))
		}
		b.WriteByte('|')
	}
	return b.String()
}

// MemoryBytes approximates the in-memory size of the table contents.
func (t *Table) MemoryBytes() int64 {
	var total int64
	for _, h := range t.Headers {
		total += int64(len(h)) + 16
	}
	for _, row := range t.Rows {
		for _, c := range row {
			if c.Numeric {
				total += 8
			} else {
				total += int64(len(c.Text)) + 16
			}
		}
	}
	return total
}

// TextRows returns every record as display strings, missing values as "".
func (t *Table) TextRows() [][]string {
	out := make([][]string, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = make([]string, len(row))
		for c, cell := range row {
			out[r][c] = cell.String()
		}
	}
	return out
}
