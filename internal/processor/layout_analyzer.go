/**
 * Layout Analyzer - spatial table reconstruction
 *
 * Turns an unordered bag of OCR detections into a rectangular table:
 * - rows are clustered by vertical proximity to a row anchor
 * - the fullest row defines the column template
 * - every later detection is assigned to the nearest column
 *
 * When no grid structure can be found the analyzer degrades to a single
 * column holding every detection's text, so any detected text yields data.
 */

package processor

import (
	"math"
	"sort"
	"strings"

	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
	"github.com/adverant/nexus/tableanalyst-worker/internal/logging"
)

// DefaultRowYThreshold is the vertical distance, in box units, within which
// detections share a row.
const DefaultRowYThreshold = 20.0

// Row is a group of detections on one text line, sorted left to right
type Row []Span

// Texts returns the row's detection texts in order
func (r Row) Texts() []string {
	out := make([]string, len(r))
	for i, s := range r {
		out[i] = s.Text
	}
	return out
}

// ClusterRows groups detections into rows. A detection joins the current row
// while its vertical center is strictly within yThreshold of the row's first
// member; otherwise it starts a new row. Non-positive thresholds use the default.
func ClusterRows(index *GeometryIndex, yThreshold float64) []Row {
	if yThreshold <= 0 || math.IsNaN(yThreshold) {
		yThreshold = DefaultRowYThreshold
	}

	var rows []Row
	var current Row
	anchor := 0.0

	for _, s := range index.ByVerticalOrder() {
		if len(current) > 0 && math.Abs(s.YCenter-anchor) < yThreshold {
			current = append(current, s)
			continue
		}
		if len(current) > 0 {
			rows = append(rows, sortRow(current))
		}
		current = Row{s}
		anchor = s.YCenter
	}
	if len(current) > 0 {
		rows = append(rows, sortRow(current))
	}

	return rows
}

func sortRow(r Row) Row {
	sort.SliceStable(r, func(i, j int) bool {
		if r[i].XCenter != r[j].XCenter {
			return r[i].XCenter < r[j].XCenter
		}
		return r[i].Text < r[j].Text
	})
	return r
}

// HeaderRowIndex returns the index of the row with the most detections,
// preferring the earliest row on ties. It returns -1 for no rows.
func HeaderRowIndex(rows []Row) int {
	best := -1
	for i, r := range rows {
		if best < 0 || len(r) > len(rows[best]) {
			best = i
		}
	}
	return best
}

// ColumnTemplate holds ascending column anchor x-positions
type ColumnTemplate []float64

// BuildTemplate takes each header detection's horizontal center as a column anchor
func BuildTemplate(header Row) ColumnTemplate {
	t := make(ColumnTemplate, len(header))
	for i, s := range header {
		t[i] = s.XCenter
	}
	sort.Float64s(t)
	return t
}

// Assign returns the column whose anchor is nearest to the span's horizontal
// center; ties go to the lowest column index. It returns -1 for an empty template.
func (t ColumnTemplate) Assign(s Span) int {
	best := -1
	bestDist := math.Inf(1)
	for i, anchor := range t {
		if d := math.Abs(s.XCenter - anchor); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 && len(t) > 0 {
		// NaN geometry never compares smaller; park it in the first column.
		best = 0
	}
	return best
}

// AssemblyKind tells which reconstruction policy produced a table
type AssemblyKind string

const (
	AssemblyEmpty      AssemblyKind = "empty"
	AssemblyStructured AssemblyKind = "structured"
	AssemblyFallback   AssemblyKind = "fallback"
)

// Assembly is the result of table reconstruction
type Assembly struct {
	Kind AssemblyKind
	// Table is nil only for AssemblyEmpty.
	Table *dataset.Table
	// HeaderRow is the index of the header row among clustered rows, -1 when unused.
	HeaderRow int
	// RowCount is the number of clustered rows.
	RowCount int
}

// LayoutAnalyzer reconstructs tables from detections
type LayoutAnalyzer struct {
	yThreshold float64
	logger     *logging.Logger
}

// NewLayoutAnalyzer creates a new layout analyzer
func NewLayoutAnalyzer(yThreshold float64, logger *logging.Logger) *LayoutAnalyzer {
	if yThreshold <= 0 {
		yThreshold = DefaultRowYThreshold
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &LayoutAnalyzer{
		yThreshold: yThreshold,
		logger:     logger.Named("layout"),
	}
}

// Assemble builds a table from detections. Zero detections is the only
// outcome without a table; malformed geometry falls back to a single column.
func (l *LayoutAnalyzer) Assemble(detections []Detection) Assembly {
	if len(detections) == 0 {
		return Assembly{Kind: AssemblyEmpty, HeaderRow: -1}
	}

	index := NewGeometryIndex(detections)
	rows := ClusterRows(index, l.yThreshold)
	header := HeaderRowIndex(rows)

	if len(rows) < 2 || header == len(rows)-1 {
		l.logger.Debug("no grid structure, using single column",
			"detections", len(detections), "rows", len(rows), "header_row", header)
		return Assembly{
			Kind:      AssemblyFallback,
			Table:     fallbackTable(rows),
			HeaderRow: -1,
			RowCount:  len(rows),
		}
	}

	template := BuildTemplate(rows[header])
	records := make([][]string, 0, len(rows)-header-1)
	for _, row := range rows[header+1:] {
		cells := make([]string, len(template))
		for _, s := range row {
			col := template.Assign(s)
			if cells[col] == "" {
				cells[col] = s.Text
			} else {
				cells[col] += " " + s.Text
			}
		}
		records = append(records, cells)
	}

	table := dataset.New(rows[header].Texts(), records)
	l.logger.Debug("table assembled",
		"rows", len(rows), "header_row", header, "columns", table.NumCols(), "records", table.NumRows())

	return Assembly{
		Kind:      AssemblyStructured,
		Table:     table,
		HeaderRow: header,
		RowCount:  len(rows),
	}
}

func fallbackTable(rows []Row) *dataset.Table {
	var records [][]string
	for _, row := range rows {
		for _, s := range row {
			records = append(records, []string{strings.TrimSpace(s.Text)})
		}
	}
	return dataset.New([]string{""}, records)
}
