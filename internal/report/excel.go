// Package report renders a reconstructed table and its analysis into an
// Excel workbook.
package report

import (
	"fmt"
	"math"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/adverant/nexus/tableanalyst-worker/internal/analysis"
	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
	"github.com/adverant/nexus/tableanalyst-worker/internal/logging"
)

// Sheet names in workbook order.
const (
	SheetRawData     = "Raw Data"
	SheetSummary     = "Summary Statistics"
	SheetQuality     = "Data Quality"
	SheetCorrelation = "Correlations"
	SheetOutliers    = "Outliers"
	SheetTrends      = "Trends"
	SheetInsights    = "Insights"
)

// ContentType is the MIME type of rendered reports.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// header fill colours per sheet
var headerColors = map[string]string{
	SheetRawData:     "4472C4",
	SheetSummary:     "70AD47",
	SheetQuality:     "FFC000",
	SheetCorrelation: "5B9BD5",
	SheetOutliers:    "C00000",
	SheetTrends:      "7030A0",
}

// ExcelRenderer writes analysis workbooks
type ExcelRenderer struct {
	logger *logging.Logger
}

// NewExcelRenderer creates a renderer
func NewExcelRenderer(logger *logging.Logger) *ExcelRenderer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ExcelRenderer{logger: logger.Named("report")}
}

// Filename returns the report file name for a job.
func Filename(jobID string, at time.Time) string {
	return fmt.Sprintf("analysis_%s_%s.xlsx", at.UTC().Format("20060102_150405"), jobID)
}

// Render builds the workbook and returns its bytes.
func (r *ExcelRenderer) Render(t *dataset.Table, res *analysis.Result) ([]byte, error) {
	if t == nil || res == nil {
		return nil, fmt.Errorf("render requires a table and an analysis result")
	}

	f := excelize.NewFile()
	defer f.Close()

	w := &workbook{file: f, styles: map[string]int{}}
	steps := []struct {
		name string
		fn   func() error
	}{
		{SheetRawData, func() error { return w.rawData(t) }},
		{SheetSummary, func() error { return w.summary(res.Descriptive) }},
		{SheetQuality, func() error { return w.quality(res.Quality) }},
		{SheetCorrelation, func() error { return w.correlations(res.Correlation) }},
		{SheetOutliers, func() error { return w.outliers(res.Outliers) }},
		{SheetTrends, func() error { return w.trends(res.Trends) }},
		{SheetInsights, func() error { return w.insights(res.Insights) }},
	}
	for _, step := range steps {
		if _, err := f.NewSheet(step.name); err != nil {
			return nil, fmt.Errorf("failed to create sheet %s: %w", step.name, err)
		}
		if err := step.fn(); err != nil {
			return nil, fmt.Errorf("failed to write sheet %s: %w", step.name, err)
		}
	}

	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to remove default sheet: %w", err)
	}
	if idx, err := f.GetSheetIndex(SheetRawData); err == nil && idx >= 0 {
		f.SetActiveSheet(idx)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to serialise workbook: %w", err)
	}

	r.logger.Debug("report rendered", "bytes", buf.Len(), "rows", t.NumRows(), "columns", t.NumCols())
	return buf.Bytes(), nil
}

type workbook struct {
	file   *excelize.File
	styles map[string]int
}

func (w *workbook) headerStyle(color string) (int, error) {
	if id, ok := w.styles[color]; ok {
		return id, nil
	}
	id, err := w.file.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return 0, err
	}
	w.styles[color] = id
	return id, nil
}

func (w *workbook) titleStyle() (int, error) {
	if id, ok := w.styles["title"]; ok {
		return id, nil
	}
	id, err := w.file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}})
	if err != nil {
		return 0, err
	}
	w.styles["title"] = id
	return id, nil
}

// writeRow writes values starting at column A of the given 1-based row.
func (w *workbook) writeRow(sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return w.file.SetSheetRow(sheet, cell, &values)
}

// writeHeader writes a styled header row.
func (w *workbook) writeHeader(sheet string, row int, names ...string) error {
	values := make([]interface{}, len(names))
	for i, n := range names {
		values[i] = n
	}
	if err := w.writeRow(sheet, row, values); err != nil {
		return err
	}
	style, err := w.headerStyle(headerColors[sheet])
	if err != nil {
		return err
	}
	first, _ := excelize.CoordinatesToCellName(1, row)
	last, _ := excelize.CoordinatesToCellName(len(names), row)
	return w.file.SetCellStyle(sheet, first, last, style)
}

func (w *workbook) title(sheet, cell, text string) error {
	if err := w.file.SetCellValue(sheet, cell, text); err != nil {
		return err
	}
	style, err := w.titleStyle()
	if err != nil {
		return err
	}
	return w.file.SetCellStyle(sheet, cell, cell, style)
}

func (w *workbook) widths(sheet string, cols int, width float64) error {
	if cols < 1 {
		return nil
	}
	last, err := excelize.ColumnNumberToName(cols)
	if err != nil {
		return err
	}
	return w.file.SetColWidth(sheet, "A", last, width)
}

// sectionMessage writes a note or error into A1. It reports whether the
// section had no value to render.
func sectionMessage[T any](w *workbook, sheet string, s analysis.Section[T]) (bool, error) {
	switch s.Kind() {
	case analysis.SectionNote:
		return true, w.file.SetCellValue(sheet, "A1", s.Message())
	case analysis.SectionError:
		return true, w.file.SetCellValue(sheet, "A1", "Error: "+s.Message())
	}
	return false, nil
}

// number converts undefined statistics to empty cells.
func number(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return v
}

// stat leaves undefined statistics blank
func stat(v analysis.Float) interface{} {
	return number(float64(v))
}

func (w *workbook) rawData(t *dataset.Table) error {
	sheet := SheetRawData
	if err := w.writeHeader(sheet, 1, t.Headers...); err != nil {
		return err
	}
	for r, row := range t.Rows {
		values := make([]interface{}, len(row))
		for c, cell := range row {
			switch {
			case cell.Numeric:
				values[c] = cell.Number
			case cell.IsEmpty():
				values[c] = nil
			default:
				values[c] = cell.Text
			}
		}
		if err := w.writeRow(sheet, r+2, values); err != nil {
			return err
		}
	}
	if err := w.widths(sheet, t.NumCols(), 18); err != nil {
		return err
	}

	last, err := excelize.CoordinatesToCellName(t.NumCols(), t.NumRows()+1)
	if err != nil {
		return err
	}
	if err := w.file.AutoFilter(sheet, "A1:"+last, []excelize.AutoFilterOptions{}); err != nil {
		return err
	}
	return w.file.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func (w *workbook) summary(s analysis.Section[[]analysis.ColumnStats]) error {
	sheet := SheetSummary
	if done, err := sectionMessage(w, sheet, s); done || err != nil {
		return err
	}
	stats, _ := s.Value()

	if err := w.writeHeader(sheet, 1, "Column", "Count", "Mean", "Median", "Std", "Min", "Max", "Q25", "Q75", "Skewness", "Kurtosis"); err != nil {
		return err
	}
	for i, st := range stats {
		if err := w.writeRow(sheet, i+2, []interface{}{
			st.Column, st.Count, stat(st.Mean), stat(st.Median), stat(st.Std), stat(st.Min), stat(st.Max),
			stat(st.Q25), stat(st.Q75), stat(st.Skewness), stat(st.Kurtosis),
		}); err != nil {
			return err
		}
	}
	return w.widths(sheet, 11, 14)
}

func (w *workbook) quality(s analysis.Section[analysis.Quality]) error {
	sheet := SheetQuality
	if done, err := sectionMessage(w, sheet, s); done || err != nil {
		return err
	}
	q, _ := s.Value()

	if err := w.title(sheet, "A1", "Missing Values"); err != nil {
		return err
	}
	if err := w.writeHeader(sheet, 2, "Column", "Missing Count", "Missing %"); err != nil {
		return err
	}
	row := 3
	for _, m := range q.Missing {
		if err := w.writeRow(sheet, row, []interface{}{m.Column, m.Count, m.Percentage}); err != nil {
			return err
		}
		row++
	}

	row++
	cell, _ := excelize.CoordinatesToCellName(1, row)
	if err := w.title(sheet, cell, "Summary"); err != nil {
		return err
	}
	summary := [][]interface{}{
		{"Missing cells", q.MissingCells},
		{"Missing %", q.MissingPercentage},
		{"Duplicate rows", q.DuplicateRows},
		{"Duplicate %", q.DuplicatePercentage},
		{"Numeric columns", q.DataTypes.Numeric},
		{"Categorical columns", q.DataTypes.Categorical},
		{"Datetime columns", q.DataTypes.Datetime},
	}
	for _, values := range summary {
		row++
		if err := w.writeRow(sheet, row, values); err != nil {
			return err
		}
	}
	return w.widths(sheet, 3, 20)
}

func (w *workbook) correlations(s analysis.Section[analysis.Correlations]) error {
	sheet := SheetCorrelation
	if done, err := sectionMessage(w, sheet, s); done || err != nil {
		return err
	}
	c, _ := s.Value()

	if err := w.title(sheet, "A1", "Strong Correlations (|r| > 0.7)"); err != nil {
		return err
	}
	if err := w.writeHeader(sheet, 2, "Column Pair", "Correlation"); err != nil {
		return err
	}
	row := 3
	if len(c.Strong) == 0 {
		if err := w.writeRow(sheet, row, []interface{}{"None"}); err != nil {
			return err
		}
		row++
	}
	for _, sc := range c.Strong {
		if err := w.writeRow(sheet, row, []interface{}{sc.Pair, sc.Value}); err != nil {
			return err
		}
		row++
	}

	row++
	cell, _ := excelize.CoordinatesToCellName(1, row)
	if err := w.title(sheet, cell, "Correlation Matrix"); err != nil {
		return err
	}
	row++
	if err := w.writeHeader(sheet, row, append([]string{""}, c.Columns...)...); err != nil {
		return err
	}
	for i, name := range c.Columns {
		values := make([]interface{}, 0, len(c.Columns)+1)
		values = append(values, name)
		for _, v := range c.Matrix[i] {
			values = append(values, v)
		}
		if err := w.writeRow(sheet, row+1+i, values); err != nil {
			return err
		}
	}
	return w.widths(sheet, len(c.Columns)+1, 18)
}

func (w *workbook) outliers(s analysis.Section[[]analysis.ColumnOutliers]) error {
	sheet := SheetOutliers
	if done, err := sectionMessage(w, sheet, s); done || err != nil {
		return err
	}
	out, _ := s.Value()

	if err := w.writeHeader(sheet, 1, "Column", "Count", "Percentage", "Lower Bound", "Upper Bound", "Values"); err != nil {
		return err
	}
	for i, o := range out {
		if err := w.writeRow(sheet, i+2, []interface{}{
			o.Column, o.Count, o.Percentage, stat(o.Lower), stat(o.Upper), joinNumbers(o.Values),
		}); err != nil {
			return err
		}
	}
	return w.widths(sheet, 6, 16)
}

func (w *workbook) trends(s analysis.Section[[]analysis.Trend]) error {
	sheet := SheetTrends
	if done, err := sectionMessage(w, sheet, s); done || err != nil {
		return err
	}
	trends, _ := s.Value()

	if err := w.writeHeader(sheet, 1, "Column", "Trend", "Change %", "First Half Avg", "Second Half Avg"); err != nil {
		return err
	}
	for i, tr := range trends {
		if err := w.writeRow(sheet, i+2, []interface{}{
			tr.Column, tr.Direction, tr.ChangePercentage, stat(tr.FirstHalfAvg), stat(tr.SecondHalfAvg),
		}); err != nil {
			return err
		}
	}
	return w.widths(sheet, 5, 18)
}

func (w *workbook) insights(s analysis.Section[[]analysis.Insight]) error {
	sheet := SheetInsights
	if done, err := sectionMessage(w, sheet, s); done || err != nil {
		return err
	}
	insights, _ := s.Value()

	if err := w.title(sheet, "A1", "Key Insights"); err != nil {
		return err
	}
	for i, in := range insights {
		if err := w.writeRow(sheet, i+3, []interface{}{fmt.Sprintf("%d. %s", i+1, in.Text), string(in.Severity)}); err != nil {
			return err
		}
	}
	if err := w.file.SetColWidth(sheet, "A", "A", 100); err != nil {
		return err
	}
	return w.file.SetColWidth(sheet, "B", "B", 12)
}

func joinNumbers(values []float64) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%g", v)
	}
	return out
}
