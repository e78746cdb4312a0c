package analysis

import "github.com/adverant/nexus/tableanalyst-worker/internal/dataset"

// Quality holds missing-value and duplicate metrics.
type Quality struct {
	Missing             []MissingStat `json:"missing_values"`
	MissingCells        int           `json:"missing_cells"`
	TotalCells          int           `json:"total_cells"`
	MissingPercentage   float64       `json:"missing_percentage"`
	DuplicateRows       int           `json:"duplicate_rows"`
	DuplicatePercentage float64       `json:"duplicate_percentage"`
	DataTypes           TypeBreakdown `json:"data_types"`
}

// MissingStat is one column's missing-value count.
type MissingStat struct {
	Column     string  `json:"column"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// TypeBreakdown counts columns per inferred type.
type TypeBreakdown struct {
	Numeric     int `json:"numeric"`
	Categorical int `json:"categorical"`
	Datetime    int `json:"datetime"`
}

func quality(t *dataset.Table) Section[Quality] {
	rows := t.NumRows()
	q := Quality{
		Missing:    make([]MissingStat, t.NumCols()),
		TotalCells: rows * t.NumCols(),
	}

	for col, name := range t.Headers {
		n := t.MissingCount(col)
		q.Missing[col] = MissingStat{Column: name, Count: n, Percentage: percentOf(n, rows)}
		q.MissingCells += n
	}
	q.MissingPercentage = percentOf(q.MissingCells, q.TotalCells)

	q.DuplicateRows = t.DuplicateRows()
	q.DuplicatePercentage = percentOf(q.DuplicateRows, rows)

	for _, k := range t.Kinds() {
		switch k {
		case dataset.KindNumeric:
			q.DataTypes.Numeric++
		case dataset.KindDatetime:
			q.DataTypes.Datetime++
		default:
			q.DataTypes.Categorical++
		}
	}

	return OK(q)
}
