package analysis

import (
	"math"

	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
)

const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
)

// Trend compares the mean of a column's first and second half.
type Trend struct {
	Column           string  `json:"column"`
	Direction        string  `json:"trend"`
	ChangePercentage float64 `json:"change_percentage"`
	FirstHalfAvg     Float   `json:"first_half_avg"`
	SecondHalfAvg    Float   `json:"second_half_avg"`
}

func trends(t *dataset.Table) Section[[]Trend] {
	cols := t.NumericColumns()
	if len(cols) == 0 {
		return Note[[]Trend]("No trends detected")
	}

	out := make([]Trend, 0, len(cols))
	for _, col := range cols {
		out = append(out, trendOf(t, col))
	}
	return OK(out)
}

// trendOf splits rows at len/2 by position. Half means skip missing values
// and are NaN for a half with none.
func trendOf(t *dataset.Table, col int) Trend {
	mid := t.NumRows() / 2
	first := halfMean(t, col, 0, mid)
	second := halfMean(t, col, mid, t.NumRows())

	change := second - first
	pct := 0.0
	if first != 0 && !math.IsNaN(first) {
		pct = finiteOr(change/first*100, 0)
	}

	// Only a strictly positive change counts as increasing; zero and
	// undefined changes are reported as decreasing.
	direction := TrendDecreasing
	if change > 0 {
		direction = TrendIncreasing
	}

	return Trend{
		Column:           t.Headers[col],
		Direction:        direction,
		ChangePercentage: pct,
		FirstHalfAvg:     Float(first),
		SecondHalfAvg:    Float(second),
	}
}

func halfMean(t *dataset.Table, col, from, to int) float64 {
	sum, n := 0.0, 0
	for _, row := range t.Rows[from:to] {
		if row[col].Numeric {
			sum += row[col].Number
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}
