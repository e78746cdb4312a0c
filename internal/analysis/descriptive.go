package analysis

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
)

// ColumnStats are descriptive statistics over a numeric column's non-missing values.
// Statistics that are undefined for the sample encode as null.
type ColumnStats struct {
	Column   string `json:"column"`
	Count    int    `json:"count"`
	Mean     Float  `json:"mean"`
	Median   Float  `json:"median"`
	Std      Float  `json:"std"`
	Min      Float  `json:"min"`
	Max      Float  `json:"max"`
	Q25      Float  `json:"q25"`
	Q75      Float  `json:"q75"`
	Skewness Float  `json:"skewness"`
	Kurtosis Float  `json:"kurtosis"`
}

func descriptive(t *dataset.Table) Section[[]ColumnStats] {
	cols := t.NumericColumns()
	if len(cols) == 0 {
		return Note[[]ColumnStats]("no numeric columns")
	}

	out := make([]ColumnStats, 0, len(cols))
	for _, col := range cols {
		values, _ := t.Floats(col)
		out = append(out, describe(t.Headers[col], values))
	}
	return OK(out)
}

// describe computes column statistics. Skewness needs three values and a
// non-zero finite spread, kurtosis four. Otherwise they stay undefined, as
// does anything that overflows.
func describe(name string, values []float64) ColumnStats {
	nan := Float(math.NaN())
	s := ColumnStats{
		Column: name, Count: len(values),
		Mean: nan, Median: nan, Std: nan, Min: nan, Max: nan,
		Q25: nan, Q75: nan, Skewness: nan, Kurtosis: nan,
	}
	if len(values) == 0 {
		return s
	}

	sorted := sortedCopy(values)
	mean, std := stat.PopMeanStdDev(values, nil)

	s.Mean = Float(mean)
	s.Std = Float(std)
	s.Median = Float(percentile(sorted, 0.5))
	s.Min = Float(sorted[0])
	s.Max = Float(sorted[len(sorted)-1])
	s.Q25 = Float(percentile(sorted, 0.25))
	s.Q75 = Float(percentile(sorted, 0.75))

	if !s.Mean.Defined() || !s.Std.Defined() || std == 0 {
		return s
	}
	if len(values) > 2 {
		s.Skewness = Float(stat.Skew(values, nil))
	}
	if len(values) > 3 {
		s.Kurtosis = Float(stat.ExKurtosis(values, nil))
	}
	return s
}
