package analysis

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
)

// StrongCorrelationThreshold is the |r| above which a pair is reported as strong.
const StrongCorrelationThreshold = 0.7

// Correlations holds the Pearson matrix over numeric columns.
type Correlations struct {
	Columns []string            `json:"columns"`
	Matrix  [][]float64         `json:"correlation_matrix"`
	Strong  []StrongCorrelation `json:"strong_correlations"`
}

// StrongCorrelation is one column pair with |r| above the threshold.
type StrongCorrelation struct {
	Pair  string  `json:"pair"`
	Value float64 `json:"value"`
}

func correlations(t *dataset.Table) Section[Correlations] {
	cols := t.NumericColumns()
	if len(cols) < 2 {
		return Note[Correlations]("not enough numeric columns for correlation")
	}

	c := Correlations{
		Columns: make([]string, len(cols)),
		Matrix:  make([][]float64, len(cols)),
		Strong:  []StrongCorrelation{},
	}
	for i, col := range cols {
		c.Columns[i] = t.Headers[col]
		c.Matrix[i] = make([]float64, len(cols))
	}

	for i := range cols {
		c.Matrix[i][i] = selfCorrelation(t, cols[i])
		for j := i + 1; j < len(cols); j++ {
			r := pearson(t, cols[i], cols[j])
			c.Matrix[i][j] = r
			c.Matrix[j][i] = r
			if math.Abs(r) > StrongCorrelationThreshold {
				c.Strong = append(c.Strong, StrongCorrelation{
					Pair:  fmt.Sprintf("%s <-> %s", c.Columns[i], c.Columns[j]),
					Value: r,
				})
			}
		}
	}

	return OK(c)
}

// pearson correlates two columns over rows where both are present.
// Undefined coefficients (fewer than two pairs, zero variance) are 0.
func pearson(t *dataset.Table, a, b int) float64 {
	var xs, ys []float64
	for _, row := range t.Rows {
		if row[a].Numeric && row[b].Numeric {
			xs = append(xs, row[a].Number)
			ys = append(ys, row[b].Number)
		}
	}
	if len(xs) < 2 {
		return 0
	}
	return finiteOr(stat.Correlation(xs, ys, nil), 0)
}

// selfCorrelation is 1 for a column with any variance and 0 (undefined) otherwise.
func selfCorrelation(t *dataset.Table, col int) float64 {
	values, _ := t.Floats(col)
	for _, v := range values[min(1, len(values)):] {
		if v != values[0] {
			return 1
		}
	}
	return 0
}
