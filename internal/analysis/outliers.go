package analysis

import "github.com/adverant/nexus/tableanalyst-worker/internal/dataset"

// IQRMultiplier scales the interquartile range into outlier fences.
const IQRMultiplier = 1.5

// ColumnOutliers lists values outside a column's IQR fences.
type ColumnOutliers struct {
	Column     string    `json:"column"`
	Count      int       `json:"count"`
	Percentage float64   `json:"percentage"`
	Values     []float64 `json:"values"`
	Q1         Float     `json:"q1"`
	Q3         Float     `json:"q3"`
	IQR        Float     `json:"iqr"`
	Lower      Float     `json:"lower_bound"`
	Upper      Float     `json:"upper_bound"`
}

func outliers(t *dataset.Table) Section[[]ColumnOutliers] {
	var out []ColumnOutliers
	for _, col := range t.NumericColumns() {
		values, _ := t.Floats(col)
		if len(values) == 0 {
			continue
		}
		o := fences(values)
		lower, upper := float64(o.Lower), float64(o.Upper)
		for _, v := range values {
			if v < lower || v > upper {
				o.Values = append(o.Values, v)
			}
		}
		if len(o.Values) == 0 {
			continue
		}
		o.Column = t.Headers[col]
		o.Count = len(o.Values)
		o.Percentage = percentOf(o.Count, t.NumRows())
		out = append(out, o)
	}

	if len(out) == 0 {
		return Note[[]ColumnOutliers]("No outliers detected")
	}
	return OK(out)
}

func fences(values []float64) ColumnOutliers {
	sorted := sortedCopy(values)
	q1 := percentile(sorted, 0.25)
	q3 := percentile(sorted, 0.75)
	iqr := q3 - q1
	return ColumnOutliers{
		Q1:    Float(q1),
		Q3:    Float(q3),
		IQR:   Float(iqr),
		Lower: Float(q1 - IQRMultiplier*iqr),
		Upper: Float(q3 + IQRMultiplier*iqr),
	}
}
