package analysis

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
	"github.com/adverant/nexus/tableanalyst-worker/internal/logging"
)

func newEngine() *Engine {
	return NewEngine(NewComposer(DefaultRules(), logging.Nop()), logging.Nop())
}

func column(name string, values ...string) ([]string, [][]string) {
	rows := make([][]string, len(values))
	for i, v := range values {
		rows[i] = []string{v}
	}
	return []string{name}, rows
}

func TestAnalyzeEmptyTable(t *testing.T) {
	e := newEngine()

	_, err := e.Analyze(dataset.New([]string{"A"}, nil))
	assert.ErrorIs(t, err, ErrNoData)

	_, err = e.Analyze(nil)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestOutliersFlagOnlyExtremeValue(t *testing.T) {
	res, err := newEngine().Analyze(dataset.New(column("Load", "1", "2", "3", "4", "100")))
	require.NoError(t, err)

	out, ok := res.Outliers.Value()
	require.True(t, ok)
	require.Len(t, out, 1)
	assert.Equal(t, []float64{100}, out[0].Values)
	assert.Equal(t, 1, out[0].Count)
	assert.InDelta(t, 20.0, out[0].Percentage, 1e-9)
	assert.Equal(t, Float(2), out[0].Q1)
	assert.Equal(t, Float(4), out[0].Q3)
	assert.Equal(t, Float(-1), out[0].Lower)
	assert.Equal(t, Float(7), out[0].Upper)
}

func TestOutlierBoundsProperty(t *testing.T) {
	tbl := dataset.New([]string{"A", "B"}, [][]string{
		{"10", "-50"}, {"12", "1"}, {"11", "2"}, {"13", "3"}, {"90", "2"}, {"9", "4"}, {"", "80"},
	})
	res, err := newEngine().Analyze(tbl)
	require.NoError(t, err)

	out, ok := res.Outliers.Value()
	require.True(t, ok)
	for _, o := range out {
		lower, upper := float64(o.Lower), float64(o.Upper)
		assert.InDelta(t, float64(o.Q1-1.5*o.IQR), lower, 1e-9)
		assert.InDelta(t, float64(o.Q3+1.5*o.IQR), upper, 1e-9)
		for _, v := range o.Values {
			assert.True(t, v < lower || v > upper, "%v inside [%v, %v]", v, lower, upper)
		}
	}
}

func TestNoOutliersNote(t *testing.T) {
	res, err := newEngine().Analyze(dataset.New(column("A", "1", "2", "3")))
	require.NoError(t, err)

	assert.Equal(t, SectionNote, res.Outliers.Kind())
	assert.Equal(t, "No outliers detected", res.Outliers.Message())
}

func TestDescriptiveStats(t *testing.T) {
	res, err := newEngine().Analyze(dataset.New(column("A", "1", "2", "", "3", "4")))
	require.NoError(t, err)

	stats, ok := res.Descriptive.Value()
	require.True(t, ok)
	require.Len(t, stats, 1)
	s := stats[0]
	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 2.5, float64(s.Mean), 1e-9)
	assert.InDelta(t, 2.5, float64(s.Median), 1e-9)
	assert.InDelta(t, math.Sqrt(1.25), float64(s.Std), 1e-9)
	assert.Equal(t, Float(1), s.Min)
	assert.Equal(t, Float(4), s.Max)
	assert.InDelta(t, 1.75, float64(s.Q25), 1e-9)
	assert.InDelta(t, 3.25, float64(s.Q75), 1e-9)
	assert.InDelta(t, 0, float64(s.Skewness), 1e-9)
	assert.True(t, s.Kurtosis.Defined())
}

func TestDescriptiveSingleValueLeavesMomentsUndefined(t *testing.T) {
	res, err := newEngine().Analyze(dataset.New(column("A", "7")))
	require.NoError(t, err)

	stats, ok := res.Descriptive.Value()
	require.True(t, ok)
	assert.Equal(t, Float(7), stats[0].Mean)
	assert.Equal(t, Float(0), stats[0].Std)
	assert.False(t, stats[0].Skewness.Defined())
	assert.False(t, stats[0].Kurtosis.Defined())

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"skewness":null`)
}

func TestExtremeValuesStayEncodable(t *testing.T) {
	res, err := newEngine().Analyze(dataset.New(column("V", "-1.7e308", "1.7e308")))
	require.NoError(t, err)

	stats, ok := res.Descriptive.Value()
	require.True(t, ok)
	assert.True(t, stats[0].Q25.Defined(), "q25 = %v", float64(stats[0].Q25))
	assert.True(t, stats[0].Q75.Defined(), "q75 = %v", float64(stats[0].Q75))
	assert.InDelta(t, -0.85e308, float64(stats[0].Q25), 1e293)

	data, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotContains(t, string(decoded["descriptive_stats"]), `"error"`)
}

func TestOverflowedMomentsAreUndefined(t *testing.T) {
	res, err := newEngine().Analyze(dataset.New(column("V", "-1.7e308", "1.7e308", "1", "2")))
	require.NoError(t, err)

	stats, ok := res.Descriptive.Value()
	require.True(t, ok)
	s := stats[0]
	assert.False(t, s.Std.Defined())
	assert.False(t, s.Skewness.Defined())
	assert.False(t, s.Kurtosis.Defined())

	_, err = json.Marshal(res)
	assert.NoError(t, err)
}

func TestUnencodableSectionStaysContained(t *testing.T) {
	r := Result{
		Overview:    OK(Overview{}),
		Correlation: OK(Correlations{Columns: []string{"A"}, Matrix: [][]float64{{math.Inf(1)}}}),
	}
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded["correlations"]["error"], "unencodable result")
	assert.NotContains(t, decoded["overview"], "error")
}

func TestTextOnlyTableNotes(t *testing.T) {
	res, err := newEngine().Analyze(dataset.New(column("Name", "a", "b")))
	require.NoError(t, err)

	assert.Equal(t, "no numeric columns", res.Descriptive.Message())
	assert.Equal(t, "not enough numeric columns for correlation", res.Correlation.Message())
	assert.Equal(t, "No trends detected", res.Trends.Message())
	assert.Equal(t, SectionNote, res.Outliers.Kind())

	insights := res.InsightList()
	require.Len(t, insights, 1)
	assert.Equal(t, CleanDataInsight, insights[0].Text)
}

func TestCorrelationMatrix(t *testing.T) {
	tbl := dataset.New([]string{"A", "B", "C", "Flat"}, [][]string{
		{"1", "2", "5", "3"},
		{"2", "4", "1", "3"},
		{"3", "6", "4", "3"},
		{"4", "8", "2", "3"},
		{"5", "", "3", "3"},
	})
	res, err := newEngine().Analyze(tbl)
	require.NoError(t, err)

	c, ok := res.Correlation.Value()
	require.True(t, ok)
	require.Len(t, c.Matrix, 4)
	for i := range c.Matrix {
		for j := range c.Matrix {
			assert.Equal(t, c.Matrix[i][j], c.Matrix[j][i])
		}
	}
	assert.Equal(t, 1.0, c.Matrix[0][0])
	assert.Equal(t, 1.0, c.Matrix[2][2])
	assert.Equal(t, 0.0, c.Matrix[3][3])
	assert.Equal(t, 0.0, c.Matrix[0][3])
	assert.InDelta(t, 1.0, c.Matrix[0][1], 1e-9)

	require.NotEmpty(t, c.Strong)
	assert.Equal(t, "A <-> B", c.Strong[0].Pair)
	for _, s := range c.Strong {
		assert.Greater(t, math.Abs(s.Value), StrongCorrelationThreshold)
	}
}

func TestTrends(t *testing.T) {
	tbl := dataset.New([]string{"Zero", "Flat", "Up", "Label"}, [][]string{
		{"0", "3", "10", "a"},
		{"0", "3", "10", "b"},
		{"5", "3", "15", "c"},
		{"5", "3", "", "d"},
		{"6", "3", "20", "e"},
	})
	res, err := newEngine().Analyze(tbl)
	require.NoError(t, err)

	tr, ok := res.Trends.Value()
	require.True(t, ok)
	require.Len(t, tr, len(tbl.NumericColumns()))

	assert.Equal(t, "Zero", tr[0].Column)
	assert.Equal(t, 0.0, tr[0].ChangePercentage)
	assert.Equal(t, TrendIncreasing, tr[0].Direction)

	assert.Equal(t, "Flat", tr[1].Column)
	assert.Equal(t, TrendDecreasing, tr[1].Direction)
	assert.Equal(t, 0.0, tr[1].ChangePercentage)

	// mid = 2: first half {10, 10}, second half {15, 20}
	assert.InDelta(t, 75.0, tr[2].ChangePercentage, 1e-9)
	assert.InDelta(t, 17.5, float64(tr[2].SecondHalfAvg), 1e-9)
}

func TestTrendWithEmptyFirstHalf(t *testing.T) {
	res, err := newEngine().Analyze(dataset.New(column("A", "4")))
	require.NoError(t, err)

	tr, ok := res.Trends.Value()
	require.True(t, ok)
	assert.False(t, tr[0].FirstHalfAvg.Defined())
	assert.Equal(t, 0.0, tr[0].ChangePercentage)
	assert.Equal(t, TrendDecreasing, tr[0].Direction)

	raw, err := json.Marshal(tr[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"first_half_avg":null`)
}

func TestQuality(t *testing.T) {
	tbl := dataset.New([]string{"Date", "Region", "Units"}, [][]string{
		{"2024-01-01", "North", "5"},
		{"2024-01-01", "North", "5"},
		{"2024-01-02", "", "7"},
		{"2024-01-03", "South", ""},
	})
	res, err := newEngine().Analyze(tbl)
	require.NoError(t, err)

	q, ok := res.Quality.Value()
	require.True(t, ok)
	assert.Equal(t, 1, q.DuplicateRows)
	assert.InDelta(t, 25.0, q.DuplicatePercentage, 1e-9)
	assert.Equal(t, 2, q.MissingCells)
	assert.Equal(t, 12, q.TotalCells)
	assert.Equal(t, MissingStat{Column: "Region", Count: 1, Percentage: 25}, q.Missing[1])
	assert.Equal(t, TypeBreakdown{Numeric: 1, Categorical: 1, Datetime: 1}, q.DataTypes)

	ov, ok := res.Overview.Value()
	require.True(t, ok)
	assert.Equal(t, 4, ov.TotalRows)
	assert.Equal(t, 3, ov.TotalColumns)
	assert.Equal(t, dataset.KindDatetime, ov.ColumnTypes[0].Type)
	assert.Greater(t, ov.MemoryUsageMB, 0.0)
}

func TestGuardContainsPanics(t *testing.T) {
	s := guard(newEngine(), "broken", func() Section[int] {
		var rows [][]float64
		_ = rows[3][0]
		return OK(1)
	})

	assert.Equal(t, SectionError, s.Kind())
	assert.Contains(t, s.Message(), "index out of range")
}

func TestSectionJSON(t *testing.T) {
	tests := []struct {
		name string
		sec  Section[[]int]
		want string
	}{
		{"ok", OK([]int{1, 2}), `[1,2]`},
		{"note", Note[[]int]("nothing here"), `{"note":"nothing here"}`},
		{"error", Error[[]int]("boom"), `{"error":"boom"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.sec)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw))
		})
	}
}

func TestResultJSONSectionNames(t *testing.T) {
	res, err := newEngine().Analyze(dataset.New(column("Name", "a")))
	require.NoError(t, err)

	raw, err := json.Marshal(res)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, key := range []string{"overview", "descriptive_stats", "data_quality", "correlations", "outliers", "trends", "insights"} {
		assert.Contains(t, doc, key)
	}
	assert.JSONEq(t, `{"note":"no numeric columns"}`, string(doc["descriptive_stats"]))
}
