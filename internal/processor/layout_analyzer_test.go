package processor

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
	"github.com/adverant/nexus/tableanalyst-worker/internal/logging"
)

// det places a 10x10 box centered on (x, y).
func det(text string, x, y float64) Detection {
	return Detection{
		Text:       text,
		Confidence: 0.9,
		Box:        BoundingBox{X: int(x) - 5, Y: int(y) - 5, Width: 10, Height: 10}.Quad(),
	}
}

func newAnalyzer() *LayoutAnalyzer {
	return NewLayoutAnalyzer(20, logging.Nop())
}

func TestGeometryOfRotatedBox(t *testing.T) {
	g := GeometryOf(Quad{{10, 0}, {20, 10}, {10, 20}, {0, 10}})

	assert.Equal(t, 10.0, g.XCenter)
	assert.Equal(t, 10.0, g.YCenter)
	assert.Equal(t, 0.0, g.XMin)
	assert.Equal(t, 20.0, g.XMax)
	assert.Equal(t, 0.0, g.YMin)
	assert.Equal(t, 20.0, g.YMax)
}

func TestAssembleTwoRowTable(t *testing.T) {
	a := newAnalyzer().Assemble([]Detection{
		det("Alice", 10, 40),
		det("Amount", 100, 5),
		det("120", 100, 40),
		det("Name", 10, 5),
	})

	require.Equal(t, AssemblyStructured, a.Kind)
	assert.Equal(t, 0, a.HeaderRow)
	assert.Equal(t, 2, a.RowCount)
	assert.Equal(t, []string{"Name", "Amount"}, a.Table.Headers)
	require.Len(t, a.Table.Rows, 1)
	assert.Equal(t, "Alice", a.Table.Rows[0][0].Text)
	assert.True(t, a.Table.Rows[0][1].Numeric)
	assert.Equal(t, 120.0, a.Table.Rows[0][1].Number)
	assert.Equal(t, []dataset.ColumnType{dataset.TypeText, dataset.TypeNumeric}, a.Table.Types)
}

func TestAssembleSingleDetection(t *testing.T) {
	a := newAnalyzer().Assemble([]Detection{det("lonely", 50, 50)})

	require.Equal(t, AssemblyFallback, a.Kind)
	assert.Equal(t, []string{"Column_1"}, a.Table.Headers)
	require.Len(t, a.Table.Rows, 1)
	assert.Equal(t, "lonely", a.Table.Rows[0][0].Text)
}

func TestAssembleEmpty(t *testing.T) {
	a := newAnalyzer().Assemble(nil)

	assert.Equal(t, AssemblyEmpty, a.Kind)
	assert.Nil(t, a.Table)
	assert.Equal(t, -1, a.HeaderRow)
}

func TestAssembleFallbackWhenHeaderIsLastRow(t *testing.T) {
	a := newAnalyzer().Assemble([]Detection{
		det("Quarterly", 10, 5),
		det("3", 10, 50),
		det("4", 100, 50),
	})

	require.Equal(t, AssemblyFallback, a.Kind)
	assert.Equal(t, []string{"Column_1"}, a.Table.Headers)
	assert.Equal(t, [][]string{{"Quarterly"}, {"3"}, {"4"}}, a.Table.TextRows())
	assert.Equal(t, dataset.TypeText, a.Table.Types[0])
}

func TestAssembleDropsCaptionAboveHeader(t *testing.T) {
	a := newAnalyzer().Assemble([]Detection{
		det("Sales Report", 50, 0),
		det("Month", 10, 40),
		det("Sales", 100, 40),
		det("Cost", 200, 40),
		det("Jan", 12, 80),
		det("500", 98, 80),
		det("300", 205, 80),
		det("Feb", 9, 120),
		det("650", 101, 120),
	})

	require.Equal(t, AssemblyStructured, a.Kind)
	assert.Equal(t, 1, a.HeaderRow)
	assert.Equal(t, []string{"Month", "Sales", "Cost"}, a.Table.Headers)
	assert.Equal(t, [][]string{{"Jan", "500", "300"}, {"Feb", "650", ""}}, a.Table.TextRows())
	assert.True(t, a.Table.Rows[1][2].IsEmpty())
}

func TestAssembleJoinsSplitCells(t *testing.T) {
	a := newAnalyzer().Assemble([]Detection{
		det("City", 10, 5),
		det("Count", 200, 5),
		det("York", 40, 40),
		det("New", 10, 40),
		det("7", 200, 40),
	})

	require.Equal(t, AssemblyStructured, a.Kind)
	assert.Equal(t, "New York", a.Table.Rows[0][0].Text)
}

func TestAssembleBlankHeaderGetsPlaceholder(t *testing.T) {
	a := newAnalyzer().Assemble([]Detection{
		det("", 10, 5),
		det("Total", 100, 5),
		det("x", 10, 40),
		det("9", 100, 40),
	})

	require.Equal(t, AssemblyStructured, a.Kind)
	assert.Equal(t, []string{"Column_1", "Total"}, a.Table.Headers)
}

func TestClusterRowsUsesFirstMemberAsAnchor(t *testing.T) {
	idx := NewGeometryIndex([]Detection{det("a", 0, 0), det("b", 10, 19), det("c", 20, 25)})

	rows := ClusterRows(idx, 20)

	require.Len(t, rows, 2)
	assert.Equal(t, []string{"a", "b"}, rows[0].Texts())
	assert.Equal(t, []string{"c"}, rows[1].Texts())
}

func TestClusterRowsThresholdIsStrict(t *testing.T) {
	idx := NewGeometryIndex([]Detection{det("a", 0, 0), det("b", 10, 20)})

	assert.Len(t, ClusterRows(idx, 20), 2)
	assert.Len(t, ClusterRows(idx, 21), 1)
}

func TestClusterRowsDefaultsNonPositiveThreshold(t *testing.T) {
	idx := NewGeometryIndex([]Detection{det("a", 0, 0), det("b", 10, 15)})

	assert.Len(t, ClusterRows(idx, 0), 1)
	assert.Len(t, ClusterRows(idx, -5), 1)
	assert.Empty(t, ClusterRows(NewGeometryIndex(nil), 20))
}

func TestHeaderRowIndexPrefersEarliestOnTie(t *testing.T) {
	rows := []Row{
		{Span{}},
		{Span{}, Span{}},
		{Span{}, Span{}},
	}
	assert.Equal(t, 1, HeaderRowIndex(rows))
	assert.Equal(t, -1, HeaderRowIndex(nil))
}

func TestAssignNearestAnchor(t *testing.T) {
	tmpl := ColumnTemplate{10, 100, 200}

	tests := []struct {
		x    float64
		want int
	}{
		{-50, 0},
		{54, 0},
		{55, 0}, // equidistant goes to the lower index
		{56, 1},
		{150, 1},
		{151, 2},
		{1000, 2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.x), func(t *testing.T) {
			assert.Equal(t, tt.want, tmpl.Assign(Span{Geometry: Geometry{XCenter: tt.x}}))
		})
	}
	assert.Equal(t, -1, ColumnTemplate{}.Assign(Span{}))
}

func TestBuildTemplateSortsAnchors(t *testing.T) {
	header := Row{
		{Geometry: Geometry{XCenter: 30}},
		{Geometry: Geometry{XCenter: 10}},
	}
	assert.Equal(t, ColumnTemplate{10, 30}, BuildTemplate(header))
}

func randomDetections(r *rand.Rand, n int) []Detection {
	out := make([]Detection, n)
	for i := range out {
		out[i] = det(fmt.Sprintf("w%d", i), float64(r.Intn(400)), float64(r.Intn(300)))
	}
	return out
}

func TestAssembleIsAlwaysRectangular(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	a := newAnalyzer()

	for trial := 0; trial < 200; trial++ {
		dets := randomDetections(r, 1+r.Intn(40))
		got := a.Assemble(dets)

		require.NotEqual(t, AssemblyEmpty, got.Kind)
		require.NotNil(t, got.Table)
		require.Len(t, got.Table.Types, len(got.Table.Headers))
		for _, row := range got.Table.Rows {
			require.Len(t, row, len(got.Table.Headers), "trial %d", trial)
		}
		require.NotZero(t, got.Table.NumRows())
	}
}

func rowSignature(rows []Row) []string {
	sigs := make([]string, len(rows))
	for i, r := range rows {
		texts := r.Texts()
		sort.Strings(texts)
		sigs[i] = strings.Join(texts, ",")
	}
	sort.Strings(sigs)
	return sigs
}

func TestClusterRowsIgnoresInputOrder(t *testing.T) {
	r := rand.New(rand.NewSource(11))

	for trial := 0; trial < 50; trial++ {
		dets := randomDetections(r, 30)
		want := rowSignature(ClusterRows(NewGeometryIndex(dets), 20))

		shuffled := make([]Detection, len(dets))
		copy(shuffled, dets)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		assert.Equal(t, want, rowSignature(ClusterRows(NewGeometryIndex(shuffled), 20)))
	}
}

func TestAssembleDoesNotMutateInput(t *testing.T) {
	dets := []Detection{det("Name", 10, 5), det("Alice", 10, 40)}
	before := make([]Detection, len(dets))
	copy(before, dets)

	newAnalyzer().Assemble(dets)

	assert.Equal(t, before, dets)
}
