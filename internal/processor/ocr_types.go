/**
 * OCR Types - Detection geometry shared by detectors and the table assembler
 *
 * A detection is one recognised text span with a quadrilateral box. Geometry
 * (centers and extents) is derived once by the GeometryIndex and never stored
 * on the detection itself.
 */

package processor

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Point is one corner of a detection box. JSON form is [x, y].
type Point struct {
	X float64
	Y float64
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("point must have 2 coordinates, got %d", len(pair))
		}
		p.X, p.Y = pair[0], pair[1]
		return nil
	}

	var obj struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("point must be [x, y] or {\"x\":..,\"y\":..}: %w", err)
	}
	p.X, p.Y = obj.X, obj.Y
	return nil
}

// Quad is four ordered corner points, not necessarily axis-aligned.
type Quad [4]Point

// BoundingBox represents an axis-aligned region in pixels
type BoundingBox struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Quad returns the box corners clockwise from top-left.
func (b BoundingBox) Quad() Quad {
	x0, y0 := float64(b.X), float64(b.Y)
	x1, y1 := float64(b.X+b.Width), float64(b.Y+b.Height)
	return Quad{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}}
}

// Detection represents one OCR hit
type Detection struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Box        Quad    `json:"box"`
}

// Geometry is derived from a detection's box
type Geometry struct {
	XCenter float64
	YCenter float64
	XMin    float64
	XMax    float64
	YMin    float64
	YMax    float64
}

// GeometryOf computes center and extents. The center is the mean of the corners.
func GeometryOf(q Quad) Geometry {
	g := Geometry{
		XMin: math.Inf(1), XMax: math.Inf(-1),
		YMin: math.Inf(1), YMax: math.Inf(-1),
	}
	for _, p := range q {
		g.XCenter += p.X
		g.YCenter += p.Y
		g.XMin = math.Min(g.XMin, p.X)
		g.XMax = math.Max(g.XMax, p.X)
		g.YMin = math.Min(g.YMin, p.Y)
		g.YMax = math.Max(g.YMax, p.Y)
	}
	g.XCenter /= float64(len(q))
	g.YCenter /= float64(len(q))
	return g
}

// Span pairs a detection with its derived geometry
type Span struct {
	Detection
	Geometry
	// Seq is the detection's position in the original input.
	Seq int
}

// GeometryIndex stores detections and their derived geometry
type GeometryIndex struct {
	spans []Span
}

// NewGeometryIndex derives geometry for every detection. The input slice is
// copied; detections are never modified.
func NewGeometryIndex(detections []Detection) *GeometryIndex {
	spans := make([]Span, len(detections))
	for i, d := range detections {
		spans[i] = Span{Detection: d, Geometry: GeometryOf(d.Box), Seq: i}
	}
	return &GeometryIndex{spans: spans}
}

// Len returns the number of indexed detections
func (g *GeometryIndex) Len() int {
	return len(g.spans)
}

// Spans returns a copy of the indexed spans in input order
func (g *GeometryIndex) Spans() []Span {
	out := make([]Span, len(g.spans))
	copy(out, g.spans)
	return out
}

// ByVerticalOrder returns spans sorted top to bottom. Ties fall back to
// horizontal position and then text so the order is independent of input order.
func (g *GeometryIndex) ByVerticalOrder() []Span {
	out := g.Spans()
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.YCenter != b.YCenter {
			return a.YCenter < b.YCenter
		}
		if a.XCenter != b.XCenter {
			return a.XCenter < b.XCenter
		}
		return a.Text < b.Text
	})
	return out
}

// MeanConfidence averages detection confidence, 0 for an empty set
func MeanConfidence(detections []Detection) float64 {
	if len(detections) == 0 {
		return 0
	}
	total := 0.0
	for _, d := range detections {
		total += d.Confidence
	}
	return total / float64(len(detections))
}
