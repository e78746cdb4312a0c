// Package analysis computes descriptive, quality and relationship statistics
// over a reconstructed table and composes them into findings.
package analysis

import (
	"errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
	"github.com/adverant/nexus/tableanalyst-worker/internal/logging"
)

// ErrNoData is returned for a table without rows or columns.
var ErrNoData = errors.New("no data")

// Result holds every analysis section for one table.
type Result struct {
	Overview    Section[Overview]         `json:"overview"`
	Descriptive Section[[]ColumnStats]    `json:"descriptive_stats"`
	Quality     Section[Quality]          `json:"data_quality"`
	Correlation Section[Correlations]     `json:"correlations"`
	Outliers    Section[[]ColumnOutliers] `json:"outliers"`
	Trends      Section[[]Trend]          `json:"trends"`
	Insights    Section[[]Insight]        `json:"insights"`
}

// InsightList returns the composed insights, or nil when that section failed.
func (r *Result) InsightList() []Insight {
	v, _ := r.Insights.Value()
	return v
}

// Engine runs the analysis sections. It holds no per-call state and is safe
// for concurrent use.
type Engine struct {
	composer *Composer
	logger   *logging.Logger
}

// NewEngine creates an engine that composes insights with composer.
func NewEngine(composer *Composer, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	if composer == nil {
		composer = NewComposer(DefaultRules(), logger)
	}
	return &Engine{composer: composer, logger: logger.Named("analysis")}
}

// Analyze computes every section. Each section is isolated: a failure in one
// is reported in that section and the others still run.
func (e *Engine) Analyze(t *dataset.Table) (*Result, error) {
	if t.IsEmpty() {
		return nil, ErrNoData
	}

	start := time.Now()
	res := &Result{
		Overview:    guard(e, "overview", func() Section[Overview] { return overview(t) }),
		Descriptive: guard(e, "descriptive_stats", func() Section[[]ColumnStats] { return descriptive(t) }),
		Quality:     guard(e, "data_quality", func() Section[Quality] { return quality(t) }),
		Correlation: guard(e, "correlations", func() Section[Correlations] { return correlations(t) }),
		Outliers:    guard(e, "outliers", func() Section[[]ColumnOutliers] { return outliers(t) }),
		Trends:      guard(e, "trends", func() Section[[]Trend] { return trends(t) }),
	}

	res.Insights = guard(e, "insights", func() Section[[]Insight] {
		tr, _ := res.Trends.Value()
		stats, _ := res.Descriptive.Value()
		var q *Quality
		if v, ok := res.Quality.Value(); ok {
			q = &v
		}
		return OK(e.composer.Compose(tr, stats, q, t.Headers))
	})

	e.logger.Info("analysis complete",
		"rows", t.NumRows(),
		"columns", t.NumCols(),
		"numeric_columns", len(t.NumericColumns()),
		"duration_ms", time.Since(start).Milliseconds())

	return res, nil
}

// guard runs one section, converting a panic into an Error section.
func guard[T any](e *Engine, name string, fn func() Section[T]) (s Section[T]) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("analysis section failed", "section", name, "error", r)
			s = Error[T](fmt.Sprint(r))
		}
	}()
	return fn()
}
