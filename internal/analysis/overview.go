package analysis

import "github.com/adverant/nexus/tableanalyst-worker/internal/dataset"

// Overview describes the table's shape.
type Overview struct {
	TotalRows     int          `json:"total_rows"`
	TotalColumns  int          `json:"total_columns"`
	ColumnNames   []string     `json:"column_names"`
	ColumnTypes   []ColumnKind `json:"column_types"`
	MemoryUsageMB float64      `json:"memory_usage_mb"`
}

// ColumnKind is a column's inferred type.
type ColumnKind struct {
	Column string       `json:"column"`
	Type   dataset.Kind `json:"type"`
}

func overview(t *dataset.Table) Section[Overview] {
	kinds := t.Kinds()
	types := make([]ColumnKind, len(kinds))
	for i, k := range kinds {
		types[i] = ColumnKind{Column: t.Headers[i], Type: k}
	}

	names := make([]string, len(t.Headers))
	copy(names, t.Headers)

	return OK(Overview{
		TotalRows:     t.NumRows(),
		TotalColumns:  t.NumCols(),
		ColumnNames:   names,
		ColumnTypes:   types,
		MemoryUsageMB: float64(t.MemoryBytes()) / (1024 * 1024),
	})
}
