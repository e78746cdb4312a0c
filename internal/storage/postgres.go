/**
 * PostgreSQL Client
 *
 * Persists analysis jobs (status, timings, errors) and their results as JSONB.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
)

// Job statuses
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// ErrJobNotFound is returned when a job id is unknown.
var ErrJobNotFound = errors.New("job not found")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
	id                 UUID PRIMARY KEY,
	source             TEXT NOT NULL DEFAULT 'unknown',
	chat_id            BIGINT,
	filename           TEXT,
	status             TEXT NOT NULL,
	assembly_kind      TEXT,
	row_count          INTEGER,
	column_count       INTEGER,
	headers            TEXT[],
	processing_time_ms BIGINT,
	error_code         TEXT,
	error_message      TEXT,
	report_url         TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS analysis_results (
	job_id     UUID PRIMARY KEY REFERENCES analysis_jobs(id) ON DELETE CASCADE,
	table_data JSONB NOT NULL,
	analysis   JSONB NOT NULL,
	insights   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update. Zero-valued fields leave the
// stored value unchanged.
type JobUpdate struct {
	JobID            string
	Source           string
	ChatID           int64
	Filename         string
	Status           string
	AssemblyKind     string
	RowCount         int
	ColumnCount      int
	Headers          []string
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	ReportURL        string
}

// JobRecord is a stored job with its result, when one exists.
type JobRecord struct {
	ID               string          `json:"id"`
	Source           string          `json:"source"`
	ChatID           int64           `json:"chat_id,omitempty"`
	Filename         string          `json:"filename,omitempty"`
	Status           string          `json:"status"`
	AssemblyKind     string          `json:"assembly_kind,omitempty"`
	RowCount         int             `json:"row_count"`
	ColumnCount      int             `json:"column_count"`
	Headers          []string        `json:"headers,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ReportURL        string          `json:"report_url,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Table            json.RawMessage `json:"table,omitempty"`
	Analysis         json.RawMessage `json:"analysis,omitempty"`
	Insights         json.RawMessage `json:"insights,omitempty"`
}

// NewPostgresClient connects and ensures the schema exists
func NewPostgresClient(ctx context.Context, databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// UpdateJobStatus upserts a job row
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	query := `
		INSERT INTO analysis_jobs (
			id, source, chat_id, filename, status, assembly_kind,
			row_count, column_count, headers, processing_time_ms,
			error_code, error_message, report_url, created_at, updated_at
		) VALUES (
			$1::uuid, COALESCE(NULLIF($2, ''), 'unknown'), NULLIF($3::bigint, 0), NULLIF($4, ''), $5, NULLIF($6, ''),
			NULLIF($7, 0), NULLIF($8, 0), $9, NULLIF($10::bigint, 0),
			NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			chat_id = COALESCE(EXCLUDED.chat_id, analysis_jobs.chat_id),
			filename = COALESCE(EXCLUDED.filename, analysis_jobs.filename),
			assembly_kind = COALESCE(EXCLUDED.assembly_kind, analysis_jobs.assembly_kind),
			row_count = COALESCE(EXCLUDED.row_count, analysis_jobs.row_count),
			column_count = COALESCE(EXCLUDED.column_count, analysis_jobs.column_count),
			headers = COALESCE(EXCLUDED.headers, analysis_jobs.headers),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, analysis_jobs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			report_url = COALESCE(EXCLUDED.report_url, analysis_jobs.report_url),
			updated_at = NOW()
		RETURNING id
	`

	var headers interface{}
	if len(update.Headers) > 0 {
		headers = pq.Array(update.Headers)
	}

	var returnedID string
	err := p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.Source,           // $2
		update.ChatID,           // $3
		update.Filename,         // $4
		update.Status,           // $5
		update.AssemblyKind,     // $6
		update.RowCount,         // $7
		update.ColumnCount,      // $8
		headers,                 // $9
		update.ProcessingTimeMs, // $10
		update.ErrorCode,        // $11
		update.ErrorMessage,     // $12
		update.ReportURL,        // $13
	).Scan(&returnedID)
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w", update.JobID, update.Status, err)
	}

	return nil
}

// StoreResult saves the table, analysis and insights documents for a job
func (p *PostgresClient) StoreResult(ctx context.Context, jobID string, table, analysis, insights interface{}) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}

	docs := make([][]byte, 0, 3)
	for _, v := range []interface{}{table, analysis, insights} {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal result document: %w", err)
		}
		docs = append(docs, sanitizeJSONForPostgres(raw))
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO analysis_results (job_id, table_data, analysis, insights, created_at)
		VALUES ($1::uuid, $2, $3, $4, NOW())
		ON CONFLICT (job_id) DO UPDATE SET
			table_data = EXCLUDED.table_data,
			analysis = EXCLUDED.analysis,
			insights = EXCLUDED.insights
	`, jobID, docs[0], docs[1], docs[2])
	if err != nil {
		return fmt.Errorf("failed to store result for job %s: %w", jobID, err)
	}

	return nil
}

// GetJobByID retrieves a job and, when present, its result documents
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			j.id, j.source, j.chat_id, j.filename, j.status, j.assembly_kind,
			j.row_count, j.column_count, j.headers, j.processing_time_ms,
			j.error_code, j.error_message, j.report_url, j.created_at, j.updated_at,
			r.table_data, r.analysis, r.insights
		FROM analysis_jobs j
		LEFT JOIN analysis_results r ON r.job_id = j.id
		WHERE j.id = $1::uuid
	`

	var (
		rec                                   JobRecord
		chatID, processingTimeMs              sql.NullInt64
		rowCount, columnCount                 sql.NullInt64
		filename, assemblyKind                sql.NullString
		errorCode, errorMessage, reportURL    sql.NullString
		headers                               pq.StringArray
		tableJSON, analysisJSON, insightsJSON []byte
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&rec.ID, &rec.Source, &chatID, &filename, &rec.Status, &assemblyKind,
		&rowCount, &columnCount, &headers, &processingTimeMs,
		&errorCode, &errorMessage, &reportURL, &rec.CreatedAt, &rec.UpdatedAt,
		&tableJSON, &analysisJSON, &insightsJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	rec.ChatID = chatID.Int64
	rec.Filename = filename.String
	rec.AssemblyKind = assemblyKind.String
	rec.RowCount = int(rowCount.Int64)
	rec.ColumnCount = int(columnCount.Int64)
	rec.Headers = []string(headers)
	rec.ProcessingTimeMs = processingTimeMs.Int64
	rec.ErrorCode = errorCode.String
	rec.ErrorMessage = errorMessage.String
	rec.ReportURL = reportURL.String
	rec.Table = tableJSON
	rec.Analysis = analysisJSON
	rec.Insights = insightsJSON

	return &rec, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

var (
	jsonNullEscape    = regexp.MustCompile(`\\u0000`)
	jsonControlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres strips escapes JSONB rejects. OCR text occasionally
// carries NUL and other control characters.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := jsonNullEscape.ReplaceAll(jsonBytes, []byte{})
	return jsonControlEscape.ReplaceAll(result, []byte(" "))
}
