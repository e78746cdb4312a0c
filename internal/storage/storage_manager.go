/**
 * Storage Manager for the table analyst worker
 *
 * Coordinates job bookkeeping (PostgreSQL), schema fingerprints (Qdrant) and
 * report files (MinIO or local disk). Every backend is optional; a manager
 * with none of them configured accepts every call and stores nothing.
 */

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adverant/nexus/tableanalyst-worker/internal/analysis"
	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
	"github.com/adverant/nexus/tableanalyst-worker/internal/logging"
)

// ErrStorageDisabled is returned by lookups when the backend they need is not configured.
var ErrStorageDisabled = errors.New("storage backend not configured")

// JobStore is the job/result side of storage. PostgresClient implements it.
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *JobUpdate) error
	StoreResult(ctx context.Context, jobID string, table, analysis, insights interface{}) error
	GetJobByID(ctx context.Context, jobID string) (*JobRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// VectorStore is the fingerprint side of storage. QdrantClient implements it.
type VectorStore interface {
	UpsertVector(ctx context.Context, point *VectorPoint) error
	SearchVectors(ctx context.Context, queryVector []float32, limit int) ([]*VectorPoint, error)
	DeleteVector(ctx context.Context, pointID string) error
	Close() error
}

// StorageManager coordinates the configured backends
type StorageManager struct {
	jobs    JobStore
	vectors VectorStore
	reports ReportStore
	logger  *logging.Logger
}

// Backends selects which stores a manager uses. Nil fields are disabled.
type Backends struct {
	Jobs    JobStore
	Vectors VectorStore
	Reports ReportStore
}

// SaveInput is everything produced by one successful analysis.
type SaveInput struct {
	JobID          string
	Source         string
	ChatID         int64
	Filename       string
	AssemblyKind   string
	Table          *dataset.Table
	Result         *analysis.Result
	Report         []byte
	ReportName     string
	ContentType    string
	ProcessingTime time.Duration
}

// SaveOutput reports where things ended up.
type SaveOutput struct {
	Report        *ReportLocation
	Fingerprinted bool
	Persisted     bool
}

// SimilarTable is an earlier table whose schema resembles a query table.
type SimilarTable struct {
	JobID   string   `json:"job_id"`
	Headers []string `json:"headers"`
	Score   float32  `json:"score"`
}

// NewStorageManager creates a new storage manager
func NewStorageManager(b Backends, logger *logging.Logger) *StorageManager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &StorageManager{
		jobs:    b.Jobs,
		vectors: b.Vectors,
		reports: b.Reports,
		logger:  logger.Named("storage"),
	}
}

// Enabled reports whether any backend is configured.
func (sm *StorageManager) Enabled() bool {
	return sm.jobs != nil || sm.vectors != nil || sm.reports != nil
}

// RecordJobStatus upserts a job row. A no-op without a job store.
func (sm *StorageManager) RecordJobStatus(ctx context.Context, update *JobUpdate) error {
	if sm.jobs == nil {
		return nil
	}
	return sm.jobs.UpdateJobStatus(ctx, update)
}

// SaveAnalysis stores the report, fingerprint and result documents for a job.
// The fingerprint is written before the result rows and removed again if the
// database write fails, so a fingerprint never points at a missing job.
func (sm *StorageManager) SaveAnalysis(ctx context.Context, in *SaveInput) (*SaveOutput, error) {
	if in == nil || in.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	if in.Table == nil || in.Result == nil {
		return nil, fmt.Errorf("table and result are required")
	}

	out := &SaveOutput{}

	if sm.reports != nil && len(in.Report) > 0 {
		loc, err := sm.reports.SaveReport(ctx, in.ReportName, in.Report, in.ContentType)
		if err != nil {
			return nil, fmt.Errorf("failed to store report: %w", err)
		}
		out.Report = loc
		sm.logger.Debug("Report stored", "job_id", in.JobID, "backend", loc.Backend, "key", loc.Key)
	}

	if sm.vectors != nil {
		point := &VectorPoint{
			ID:     in.JobID,
			Vector: Fingerprint(in.Table.Headers, in.Table.Types),
			Metadata: map[string]interface{}{
				"job_id":     in.JobID,
				"headers":    in.Table.Headers,
				"columns":    in.Table.NumCols(),
				"rows":       in.Table.NumRows(),
				"created_at": time.Now().Unix(),
			},
		}
		if err := sm.vectors.UpsertVector(ctx, point); err != nil {
			return nil, fmt.Errorf("failed to store fingerprint: %w", err)
		}
		out.Fingerprinted = true
	}

	if sm.jobs != nil {
		if err := sm.persist(ctx, in, out.Report); err != nil {
			if out.Fingerprinted {
				if delErr := sm.vectors.DeleteVector(ctx, in.JobID); delErr != nil {
					sm.logger.Warn("Failed to roll back fingerprint", "job_id", in.JobID, "error", delErr)
				}
				out.Fingerprinted = false
			}
			return nil, err
		}
		out.Persisted = true
	}

	return out, nil
}

func (sm *StorageManager) persist(ctx context.Context, in *SaveInput, loc *ReportLocation) error {
	// The result row references the job row, so the job goes first.
	update := &JobUpdate{
		JobID:            in.JobID,
		Source:           in.Source,
		ChatID:           in.ChatID,
		Filename:         in.Filename,
		Status:           JobStatusCompleted,
		AssemblyKind:     in.AssemblyKind,
		RowCount:         in.Table.NumRows(),
		ColumnCount:      in.Table.NumCols(),
		Headers:          in.Table.Headers,
		ProcessingTimeMs: in.ProcessingTime.Milliseconds(),
	}
	if loc != nil {
		update.ReportURL = loc.URL
	}
	if err := sm.jobs.UpdateJobStatus(ctx, update); err != nil {
		return fmt.Errorf("failed to record completed job: %w", err)
	}
	if err := sm.jobs.StoreResult(ctx, in.JobID, in.Table, in.Result, in.Result.InsightList()); err != nil {
		return fmt.Errorf("failed to store analysis result: %w", err)
	}
	return nil
}

// FindSimilar returns earlier tables with a schema close to the given one,
// best match first. excludeJobID drops the query table itself from the results.
func (sm *StorageManager) FindSimilar(ctx context.Context, headers []string, types []dataset.ColumnType, limit int, excludeJobID string) ([]SimilarTable, error) {
	if sm.vectors == nil {
		return nil, ErrStorageDisabled
	}
	if limit <= 0 {
		limit = 5
	}

	points, err := sm.vectors.SearchVectors(ctx, Fingerprint(headers, types), limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar tables: %w", err)
	}

	similar := make([]SimilarTable, 0, len(points))
	for _, p := range points {
		if p.ID == excludeJobID {
			continue
		}
		st := SimilarTable{JobID: p.ID, Score: p.Score}
		if raw, ok := p.Metadata["headers"].(string); ok && raw != "" {
			st.Headers = strings.Split(raw, "\n")
		}
		similar = append(similar, st)
		if len(similar) == limit {
			break
		}
	}
	return similar, nil
}

// GetJob fetches a stored job.
func (sm *StorageManager) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	if sm.jobs == nil {
		return nil, ErrStorageDisabled
	}
	return sm.jobs.GetJobByID(ctx, jobID)
}

// Health reports per-backend status: "ok", "disabled" or an error message.
func (sm *StorageManager) Health(ctx context.Context) map[string]string {
	status := map[string]string{
		"postgres": "disabled",
		"qdrant":   "disabled",
		"reports":  "disabled",
	}
	if sm.jobs != nil {
		status["postgres"] = "ok"
		if err := sm.jobs.Ping(ctx); err != nil {
			status["postgres"] = err.Error()
		}
	}
	if sm.vectors != nil {
		status["qdrant"] = "ok"
	}
	if sm.reports != nil {
		status["reports"] = sm.reports.Name()
		if p, ok := sm.reports.(interface{ Ping(context.Context) error }); ok {
			if err := p.Ping(ctx); err != nil {
				status["reports"] = err.Error()
			}
		}
	}
	return status
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var errs []error

	if sm.jobs != nil {
		if err := sm.jobs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close PostgreSQL: %w", err))
		}
	}

	if sm.vectors != nil {
		if err := sm.vectors.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Qdrant: %w", err))
		}
	}

	return errors.Join(errs...)
}
