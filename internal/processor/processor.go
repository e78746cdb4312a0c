/**
 * Table Analysis Pipeline
 *
 * Turns a photographed table into a reconstructed table, a statistical
 * analysis with insights, and an Excel report:
 * - format and size checks on the uploaded image
 * - word-level text detection (Tesseract or caller-supplied detections)
 * - row clustering and column mapping
 * - statistics, insights and report rendering
 * - optional persistence of job, result, fingerprint and report
 */

package processor

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/tableanalyst-worker/internal/analysis"
	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
	"github.com/adverant/nexus/tableanalyst-worker/internal/errors"
	"github.com/adverant/nexus/tableanalyst-worker/internal/logging"
	"github.com/adverant/nexus/tableanalyst-worker/internal/metrics"
	"github.com/adverant/nexus/tableanalyst-worker/internal/report"
	"github.com/adverant/nexus/tableanalyst-worker/internal/storage"
)

// Pipeline stages, used for timings and metrics
const (
	StageDetect  = "detect"
	StageLayout  = "layout"
	StageAnalyze = "analyze"
	StageRender  = "render"
	StageStore   = "store"
)

// TableProcessor is implemented by Pipeline; transports depend on this.
type TableProcessor interface {
	ProcessImage(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	ProcessDetections(ctx context.Context, req *DetectionRequest) (*ProcessResult, error)
}

// PipelineConfig holds pipeline collaborators and limits
type PipelineConfig struct {
	Detector      Detector
	Layout        *LayoutAnalyzer
	Engine        *analysis.Engine
	Renderer      *report.ExcelRenderer
	Storage       *storage.StorageManager
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
	MaxFileSize   int64
	Timeout       time.Duration
	MinConfidence float64
}

// ProcessRequest is an image to analyse
type ProcessRequest struct {
	JobID    string
	Source   string
	ChatID   int64
	Filename string
	MimeType string
	Image    []byte
}

// DetectionRequest carries detections produced by an external OCR engine
type DetectionRequest struct {
	JobID      string
	Source     string
	ChatID     int64
	Filename   string
	Detections []Detection
}

// ProcessResult is everything a transport needs to answer a request
type ProcessResult struct {
	JobID          string                  `json:"job_id"`
	AssemblyKind   AssemblyKind            `json:"assembly_kind"`
	Detections     int                     `json:"detections"`
	MeanConfidence float64                 `json:"mean_confidence"`
	Table          *dataset.Table          `json:"table"`
	Analysis       *analysis.Result        `json:"analysis"`
	Insights       []analysis.Insight      `json:"insights"`
	Report         []byte                  `json:"-"`
	ReportName     string                  `json:"report_name"`
	ReportLocation *storage.ReportLocation `json:"report_location,omitempty"`
	StorageError   string                  `json:"storage_error,omitempty"`
	TimingsMs      map[string]int64        `json:"timings_ms"`
	ProcessingTime time.Duration           `json:"-"`
}

// Pipeline runs detection, reconstruction, analysis and rendering
type Pipeline struct {
	detector      Detector
	layout        *LayoutAnalyzer
	engine        *analysis.Engine
	renderer      *report.ExcelRenderer
	storage       *storage.StorageManager
	metrics       *metrics.Metrics
	logger        *logging.Logger
	maxFileSize   int64
	timeout       time.Duration
	minConfidence float64
}

// NewPipeline creates a pipeline. Only the detector is required; every
// other collaborator has a working default.
func NewPipeline(cfg *PipelineConfig) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Detector == nil {
		return nil, fmt.Errorf("detector is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	p := &Pipeline{
		detector:      cfg.Detector,
		layout:        cfg.Layout,
		engine:        cfg.Engine,
		renderer:      cfg.Renderer,
		storage:       cfg.Storage,
		metrics:       cfg.Metrics,
		logger:        logger.Named("pipeline"),
		maxFileSize:   cfg.MaxFileSize,
		timeout:       cfg.Timeout,
		minConfidence: cfg.MinConfidence,
	}
	if p.layout == nil {
		p.layout = NewLayoutAnalyzer(DefaultRowYThreshold, logger)
	}
	if p.engine == nil {
		p.engine = analysis.NewEngine(nil, logger)
	}
	if p.renderer == nil {
		p.renderer = report.NewExcelRenderer(logger)
	}
	if p.storage == nil {
		p.storage = storage.NewStorageManager(storage.Backends{}, logger)
	}
	return p, nil
}

// ProcessImage analyses a table photo
func (p *Pipeline) ProcessImage(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	if req.JobID == "" {
		req.JobID = uuid.New().String()
	}
	start := time.Now()

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	p.logger.Info("Processing image", "job_id", req.JobID, "source", req.Source, "bytes", len(req.Image))

	if p.maxFileSize > 0 && int64(len(req.Image)) > p.maxFileSize {
		return nil, p.fail(ctx, req.JobID, req.Source, errors.NewFileTooLargeError(req.JobID, int64(len(req.Image)), p.maxFileSize))
	}

	mime := DetectImageFormat(req.Image)
	if !IsSupportedImage(mime) {
		if mime == "" {
			mime = req.MimeType
		}
		if mime == "" {
			mime = "application/octet-stream"
		}
		return nil, p.fail(ctx, req.JobID, req.Source, errors.NewUnsupportedFormatError(req.JobID, mime))
	}
	if req.MimeType != "" && req.MimeType != mime {
		p.logger.Debug("Declared type differs from content", "job_id", req.JobID, "declared", req.MimeType, "detected", mime)
	}

	p.recordStart(ctx, req.JobID, req.Source, req.ChatID, req.Filename)

	timings := map[string]int64{}
	stageStart := time.Now()
	detections, err := p.detector.Detect(ctx, req.Image)
	p.observe(timings, StageDetect, stageStart)
	if err != nil {
		if ctx.Err() != nil {
			return nil, p.fail(ctx, req.JobID, req.Source, p.timeoutError(req.JobID, ctx.Err()))
		}
		return nil, p.fail(ctx, req.JobID, req.Source, errors.NewOCRFailedError(req.JobID, p.detector.Name(), err))
	}
	p.logger.Info("Text detected", "job_id", req.JobID, "engine", p.detector.Name(), "detections", len(detections))

	return p.run(ctx, &DetectionRequest{
		JobID:      req.JobID,
		Source:     req.Source,
		ChatID:     req.ChatID,
		Filename:   req.Filename,
		Detections: detections,
	}, timings, start)
}

// ProcessDetections analyses caller-supplied detections
func (p *Pipeline) ProcessDetections(ctx context.Context, req *DetectionRequest) (*ProcessResult, error) {
	if req.JobID == "" {
		req.JobID = uuid.New().String()
	}
	start := time.Now()

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	p.recordStart(ctx, req.JobID, req.Source, req.ChatID, req.Filename)
	return p.run(ctx, req, map[string]int64{}, start)
}

func (p *Pipeline) run(ctx context.Context, req *DetectionRequest, timings map[string]int64, start time.Time) (*ProcessResult, error) {
	detections := p.filter(req.Detections)
	if dropped := len(req.Detections) - len(detections); dropped > 0 {
		p.logger.Debug("Dropped low-confidence detections", "job_id", req.JobID, "dropped", dropped, "min_confidence", p.minConfidence)
	}

	stageStart := time.Now()
	assembly := p.layout.Assemble(detections)
	p.observe(timings, StageLayout, stageStart)

	if assembly.Kind == AssemblyEmpty {
		return nil, p.fail(ctx, req.JobID, req.Source, errors.NewNoDataError(req.JobID))
	}
	p.metrics.ObserveAssembly(string(assembly.Kind), assembly.Table.NumRows())
	p.logger.Info("Table reconstructed",
		"job_id", req.JobID, "kind", assembly.Kind,
		"rows", assembly.Table.NumRows(), "columns", assembly.Table.NumCols())

	stageStart = time.Now()
	res, err := p.engine.Analyze(assembly.Table)
	p.observe(timings, StageAnalyze, stageStart)
	if err != nil {
		if errors.Is(err, analysis.ErrNoData) {
			return nil, p.fail(ctx, req.JobID, req.Source, errors.NewNoDataError(req.JobID))
		}
		return nil, p.fail(ctx, req.JobID, req.Source, fmt.Errorf("analysis failed: %w", err))
	}
	if ctx.Err() != nil {
		return nil, p.fail(ctx, req.JobID, req.Source, p.timeoutError(req.JobID, ctx.Err()))
	}

	stageStart = time.Now()
	raw, err := p.renderer.Render(assembly.Table, res)
	p.observe(timings, StageRender, stageStart)
	if err != nil {
		return nil, p.fail(ctx, req.JobID, req.Source, errors.NewRenderFailedError(req.JobID, err))
	}

	insights := res.InsightList()
	for _, in := range insights {
		p.metrics.ObserveInsight(string(in.Severity))
	}

	result := &ProcessResult{
		JobID:          req.JobID,
		AssemblyKind:   assembly.Kind,
		Detections:     len(detections),
		MeanConfidence: MeanConfidence(detections),
		Table:          assembly.Table,
		Analysis:       res,
		Insights:       insights,
		Report:         raw,
		ReportName:     report.Filename(req.JobID, start),
		TimingsMs:      timings,
	}

	if p.storage.Enabled() {
		stageStart = time.Now()
		out, err := p.storage.SaveAnalysis(ctx, &storage.SaveInput{
			JobID:          req.JobID,
			Source:         req.Source,
			ChatID:         req.ChatID,
			Filename:       req.Filename,
			AssemblyKind:   string(assembly.Kind),
			Table:          assembly.Table,
			Result:         res,
			Report:         raw,
			ReportName:     result.ReportName,
			ContentType:    report.ContentType,
			ProcessingTime: time.Since(start),
		})
		p.observe(timings, StageStore, stageStart)
		if err != nil {
			// The analysis itself succeeded; the caller still gets the report.
			serr := errors.NewStorageFailedError(req.JobID, err)
			result.StorageError = serr.Error()
			p.logger.Warn("Failed to store analysis", "job_id", req.JobID, "error", err)
			p.recordFailure(ctx, req.JobID, req.Source, serr)
		} else {
			result.ReportLocation = out.Report
		}
	}

	result.ProcessingTime = time.Since(start)
	p.metrics.ObserveRequest(req.Source, metrics.OutcomeSuccess)
	p.logger.Info("Analysis complete",
		"job_id", req.JobID, "insights", len(insights), "duration_ms", result.ProcessingTime.Milliseconds())

	return result, nil
}

// filter drops detections below the configured confidence
func (p *Pipeline) filter(detections []Detection) []Detection {
	if p.minConfidence <= 0 {
		return detections
	}
	kept := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if d.Confidence >= p.minConfidence {
			kept = append(kept, d)
		}
	}
	return kept
}

func (p *Pipeline) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *Pipeline) timeoutError(jobID string, cause error) error {
	return errors.NewProcessingTimeoutError(jobID, p.timeout, cause)
}

func (p *Pipeline) observe(timings map[string]int64, stage string, since time.Time) {
	d := time.Since(since)
	timings[stage] = d.Milliseconds()
	p.metrics.ObserveStage(stage, d)
}

func (p *Pipeline) recordStart(ctx context.Context, jobID, source string, chatID int64, filename string) {
	err := p.storage.RecordJobStatus(ctx, &storage.JobUpdate{
		JobID:    jobID,
		Source:   source,
		ChatID:   chatID,
		Filename: filename,
		Status:   storage.JobStatusProcessing,
	})
	if err != nil {
		p.logger.Warn("Failed to record job start", "job_id", jobID, "error", err)
	}
}

func (p *Pipeline) recordFailure(ctx context.Context, jobID, source string, err error) {
	update := &storage.JobUpdate{
		JobID:        jobID,
		Source:       source,
		Status:       storage.JobStatusFailed,
		ErrorCode:    string(errors.CodeOf(err)),
		ErrorMessage: err.Error(),
	}
	// The request context may already be done; the failure still gets recorded.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if rerr := p.storage.RecordJobStatus(recCtx, update); rerr != nil {
		p.logger.Warn("Failed to record job failure", "job_id", jobID, "error", rerr)
	}
}

// fail logs, records and counts a failed request, then returns err
func (p *Pipeline) fail(ctx context.Context, jobID, source string, err error) error {
	p.logger.Error("Analysis failed", "job_id", jobID, "code", errors.CodeOf(err), "error", err)
	p.recordFailure(ctx, jobID, source, err)
	p.metrics.ObserveRequest(source, metrics.OutcomeFailure)
	return err
}

// Image MIME types accepted by ProcessImage
var supportedImages = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/webp": true,
}

// IsSupportedImage reports whether mime is an image type the detector accepts
func IsSupportedImage(mime string) bool {
	return supportedImages[mime]
}

// DetectImageFormat identifies the file type from its magic bytes. PDF is
// recognised so it can be rejected by name.
func DetectImageFormat(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	case bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}), bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	}
	return ""
}
