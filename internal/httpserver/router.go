package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
	"github.com/adverant/nexus/tableanalyst-worker/internal/errors"
	"github.com/adverant/nexus/tableanalyst-worker/internal/logging"
	"github.com/adverant/nexus/tableanalyst-worker/internal/processor"
	"github.com/adverant/nexus/tableanalyst-worker/internal/queue"
	"github.com/adverant/nexus/tableanalyst-worker/internal/report"
	"github.com/adverant/nexus/tableanalyst-worker/internal/storage"
)

// Store is the storage surface the API reads from
type Store interface {
	GetJob(ctx context.Context, jobID string) (*storage.JobRecord, error)
	FindSimilar(ctx context.Context, headers []string, types []dataset.ColumnType, limit int, excludeJobID string) ([]storage.SimilarTable, error)
	Health(ctx context.Context) map[string]string
}

// Enqueuer accepts jobs for asynchronous processing
type Enqueuer interface {
	Enqueue(ctx context.Context, payload *queue.JobPayload) (string, error)
}

// Options configures the router
type Options struct {
	Processor          processor.TableProcessor
	Store              Store    // optional
	Enqueuer           Enqueuer // optional
	Metrics            http.Handler
	Logger             *logging.Logger
	MaxFileSize        int64
	AllowedOrigins     []string
	RateLimitPerMinute int // analyses per minute across all clients, 0 = unlimited
}

type Router struct {
	processor   processor.TableProcessor
	store       Store
	enqueuer    Enqueuer
	logger      *logging.Logger
	maxFileSize int64
	limiter     *rate.Limiter
	started     time.Time
}

func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Router{
		processor:   opts.Processor,
		store:       opts.Store,
		enqueuer:    opts.Enqueuer,
		logger:      logger.Named("http"),
		maxFileSize: opts.MaxFileSize,
		started:     time.Now(),
	}
	if opts.RateLimitPerMinute > 0 {
		r.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RateLimitPerMinute)), opts.RateLimitPerMinute)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Filename"},
		MaxAge:         300,
	}))

	mux.Get("/health", r.wrap(r.handleHealth))
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	mux.Route("/v1", func(rt chi.Router) {
		rt.With(r.rateLimit).Post("/analyze/image", r.wrap(r.handleAnalyzeImage))
		rt.With(r.rateLimit).Post("/analyze/detections", r.wrap(r.handleAnalyzeDetections))
		rt.Post("/jobs", r.wrap(r.handleEnqueue))
		rt.Get("/jobs/{id}", r.wrap(r.handleGetJob))
		rt.Post("/similar", r.wrap(r.handleSimilar))
	})

	return mux
}

// jsonOverhead is the allowance on top of the encoded image for JSON bodies.
const jsonOverhead = 1 << 20

type handlerFunc func(http.ResponseWriter, *http.Request) error

// apiError carries an HTTP status for errors that are not ProcessingErrors
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(format string, args ...interface{}) error {
	return &apiError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			status, body := r.errorResponse(err)
			if status >= http.StatusInternalServerError {
				r.logger.Error("Request failed", "method", req.Method, "path", req.URL.Path, "error", err)
			}
			if err := writeJSON(w, status, body); err != nil {
				r.logger.Error("Failed to write error response", "path", req.URL.Path, "error", err)
			}
		}
	}
}

func (r *Router) errorResponse(err error) (int, map[string]interface{}) {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status, map[string]interface{}{"error": ae.message}
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return http.StatusRequestEntityTooLarge, map[string]interface{}{
			"error": fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit),
		}
	}
	if pe, ok := errors.AsProcessingError(err); ok {
		return statusFor(pe.Code), pe.ToMap()
	}
	switch {
	case errors.Is(err, storage.ErrJobNotFound):
		return http.StatusNotFound, map[string]interface{}{"error": err.Error()}
	case errors.Is(err, storage.ErrStorageDisabled):
		return http.StatusServiceUnavailable, map[string]interface{}{"error": err.Error()}
	}
	return http.StatusInternalServerError, map[string]interface{}{"error": err.Error()}
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrorNoData:
		return http.StatusUnprocessableEntity
	case errors.ErrorUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case errors.ErrorFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case errors.ErrorProcessingTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (r *Router) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.limiter != nil && !r.limiter.Allow() {
			_ = writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, req)
	})
}

// GET /health
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) error {
	body := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(r.started).Seconds()),
		"queue":          r.enqueuer != nil,
	}
	if r.store != nil {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		body["storage"] = r.store.Health(ctx)
	}
	return writeJSON(w, http.StatusOK, body)
}

// POST /v1/analyze/image
// Body: raw image bytes. ?format=xlsx returns the report instead of JSON.
func (r *Router) handleAnalyzeImage(w http.ResponseWriter, req *http.Request) error {
	body := io.Reader(req.Body)
	if r.maxFileSize > 0 {
		// One extra byte lets the pipeline reject oversize uploads with FILE_TOO_LARGE.
		body = io.LimitReader(req.Body, r.maxFileSize+1)
	}
	image, err := io.ReadAll(body)
	if err != nil {
		return badRequest("failed to read body: %v", err)
	}
	if len(image) == 0 {
		return badRequest("request body is empty")
	}

	filename := req.URL.Query().Get("filename")
	if filename == "" {
		filename = req.Header.Get("X-Filename")
	}

	res, err := r.processor.ProcessImage(req.Context(), &processor.ProcessRequest{
		JobID:    req.URL.Query().Get("job_id"),
		Source:   "api",
		Filename: filename,
		MimeType: req.Header.Get("Content-Type"),
		Image:    image,
	})
	if err != nil {
		return err
	}
	return writeResult(w, req, res)
}

type detectionsRequest struct {
	JobID      string                `json:"job_id"`
	Filename   string                `json:"filename"`
	Detections []processor.Detection `json:"detections"`
}

// POST /v1/analyze/detections
// Body: {"job_id": "...", "filename": "...", "detections": [{"text", "confidence", "box"}]}
func (r *Router) handleAnalyzeDetections(w http.ResponseWriter, req *http.Request) error {
	var body detectionsRequest
	if err := r.decodeJSON(w, req, &body); err != nil {
		return err
	}

	res, err := r.processor.ProcessDetections(req.Context(), &processor.DetectionRequest{
		JobID:      body.JobID,
		Source:     "api",
		Filename:   body.Filename,
		Detections: body.Detections,
	})
	if err != nil {
		return err
	}
	return writeResult(w, req, res)
}

// POST /v1/jobs
// Body: JobPayload JSON. Responds 202 with the job id.
func (r *Router) handleEnqueue(w http.ResponseWriter, req *http.Request) error {
	if r.enqueuer == nil {
		return &apiError{status: http.StatusServiceUnavailable, message: "job queue not configured"}
	}

	var payload queue.JobPayload
	if err := r.decodeJSON(w, req, &payload); err != nil {
		return err
	}
	if len(payload.FileBuffer) == 0 && len(payload.Detections) == 0 {
		return badRequest("fileBuffer or detections is required")
	}
	if r.maxFileSize > 0 && int64(len(payload.FileBuffer)) > r.maxFileSize {
		return errors.NewFileTooLargeError(payload.JobID, int64(len(payload.FileBuffer)), r.maxFileSize)
	}
	if payload.Source == "" {
		payload.Source = "api"
	}

	id, err := r.enqueuer.Enqueue(req.Context(), &payload)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusAccepted, map[string]interface{}{"job_id": id, "status": "queued"})
}

// GET /v1/jobs/{id}
func (r *Router) handleGetJob(w http.ResponseWriter, req *http.Request) error {
	if r.store == nil {
		return storage.ErrStorageDisabled
	}
	job, err := r.store.GetJob(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, job)
}

type similarRequest struct {
	Headers      []string             `json:"headers"`
	Types        []dataset.ColumnType `json:"types"`
	Limit        int                  `json:"limit"`
	ExcludeJobID string               `json:"exclude_job_id"`
}

// POST /v1/similar
// Body: {"headers": [...], "types": [...], "limit": 5}
func (r *Router) handleSimilar(w http.ResponseWriter, req *http.Request) error {
	if r.store == nil {
		return storage.ErrStorageDisabled
	}
	var body similarRequest
	if err := r.decodeJSON(w, req, &body); err != nil {
		return err
	}
	if len(body.Headers) == 0 {
		return badRequest("headers are required")
	}

	similar, err := r.store.FindSimilar(req.Context(), body.Headers, body.Types, body.Limit, body.ExcludeJobID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]interface{}{"similar": similar})
}

func writeResult(w http.ResponseWriter, req *http.Request, res *processor.ProcessResult) error {
	if req.URL.Query().Get("format") == "xlsx" {
		w.Header().Set("Content-Type", report.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.ReportName))
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Report)))
		w.WriteHeader(http.StatusOK)
		_, err := w.Write(res.Report)
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

// jsonLimit bounds JSON request bodies: a base64 image of the maximum size
// plus the surrounding document.
func (r *Router) jsonLimit() int64 {
	if r.maxFileSize <= 0 {
		return 32 << 20
	}
	return r.maxFileSize/3*4 + 4 + jsonOverhead
}

func (r *Router) decodeJSON(w http.ResponseWriter, req *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, req.Body, r.jsonLimit())
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return err
		}
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

// writeJSON encodes body before writing any headers; on failure the
// response is left untouched.
func writeJSON(w http.ResponseWriter, status int, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(append(data, '\n'))
	return err
}
