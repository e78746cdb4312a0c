package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adverant/nexus/tableanalyst-worker/internal/errors"
	"github.com/adverant/nexus/tableanalyst-worker/internal/processor"
)

// TaskTypeAnalyzeTable is the asynq task type and the Redis job type
const TaskTypeAnalyzeTable = "analyze-table"

// JobPayload describes one table to analyse: either an image or detections
// produced by an external OCR engine.
type JobPayload struct {
	JobID      string                 `json:"jobId"`
	ChatID     int64                  `json:"chatId,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Filename   string                 `json:"filename,omitempty"`
	MimeType   string                 `json:"mimeType,omitempty"`
	Detections []processor.Detection  `json:"detections,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	FileBuffer []byte                 `json:"-"` // set by UnmarshalJSON
}

// MarshalJSON writes the image as a base64 string
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	return json.Marshal(&struct {
		Alias
		FileBuffer string `json:"fileBuffer,omitempty"`
	}{
		Alias:      Alias(p),
		FileBuffer: base64.StdEncoding.EncodeToString(p.FileBuffer),
	})
}

// UnmarshalJSON accepts the image either as a base64 string or as a Node.js
// Buffer object ({"type":"Buffer","data":[...]}).
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	switch v := aux.FileBuffer.(type) {
	case nil:
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		p.FileBuffer = decoded

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.FileBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.FileBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// Validate checks that the payload carries something to analyse
func (p *JobPayload) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	if len(p.FileBuffer) == 0 && len(p.Detections) == 0 {
		return fmt.Errorf("job %s has neither fileBuffer nor detections", p.JobID)
	}
	return nil
}

// JobSummary is the compact result stored in the results hash and sent to
// notifiers. The full result lives in Postgres when it is configured.
type JobSummary struct {
	JobID            string   `json:"jobId"`
	AssemblyKind     string   `json:"assemblyKind"`
	Rows             int      `json:"rows"`
	Columns          int      `json:"columns"`
	Headers          []string `json:"headers"`
	Insights         []string `json:"insights"`
	ReportName       string   `json:"reportName"`
	ReportURL        string   `json:"reportUrl,omitempty"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
}

func summarize(res *processor.ProcessResult) *JobSummary {
	s := &JobSummary{
		JobID:            res.JobID,
		AssemblyKind:     string(res.AssemblyKind),
		Rows:             res.Table.NumRows(),
		Columns:          res.Table.NumCols(),
		Headers:          res.Table.Headers,
		ReportName:       res.ReportName,
		ProcessingTimeMs: res.ProcessingTime.Milliseconds(),
	}
	for _, in := range res.Insights {
		s.Insights = append(s.Insights, in.Text)
	}
	if res.ReportLocation != nil {
		s.ReportURL = res.ReportLocation.URL
	}
	return s
}

// Notifier is told about every finished job, e.g. to message the chat that
// submitted it.
type Notifier interface {
	NotifyResult(ctx context.Context, chatID int64, res *processor.ProcessResult, err error)
}

// process runs a payload through the pipeline with a deadline
func process(ctx context.Context, p processor.TableProcessor, payload *JobPayload, timeout time.Duration) (*processor.ProcessResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	source := payload.Source
	if source == "" {
		source = "queue"
	}

	if len(payload.FileBuffer) > 0 {
		return p.ProcessImage(ctx, &processor.ProcessRequest{
			JobID:    payload.JobID,
			Source:   source,
			ChatID:   payload.ChatID,
			Filename: payload.Filename,
			MimeType: payload.MimeType,
			Image:    payload.FileBuffer,
		})
	}
	return p.ProcessDetections(ctx, &processor.DetectionRequest{
		JobID:      payload.JobID,
		Source:     source,
		ChatID:     payload.ChatID,
		Filename:   payload.Filename,
		Detections: payload.Detections,
	})
}

// permanent reports whether retrying err cannot help
func permanent(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrorNoData, errors.ErrorUnsupportedFormat, errors.ErrorFileTooLarge:
		return true
	}
	return false
}
