/**
 * Remote OCR detector
 *
 * Delegates word detection to an HTTP OCR service (for example an EasyOCR
 * sidecar). The service answers either synchronously with detections or with
 * 202 Accepted and a task id that is polled until completion.
 *
 *   POST {base}/v1/detect       {"image": "<base64>", "format": "base64", "languages": [...]}
 *   GET  {base}/v1/tasks/{id}   {"status": "pending|processing|completed|failed", ...}
 */

package processor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/tableanalyst-worker/internal/logging"
)

// RemoteOCRConfig holds remote detector configuration
type RemoteOCRConfig struct {
	BaseURL      string
	Languages    []string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *logging.Logger
}

// RemoteOCR detects words through an HTTP OCR service
type RemoteOCR struct {
	baseURL      string
	languages    []string
	pollInterval time.Duration
	httpClient   *http.Client
	logger       *logging.Logger
}

type detectRequest struct {
	Image     string   `json:"image"`
	Format    string   `json:"format"`
	Languages []string `json:"languages,omitempty"`
}

type detectResponse struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message,omitempty"`
	TaskID     string      `json:"task_id,omitempty"`
	Detections []Detection `json:"detections"`
}

type taskResponse struct {
	Status     string      `json:"status"`
	Error      string      `json:"error,omitempty"`
	Detections []Detection `json:"detections"`
}

// NewRemoteOCR creates a remote detector
func NewRemoteOCR(cfg *RemoteOCRConfig) (*RemoteOCR, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("OCR service URL is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &RemoteOCR{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		languages:    cfg.Languages,
		pollInterval: poll,
		httpClient:   client,
		logger:       logger.Named("remote-ocr"),
	}, nil
}

// Name identifies the engine in logs and errors
func (r *RemoteOCR) Name() string {
	return "remote"
}

// Detect sends the image to the OCR service
func (r *RemoteOCR) Detect(ctx context.Context, image []byte) ([]Detection, error) {
	reqBody, err := json.Marshal(detectRequest{
		Image:     base64.StdEncoding.EncodeToString(image),
		Format:    "base64",
		Languages: r.languages,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/detect", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "tableanalyst-worker")

	status, body, err := r.do(httpReq)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK && status != http.StatusAccepted {
		return nil, fmt.Errorf("OCR service returned status %d: %s", status, string(body))
	}

	var resp detectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if !resp.Success {
		return nil, fmt.Errorf("OCR service failed: %s", resp.Message)
	}
	if status == http.StatusAccepted {
		if resp.TaskID == "" {
			return nil, fmt.Errorf("OCR service accepted the image without a task id")
		}
		r.logger.Debug("Detection task created", "task_id", resp.TaskID)
		return r.wait(ctx, resp.TaskID)
	}

	r.logger.Debug("Detection complete", "detections", len(resp.Detections))
	return resp.Detections, nil
}

// wait polls a task until it completes, fails or ctx ends
func (r *RemoteOCR) wait(ctx context.Context, taskID string) ([]Detection, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-ticker.C:
			task, err := r.taskStatus(ctx, taskID)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				r.logger.Warn("Failed to get task status", "task_id", taskID, "error", err)
				continue
			}

			switch task.Status {
			case "completed":
				return task.Detections, nil
			case "failed":
				return nil, fmt.Errorf("OCR task %s failed: %s", taskID, task.Error)
			case "pending", "processing":
			default:
				r.logger.Warn("Unknown task status", "task_id", taskID, "status", task.Status)
			}
		}
	}
}

func (r *RemoteOCR) taskStatus(ctx context.Context, taskID string) (*taskResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}

	status, body, err := r.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("status check failed with status %d: %s", status, string(body))
	}

	var task taskResponse
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &task, nil
}

func (r *RemoteOCR) do(req *http.Request) (int, []byte, error) {
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request to OCR service failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}
