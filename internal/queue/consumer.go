/**
 * Asynq Queue Consumer for the table analyst worker
 *
 * Alternative to the plain Redis list consumer for deployments that already
 * run asynq (QUEUE_BACKEND=asynq). Tasks are of type "analyze-table" with a
 * JobPayload JSON body.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/tableanalyst-worker/internal/logging"
	"github.com/adverant/nexus/tableanalyst-worker/internal/processor"
)

// Consumer handles analyze-table tasks with asynq
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.TableProcessor
	notifier  Notifier
	logger    *logging.Logger
	config    *ConsumerConfig
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.TableProcessor
	Notifier          Notifier
	Logger            *logging.Logger
	ProcessingTimeout time.Duration
	MaxRetries        int
}

// NewConsumer creates a new asynq consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "analysis"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Named("asynq-queue")

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			cfg.QueueName: 10,
			"default":     1,
		},
		RetryDelayFunc: retryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("Task processing error", "type", task.Type(), "error", err)
		}),
		Logger: asynqLogger{logger},
	})

	c := &Consumer{
		client:    asynq.NewClient(redisOpt),
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		notifier:  cfg.Notifier,
		logger:    logger,
		config:    cfg,
	}
	c.mux.HandleFunc(TaskTypeAnalyzeTable, c.handleAnalyzeTable)
	return c, nil
}

// retryDelay backs off exponentially: 5s, 10s, 20s ... capped at 60s
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n >= 4 {
		return 60 * time.Second
	}
	return time.Duration(5*(1<<uint(n))) * time.Second
}

// Start runs the asynq server in the background
func (c *Consumer) Start() error {
	c.logger.Info("Starting asynq consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the consumer gracefully
func (c *Consumer) Stop() error {
	c.logger.Info("Stopping asynq consumer")
	c.server.Shutdown()
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	return nil
}

// Enqueue submits an analyze-table task
func (c *Consumer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	if payload.JobID == "" {
		payload.JobID = uuid.New().String()
	}
	task, err := NewAnalyzeTableTask(payload)
	if err != nil {
		return "", err
	}

	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.config.QueueName),
		asynq.MaxRetry(c.config.MaxRetries),
		asynq.TaskID(payload.JobID),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}
	return info.ID, nil
}

// NewAnalyzeTableTask builds the asynq task for a payload
func NewAnalyzeTableTask(payload *JobPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return asynq.NewTask(TaskTypeAnalyzeTable, body), nil
}

func (c *Consumer) handleAnalyzeTable(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	c.logger.Info("Processing job", "job_id", payload.JobID, "filename", payload.Filename)

	res, err := process(ctx, c.processor, &payload, c.config.ProcessingTimeout)
	if err != nil {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if permanent(err) || retried >= maxRetry {
			c.notify(ctx, payload.ChatID, nil, err)
		}
		if permanent(err) {
			return fmt.Errorf("job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("job %s failed: %w", payload.JobID, err)
	}

	if w := task.ResultWriter(); w != nil {
		if summary, err := json.Marshal(summarize(res)); err == nil {
			if _, err := w.Write(summary); err != nil {
				c.logger.Warn("Failed to write task result", "job_id", payload.JobID, "error", err)
			}
		}
	}

	c.logger.Info("Job completed", "job_id", payload.JobID, "duration_ms", res.ProcessingTime.Milliseconds())
	c.notify(ctx, payload.ChatID, res, nil)
	return nil
}

func (c *Consumer) notify(ctx context.Context, chatID int64, res *processor.ProcessResult, err error) {
	if c.notifier == nil || chatID == 0 {
		return
	}
	c.notifier.NotifyResult(ctx, chatID, res, err)
}

// GetStatistics returns consumer settings
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"backend":     "asynq",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}

// asynqLogger routes asynq's internal logging through zap
type asynqLogger struct {
	l *logging.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Zap().Sugar().Fatal(args...) }
