/**
 * Redis Queue Consumer for the table analyst worker
 *
 * Simple Redis LIST protocol shared with non-Go producers:
 *   <queue>             list of job ids (LPUSH to enqueue, BRPOP to consume)
 *   <queue>:data        hash id -> RedisJobData JSON
 *   <queue>:processing  set of running job ids
 *   <queue>:completed   set of finished job ids, summaries in <queue>:results
 *   <queue>:failed      set of failed job ids, errors in <queue>:errors
 *   <queue>:events      pub/sub channel of status changes
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/tableanalyst-worker/internal/errors"
	"github.com/adverant/nexus/tableanalyst-worker/internal/logging"
	"github.com/adverant/nexus/tableanalyst-worker/internal/processor"
)

// Job statuses tracked in Redis
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

var errNoJobs = errors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.TableProcessor
	Notifier          Notifier
	Logger            *logging.Logger
	ProcessingTimeout time.Duration
	MaxRetries        int
}

// RedisConsumer handles job consumption from a Redis list
type RedisConsumer struct {
	client    redis.UniversalClient
	processor processor.TableProcessor
	notifier  Notifier
	logger    *logging.Logger
	config    *RedisConsumerConfig
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewRedisConsumer connects to Redis and prepares the workers
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c, err := newRedisConsumer(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

func newRedisConsumer(client redis.UniversalClient, cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "analysis:jobs"
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

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		notifier:  cfg.Notifier,
		logger:    logger.Named("redis-queue"),
		config:    cfg,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	return nil
}

// Stop stops fetching new jobs and waits for in-flight jobs to finish
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// Enqueue stores the job body and pushes its id onto the queue
func (c *RedisConsumer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	if payload.JobID == "" {
		payload.JobID = uuid.New().String()
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}

	job := RedisJobData{
		ID:         payload.JobID,
		Type:       TaskTypeAnalyzeTable,
		Payload:    *payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: c.config.MaxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key("data"), job.ID, data)
		pipe.LPush(ctx, c.config.QueueName, job.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return job.ID, nil
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
		}

		if err := c.processNextJob(); err != nil {
			if errors.Is(err, errNoJobs) || c.ctx.Err() != nil {
				continue
			}
			c.logger.Warn("Worker error", "worker", id, "error", err)
			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
			}
		}
	}
}

// bookkeeping timeouts for Redis writes and result notifications, which
// outlive a shutdown in progress
const (
	redisOpTimeout = 5 * time.Second
	notifyTimeout  = 30 * time.Second
)

// detached returns a context that ignores Stop but is bounded by timeout
func (c *RedisConsumer) detached(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.ctx), timeout)
}

// processNextJob fetches and processes the next job from the queue. Once a job
// id has been popped, everything runs detached from Stop: the job either
// finishes, is re-queued or is recorded as failed.
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}
	jobID := result[1]

	if c.ctx.Err() != nil {
		// Popped while stopping: hand it back to the front of the queue.
		c.requeueFront(jobID)
		return nil
	}

	ctx, cancel := c.detached(redisOpTimeout)
	raw, err := c.client.HGet(ctx, c.key("data"), jobID).Result()
	cancel()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.requeueFront(jobID)
		}
		return fmt.Errorf("failed to get job data for %s: %w", jobID, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.markFailed(jobID, err, 0)
		return fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}
	if err := job.Payload.Validate(); err != nil {
		c.markFailed(job.ID, err, job.Attempts)
		return err
	}

	c.setStatus(job.ID, StatusProcessing)
	c.logger.Info("Processing job", "job_id", job.ID, "attempt", job.Attempts+1, "filename", job.Payload.Filename)

	res, err := process(context.WithoutCancel(c.ctx), c.processor, &job.Payload, c.config.ProcessingTimeout)
	if err != nil {
		job.Attempts++
		if !permanent(err) && job.Attempts < job.MaxRetries {
			rqErr := c.retry(&job)
			if rqErr == nil {
				c.logger.Warn("Job re-queued for retry", "job_id", job.ID, "attempt", job.Attempts, "max_retries", job.MaxRetries, "error", err)
				return nil
			}
			c.logger.Error("Failed to re-queue job", "job_id", job.ID, "error", rqErr)
		}
		c.markFailed(job.ID, err, job.Attempts)
		c.notify(job.Payload.ChatID, nil, err)
		return nil
	}

	c.complete(job.ID, res)
	c.logger.Info("Job completed", "job_id", job.ID, "duration_ms", res.ProcessingTime.Milliseconds())
	c.notify(job.Payload.ChatID, res, nil)
	return nil
}

// requeueFront pushes a job id back to the consuming end of the list
func (c *RedisConsumer) requeueFront(jobID string) {
	ctx, cancel := c.detached(redisOpTimeout)
	defer cancel()
	if err := c.client.RPush(ctx, c.config.QueueName, jobID).Err(); err != nil {
		c.logger.Error("Failed to return job to queue", "job_id", jobID, "error", err)
		return
	}
	c.logger.Info("Job returned to queue", "job_id", jobID)
}

// retry stores the bumped attempt count and pushes the job to the back of the queue
func (c *RedisConsumer) retry(job *RedisJobData) error {
	updated, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ctx, cancel := c.detached(redisOpTimeout)
	defer cancel()
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key("data"), job.ID, updated)
		pipe.SRem(ctx, c.key("processing"), job.ID)
		pipe.LPush(ctx, c.config.QueueName, job.ID)
		return nil
	})
	return err
}

func (c *RedisConsumer) complete(jobID string, res *processor.ProcessResult) {
	summary, err := json.Marshal(summarize(res))
	if err != nil {
		c.logger.Warn("Failed to encode job summary", "job_id", jobID, "error", err)
		summary = []byte("{}")
	}

	ctx, cancel := c.detached(redisOpTimeout)
	err = c.client.HSet(ctx, c.key("results"), jobID, summary).Err()
	cancel()
	if err != nil {
		c.logger.Warn("Failed to store job summary", "job_id", jobID, "error", err)
	}

	c.setStatus(jobID, StatusCompleted)

	ctx, cancel = c.detached(redisOpTimeout)
	defer cancel()
	if err := c.client.HDel(ctx, c.key("data"), jobID).Err(); err != nil {
		c.logger.Warn("Failed to remove job data", "job_id", jobID, "error", err)
	}
}

func (c *RedisConsumer) notify(chatID int64, res *processor.ProcessResult, err error) {
	if c.notifier == nil || chatID == 0 {
		return
	}
	ctx, cancel := c.detached(notifyTimeout)
	defer cancel()
	c.notifier.NotifyResult(ctx, chatID, res, err)
}

func (c *RedisConsumer) markFailed(jobID string, err error, attempts int) {
	info := map[string]interface{}{
		"error":    err.Error(),
		"attempts": attempts,
	}
	if pe, ok := errors.AsProcessingError(err); ok {
		info = pe.ToMap()
		info["attempts"] = attempts
	}
	data, _ := json.Marshal(info)

	ctx, cancel := c.detached(redisOpTimeout)
	hsetErr := c.client.HSet(ctx, c.key("errors"), jobID, data).Err()
	cancel()
	if hsetErr != nil {
		c.logger.Warn("Failed to store job error", "job_id", jobID, "error", hsetErr)
	}

	c.setStatus(jobID, StatusFailed)
	c.logger.Error("Job failed", "job_id", jobID, "attempts", attempts, "error", err)
}

// setStatus moves a job between status sets and publishes the change
func (c *RedisConsumer) setStatus(jobID, status string) {
	ctx, cancel := c.detached(redisOpTimeout)
	defer cancel()

	pipe := c.client.Pipeline()
	switch status {
	case StatusProcessing:
		pipe.SAdd(ctx, c.key("processing"), jobID)
	case StatusCompleted, StatusFailed:
		pipe.SRem(ctx, c.key("processing"), jobID)
		pipe.SAdd(ctx, c.key(status), jobID)
	}

	event, _ := json.Marshal(map[string]interface{}{
		"event":     "job:" + status,
		"jobId":     jobID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	pipe.Publish(ctx, c.key("events"), event)

	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("Failed to update job status in Redis", "job_id", jobID, "status", status, "error", err)
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
