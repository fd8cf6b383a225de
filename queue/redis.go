package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"listing-scraper/config"
	"listing-scraper/models"
	"listing-scraper/utils"
)

var validate = validator.New()

// Connect builds a Redis-backed queue from cfg. A managed remote backend is
// selected with REDIS_URL, otherwise Addr/Password/DB point at a local one.
// When the backend cannot be reached the error is logged and a Disabled
// queue is returned instead.
func Connect(ctx context.Context, cfg config.QueueConfig, logger logrus.FieldLogger) Client {
	opts, err := redisOptions(cfg)
	if err != nil {
		logger.Errorf("[queue] Invalid Redis configuration: %v", err)
		return &Disabled{Cause: err}
	}

	rdb := redis.NewClient(opts)
	ping := utils.RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Logger: logger}
	if err := ping.Do(ctx, "redis ping", func() error { return rdb.Ping(ctx).Err() }); err != nil {
		logger.Errorf("[queue] Redis unavailable at %s: %v", opts.Addr, err)
		_ = rdb.Close()
		return &Disabled{Cause: err}
	}

	logger.Infof("[queue] Connected to Redis at %s (prefix %q)", opts.Addr, cfg.Prefix)
	return NewRedisQueue(rdb, cfg.Prefix, cfg.MaxRetries, logger)
}

func redisOptions(cfg config.QueueConfig) (*redis.Options, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("queue: parse REDIS_URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, nil
}

// RedisQueue keeps job bodies in a hash and job ids in two lists. Pending
// jobs are pushed on the left and taken from the right; Dequeue moves the id
// atomically to the processing list so a crashed worker loses nothing.
type RedisQueue struct {
	rdb        *redis.Client
	logger     logrus.FieldLogger
	maxRetries int

	pendingKey    string
	processingKey string
	jobsKey       string
	failedKey     string
}

// NewRedisQueue wraps an existing client. maxRetries of 0 means unlimited.
func NewRedisQueue(rdb *redis.Client, prefix string, maxRetries int, logger logrus.FieldLogger) *RedisQueue {
	return &RedisQueue{
		rdb:           rdb,
		logger:        logger,
		maxRetries:    maxRetries,
		pendingKey:    prefix + ":pending",
		processingKey: prefix + ":processing",
		jobsKey:       prefix + ":jobs",
		failedKey:     prefix + ":failed",
	}
}

func (q *RedisQueue) Ready() bool { return true }

// NewJob builds a detail-page job for an existing or freshly assigned listing id.
func NewJob(listingID, url string) *models.Job {
	return &models.Job{
		ID:         uuid.NewString(),
		ListingID:  listingID,
		URL:        url,
		Kind:       models.JobKindDetail,
		EnqueuedAt: time.Now().UTC(),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *models.Job) error {
	if err := validate.Struct(job); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobsKey, job.ID, data)
	pipe.LPush(ctx, q.pendingKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", job.ID, err)
	}

	q.logger.WithFields(logrus.Fields{"job_id": job.ID, "listing_id": job.ListingID, "url": job.URL}).
		Debug("[queue] Enqueued")
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	id, err := q.rdb.BLMove(ctx, q.pendingKey, q.processingKey, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}

	data, err := q.rdb.HGet(ctx, q.jobsKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		q.logger.WithField("job_id", id).Warn("[queue] Dropping job with no body")
		_ = q.rdb.LRem(ctx, q.processingKey, 1, id).Err()
		return nil, fmt.Errorf("%w: %s has no body", ErrInvalidJob, id)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load job %s: %w", id, err)
	}

	job := &models.Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, q.discard(ctx, id, err)
	}
	if err := validate.Struct(job); err != nil {
		return nil, q.discard(ctx, id, err)
	}
	return job, nil
}

func (q *RedisQueue) discard(ctx context.Context, id string, cause error) error {
	q.logger.WithField("job_id", id).Warnf("[queue] Dropping malformed job: %v", cause)
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey, 1, id)
	pipe.HDel(ctx, q.jobsKey, id)
	_, _ = pipe.Exec(ctx)
	return fmt.Errorf("%w: %s: %v", ErrInvalidJob, id, cause)
}

func (q *RedisQueue) Complete(ctx context.Context, job *models.Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey, 1, job.ID)
	pipe.HDel(ctx, q.jobsKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: complete %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, job *models.Job, reason string, cause error) error {
	job.Reason = reason
	job.FailedAt = time.Now().UTC()
	if cause != nil {
		job.LastError = cause.Error()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey, 1, job.ID)
	pipe.HDel(ctx, q.jobsKey, job.ID)
	pipe.HSet(ctx, q.failedKey, job.ID, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: fail %s: %w", job.ID, err)
	}

	q.logger.WithFields(logrus.Fields{"job_id": job.ID, "listing_id": job.ListingID, "reason": reason}).
		Warn("[queue] Job failed")
	return nil
}

func (q *RedisQueue) FailedJobs(ctx context.Context) ([]*models.Job, error) {
	values, err := q.rdb.HVals(ctx, q.failedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list failed: %w", err)
	}
	jobs := make([]*models.Job, 0, len(values))
	for _, v := range values {
		job := &models.Job{}
		if err := json.Unmarshal([]byte(v), job); err != nil {
			q.logger.Warnf("[queue] Skipping undecodable failed job: %v", err)
			continue
		}
		jobs = append(jobs, job)
	}
	sortJobs(jobs)
	return jobs, nil
}

func (q *RedisQueue) Retry(ctx context.Context, jobID string) (*models.Job, error) {
	data, err := q.rdb.HGet(ctx, q.failedKey, jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load failed job %s: %w", jobID, err)
	}

	job := &models.Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("queue: decode failed job %s: %w", jobID, err)
	}
	if q.maxRetries > 0 && job.RetryCount >= q.maxRetries {
		return job, fmt.Errorf("%w: %s after %d retries", ErrRetryLimit, jobID, job.RetryCount)
	}

	job.RetryCount++
	job.EnqueuedAt = time.Now().UTC()
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("queue: encode job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.failedKey, jobID)
	pipe.HSet(ctx, q.jobsKey, jobID, body)
	pipe.LPush(ctx, q.pendingKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: retry %s: %w", jobID, err)
	}
	return job, nil
}

func (q *RedisQueue) Release(ctx context.Context, job *models.Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey, 1, job.ID)
	pipe.RPush(ctx, q.pendingKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: release %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.rdb.LMove(ctx, q.processingKey, q.pendingKey, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("queue: recover: %w", err)
		}
		n++
	}
	if n > 0 {
		q.logger.Infof("[queue] Returned %d in-flight jobs to pending", n)
	}
	return n, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey)
	processing := pipe.LLen(ctx, q.processingKey)
	failed := pipe.HLen(ctx, q.failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return Stats{Pending: pending.Val(), Processing: processing.Val(), Failed: failed.Val()}, nil
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
