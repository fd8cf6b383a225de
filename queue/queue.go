// Package queue is the durable scrape job queue shared by the supervisor,
// its workers and the retry tooling. Jobs live in Redis so that they survive
// worker crashes and supervisor restarts.
package queue

import (
	"context"
	"errors"
	"time"

	"listing-scraper/models"
)

var (
	// ErrNotInitialized is returned by every operation of a queue whose
	// backend could not be reached at construction time.
	ErrNotInitialized = errors.New("queue: not initialized")
	// ErrEmpty means Dequeue timed out without a job.
	ErrEmpty = errors.New("queue: no job available")
	// ErrRetryLimit means a failed job has used up its retries.
	ErrRetryLimit = errors.New("queue: retry limit reached")
	// ErrJobNotFound means no failed job has the given id.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrInvalidJob wraps validation failures.
	ErrInvalidJob = errors.New("queue: invalid job")
)

// Stats is a point-in-time view of the queue sizes.
type Stats struct {
	Pending    int64
	Processing int64
	Failed     int64
}

// Client is the job queue as seen by its callers.
type Client interface {
	// Ready reports whether the backend is usable.
	Ready() bool
	Enqueue(ctx context.Context, job *models.Job) error
	// Dequeue waits up to timeout for the oldest pending job and moves it to
	// the processing set.
	Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error)
	Complete(ctx context.Context, job *models.Job) error
	// Fail moves an in-flight job to the failed set with reason.
	Fail(ctx context.Context, job *models.Job, reason string, cause error) error
	FailedJobs(ctx context.Context) ([]*models.Job, error)
	// Retry moves a failed job back to pending and increments its retry count.
	Retry(ctx context.Context, jobID string) (*models.Job, error)
	// Release hands an in-flight job back to the front of pending without
	// counting a retry.
	Release(ctx context.Context, job *models.Job) error
	// Recover returns jobs stranded in processing to pending.
	Recover(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Disabled is the queue handed out when the backend is unavailable. Every
// operation returns ErrNotInitialized.
type Disabled struct {
	Cause error
}

func (d *Disabled) Ready() bool { return false }

func (d *Disabled) Enqueue(context.Context, *models.Job) error { return d.err() }

func (d *Disabled) Dequeue(context.Context, time.Duration) (*models.Job, error) {
	return nil, d.err()
}

func (d *Disabled) Complete(context.Context, *models.Job) error { return d.err() }

func (d *Disabled) Fail(context.Context, *models.Job, string, error) error { return d.err() }

func (d *Disabled) FailedJobs(context.Context) ([]*models.Job, error) { return nil, d.err() }

func (d *Disabled) Retry(context.Context, string) (*models.Job, error) { return nil, d.err() }

func (d *Disabled) Release(context.Context, *models.Job) error { return d.err() }

func (d *Disabled) Recover(context.Context) (int, error) { return 0, d.err() }

func (d *Disabled) Stats(context.Context) (Stats, error) { return Stats{}, d.err() }

func (d *Disabled) Close() error { return nil }

func (d *Disabled) err() error {
	if d.Cause == nil {
		return ErrNotInitialized
	}
	return errors.Join(ErrNotInitialized, d.Cause)
}
