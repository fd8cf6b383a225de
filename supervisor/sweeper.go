package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"listing-scraper/queue"
)

// RetrySweeper periodically moves failed queue jobs back to pending.
type RetrySweeper struct {
	queue   queue.Client
	cron    *cron.Cron
	timeout time.Duration
	logger  logrus.FieldLogger
}

// NewRetrySweeper creates a sweeper over q.
func NewRetrySweeper(q queue.Client, logger logrus.FieldLogger) *RetrySweeper {
	return &RetrySweeper{
		queue:   q,
		cron:    cron.New(),
		timeout: 5 * time.Minute,
		logger:  logger,
	}
}

// Start runs the sweep on the standard five-field cron schedule.
func (r *RetrySweeper) Start(schedule string) error {
	if _, err := r.cron.AddFunc(schedule, r.RunNow); err != nil {
		return fmt.Errorf("supervisor: retry schedule %q: %w", schedule, err)
	}
	r.cron.Start()
	r.logger.Infof("[sweeper] Retry sweep scheduled: %s", schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *RetrySweeper) Stop() {
	<-r.cron.Stop().Done()
}

// RunNow performs one sweep synchronously.
func (r *RetrySweeper) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if _, err := queue.RetryAll(ctx, r.queue, r.logger); err != nil {
		r.logger.Errorf("[sweeper] Retry sweep failed: %v", err)
	}
}
