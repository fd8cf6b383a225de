package queue

import (
	"context"
	"errors"
	"sort"

	"github.com/sirupsen/logrus"

	"listing-scraper/models"
)

// SweepReport counts the outcome of RetryAll.
type SweepReport struct {
	Retried   int
	Exhausted int
	Errors    int
}

// RetryAll re-enqueues every failed job that still has retries left.
func RetryAll(ctx context.Context, q Client, logger logrus.FieldLogger) (SweepReport, error) {
	var report SweepReport
	jobs, err := q.FailedJobs(ctx)
	if err != nil {
		return report, err
	}

	for _, job := range jobs {
		_, err := q.Retry(ctx, job.ID)
		switch {
		case err == nil:
			report.Retried++
		case errors.Is(err, ErrRetryLimit):
			report.Exhausted++
		default:
			report.Errors++
			logger.WithField("job_id", job.ID).Errorf("[queue] Retry failed: %v", err)
		}
	}

	logger.Infof("[queue] Retry sweep: %d retried, %d exhausted, %d errors",
		report.Retried, report.Exhausted, report.Errors)
	return report, nil
}

// sortJobs orders jobs oldest failure first.
func sortJobs(jobs []*models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].FailedAt.Equal(jobs[j].FailedAt) {
			return jobs[i].FailedAt.Before(jobs[j].FailedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
