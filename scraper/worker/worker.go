// Package worker is the body of one supervised worker process: it pulls
// detail-page jobs from the queue, scrapes them and appends the results to
// the worker's own batch file.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"listing-scraper/config"
	"listing-scraper/models"
	"listing-scraper/queue"
	"listing-scraper/scraper/extract"
	"listing-scraper/scraper/fetcher"
	"listing-scraper/utils"
)

// PageFetcher loads a page. *fetcher.Fetcher satisfies it.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) *fetcher.Result
}

// RowWriter persists one scraped row. *storage.BatchWriter satisfies it.
type RowWriter interface {
	Append(id string, fields map[string]any) error
}

// Stats counts what a worker has done since it started.
type Stats struct {
	Completed int64
	Failed    int64
}

// Worker processes queue jobs until its context is cancelled.
type Worker struct {
	id          int
	queue       queue.Client
	fetcher     PageFetcher
	engine      *extract.Engine
	scope       string
	rows        RowWriter
	pool        *utils.WorkerPool
	pollTimeout time.Duration
	logger      logrus.FieldLogger

	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a worker. scope limits extraction to one element of the page
// when non-empty.
func New(cfg config.WorkerConfig, q queue.Client, f PageFetcher, engine *extract.Engine, scope string, rows RowWriter, logger logrus.FieldLogger) *Worker {
	return &Worker{
		id:          cfg.ID,
		queue:       q,
		fetcher:     f,
		engine:      engine,
		scope:       scope,
		rows:        rows,
		pool:        utils.NewWorkerPool(cfg.Concurrency, cfg.RateLimit),
		pollTimeout: cfg.PollTimeout,
		logger:      logger.WithField("worker_id", cfg.ID),
	}
}

// Run pulls jobs until ctx is done, then waits for in-flight jobs. It returns
// an error only when the queue is unusable.
func (w *Worker) Run(ctx context.Context) error {
	if !w.queue.Ready() {
		return queue.ErrNotInitialized
	}
	w.logger.Info("[worker] Waiting for jobs")
	defer w.pool.Wait()

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			w.logger.Infof("[worker] Stopping (completed %d, failed %d)", w.completed.Load(), w.failed.Load())
			return nil
		}

		job, err := w.queue.Dequeue(ctx, w.pollTimeout)
		switch {
		case err == nil:
			backoff = time.Second
		case errors.Is(err, queue.ErrEmpty), errors.Is(err, queue.ErrInvalidJob):
			continue
		case errors.Is(err, queue.ErrNotInitialized):
			return err
		case ctx.Err() != nil:
			continue
		default:
			w.logger.Errorf("[worker] Dequeue failed, backing off %v: %v", backoff, err)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		if err := w.pool.Submit(ctx, func(ctx context.Context) {
			_ = w.Process(ctx, job)
		}); err != nil {
			// shutting down before the job started: hand it back
			w.release(job)
		}
	}
}

// Process scrapes one job, writes its row and settles it on the queue.
func (w *Worker) Process(ctx context.Context, job *models.Job) error {
	log := w.logger.WithFields(logrus.Fields{"job_id": job.ID, "listing_id": job.ListingID, "url": job.URL})
	log.Info("[worker] Scraping")

	res := w.fetcher.Fetch(ctx, job.URL)
	if res.HTML == "" && ctx.Err() != nil {
		// interrupted by shutdown, not a page failure
		log.Info("[worker] Fetch interrupted, returning job to the queue")
		w.release(job)
		return ctx.Err()
	}
	if res.HTML == "" {
		cause := res.Err
		if cause == nil {
			cause = errors.New("empty page")
		}
		return w.fail(job, models.ReasonNavigation, cause, log)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.HTML))
	if err != nil {
		return w.fail(job, models.ReasonNavigation, fmt.Errorf("parse html: %w", err), log)
	}

	out := w.engine.Apply(doc, w.scope)
	fields := rowFields(job, res, out)
	if err := w.rows.Append(job.ListingID, fields); err != nil {
		// left in processing; Recover hands it back on the next start
		log.Errorf("[worker] Could not write row: %v", err)
		return err
	}

	if err := out.Err(); err != nil {
		return w.fail(job, models.ReasonRequiredField, err, log)
	}

	if err := w.queue.Complete(context.Background(), job); err != nil {
		log.Errorf("[worker] Could not complete job: %v", err)
		return err
	}
	w.completed.Add(1)
	log.WithField("coordinates", res.Coordinates != nil).Info("[worker] Saved listing")
	return nil
}

// rowFields assembles the batch row for one page. Coordinates won by the
// fetcher's race take precedence over ones parsed from the captured HTML.
func rowFields(job *models.Job, res *fetcher.Result, out *extract.Result) map[string]any {
	fields := make(map[string]any, len(out.Fields)+4)
	for k, v := range out.Fields {
		fields[k] = v
	}
	if c := res.Coordinates; c != nil {
		fields["latLong"] = models.Coordinates{Lat: c.Lat, Long: c.Long}
		fields["latLongString"] = fmt.Sprintf("%g,%g", c.Lat, c.Long)
	}
	fields["listingUrl"] = job.URL
	fields["scrapedAt"] = res.FetchedAt.UTC()
	if len(out.Raw) > 0 {
		fields["original"] = out.Raw
	}
	fields["schemaVersion"] = models.SchemaVersion
	return fields
}

func (w *Worker) fail(job *models.Job, reason string, cause error, log logrus.FieldLogger) error {
	w.failed.Add(1)
	// the job must be settled even when the worker is being stopped
	if err := w.queue.Fail(context.Background(), job, reason, cause); err != nil {
		log.Errorf("[worker] Could not mark job failed: %v", err)
		return err
	}
	return fmt.Errorf("worker: %s: %w", reason, cause)
}

func (w *Worker) release(job *models.Job) {
	if err := w.queue.Release(context.Background(), job); err != nil {
		w.logger.WithField("job_id", job.ID).Errorf("[worker] Could not release job: %v", err)
	}
}

// Stats returns the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{Completed: w.completed.Load(), Failed: w.failed.Load()}
}
