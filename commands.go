package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"listing-scraper/models"
	"listing-scraper/queue"
	"listing-scraper/scraper/extract"
	"listing-scraper/scraper/fetcher"
	"listing-scraper/scraper/worker"
	"listing-scraper/services"
	"listing-scraper/storage"
	"listing-scraper/supervisor"
	"listing-scraper/utils"
)

func runSupervisor(ctx context.Context, a *app, _ []string) error {
	a.logger.Info("=== Listing scraper supervisor starting ===")
	a.logger.Infof("Config: workers %d | restart delay %v | kill timeout %v",
		a.cfg.Supervisor.WorkerCount, a.cfg.Supervisor.RestartDelay, a.cfg.Supervisor.KillTimeout)

	q := queue.Connect(ctx, a.cfg.Queue, a.logger)
	defer q.Close()
	if q.Ready() {
		if _, err := q.Recover(ctx); err != nil {
			a.logger.Warnf("[supervisor] Could not recover in-flight jobs: %v", err)
		}
	} else {
		a.logger.Error("[supervisor] Queue not initialized; workers will exit until Redis is reachable")
	}

	var sweeper *supervisor.RetrySweeper
	if a.cfg.Supervisor.RetrySchedule != "" && q.Ready() {
		sweeper = supervisor.NewRetrySweeper(q, a.logger)
		if err := sweeper.Start(a.cfg.Supervisor.RetrySchedule); err != nil {
			return err
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own binary: %w", err)
	}
	sup := supervisor.New(supervisor.NewExecSpawner(exe, []string{"worker"}, a.logger), a.cfg.Supervisor, a.logger)
	if err := sup.Start(a.cfg.Supervisor.WorkerCount); err != nil {
		return err
	}

	<-ctx.Done()
	a.logger.Info("[supervisor] Signal received, shutting down")
	if sweeper != nil {
		sweeper.Stop()
	}
	sup.Shutdown()
	return nil
}

func runWorker(ctx context.Context, a *app, _ []string) error {
	id := a.cfg.Worker.ID
	log := utils.NewWorkerLogger(a.logger, id)

	q := queue.Connect(ctx, a.cfg.Queue, log)
	defer q.Close()
	if !q.Ready() {
		return queue.ErrNotInitialized
	}

	mappings, scope := extract.DefaultMappings(), ""
	if a.cfg.Extract.MappingFile != "" {
		var err error
		if mappings, scope, err = extract.LoadMappingFile(a.cfg.Extract.MappingFile, mappings); err != nil {
			return err
		}
	}
	engine, err := extract.NewEngine(mappings, a.cfg.Extract.USDPerJPY, log)
	if err != nil {
		return err
	}

	rows, err := storage.OpenBatchWriter(storage.BatchPath(a.cfg.Store.BatchDir, id))
	if err != nil {
		return err
	}

	f := fetcher.New(a.cfg.Browser, log)
	if err := f.Start(ctx); err != nil {
		return err
	}
	defer f.Close()

	log.Infof("[worker] Writing rows to %s", rows.Path())
	return worker.New(a.cfg.Worker, q, f, engine, scope, rows, log).Run(ctx)
}

func runEnqueue(ctx context.Context, a *app, args []string) error {
	q := queue.Connect(ctx, a.cfg.Queue, a.logger)
	defer q.Close()
	if !q.Ready() {
		return queue.ErrNotInitialized
	}

	type target struct{ id, url string }
	var targets []target
	if len(args) > 0 {
		store := storage.LoadStoreOrEmpty(a.cfg.Store.Path, a.logger)
		for _, url := range args {
			id := uuid.NewString()
			if l, ok := store.FindByURL(url); ok && l.ID != "" {
				id = l.ID
			}
			targets = append(targets, target{id, url})
		}
	} else {
		jobs, err := storage.LoadFailedJobs(a.cfg.Store.FailedJobsPath)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			targets = append(targets, target{j.ID, j.URL})
		}
	}

	seen := utils.NewURLSet()
	queued := 0
	for _, t := range targets {
		if !seen.Add(t.url) {
			continue
		}
		if err := q.Enqueue(ctx, queue.NewJob(t.id, t.url)); err != nil {
			if errors.Is(err, queue.ErrInvalidJob) {
				a.logger.WithField("url", t.url).Warnf("[enqueue] Skipping: %v", err)
				continue
			}
			return err
		}
		queued++
	}
	a.logger.Infof("[enqueue] Queued %d of %d jobs", queued, len(targets))
	return nil
}

func runTransform(_ context.Context, a *app, args []string) error {
	files := args
	if len(files) == 0 {
		var err error
		if files, err = storage.BatchFiles(a.cfg.Store.BatchDir); err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("%w: no batch files in %s", storage.ErrNotFound, a.cfg.Store.BatchDir)
		}
	}

	lookup := storage.LoadStoreOrEmpty(a.cfg.Store.Path, a.logger)
	transformer := services.NewTransformer(services.NewReconciler(a.cfg.Store.StickyFields), a.logger)
	scraped := make(models.Store)

	for _, path := range files {
		batch, err := storage.LoadBatch(path)
		if err != nil {
			return err
		}
		out, _ := transformer.Transform(batch, lookup)
		for id, l := range out {
			lookup[id] = l
			scraped[id] = l
		}
		a.logger.Infof("[transform] %s: %d listings", path, len(out))
	}

	if err := storage.SaveStore(a.cfg.Store.ScrapedPath, scraped); err != nil {
		return err
	}
	a.logger.Infof("[transform] Wrote %d listings to %s", len(scraped), a.cfg.Store.ScrapedPath)
	return nil
}

func runMerge(ctx context.Context, a *app, args []string) error {
	basePath, incomingPath := a.cfg.Store.Path, a.cfg.Store.ScrapedPath
	if len(args) == 2 {
		basePath, incomingPath = args[0], args[1]
	} else if len(args) != 0 {
		return fmt.Errorf("merge takes zero or two paths, got %d", len(args))
	}

	incoming, err := storage.LoadStore(incomingPath)
	if err != nil {
		return err
	}
	base := storage.LoadStoreOrEmpty(basePath, a.logger)

	merger := services.NewMerger(services.NewReconciler(a.cfg.Store.StickyFields), a.logger)
	merged, counts := merger.Merge(base, incoming)

	writers := storage.MultiWriter{storage.NewJSONStoreWriter(basePath)}
	if a.cfg.PostgresDSN != "" {
		mirror, err := storage.NewPostgresMirror(ctx, a.cfg.PostgresDSN, a.logger)
		if err != nil {
			return err
		}
		writers = append(writers, mirror)
	}
	defer writers.Close()

	if err := writers.Write(merged); err != nil {
		return err
	}
	fmt.Printf("added: %d, updated: %d, total: %d\n", counts.Added, counts.Updated, counts.Total)
	return nil
}

func runTrackFailed(ctx context.Context, a *app, args []string) error {
	store, err := storage.LoadStore(a.cfg.Store.Path)
	if err != nil {
		return err
	}
	existing, err := storage.LoadFailedJobs(a.cfg.Store.FailedJobsPath)
	if err != nil {
		return err
	}

	tracker := services.NewFailedJobTracker(a.logger)
	jobs, report := tracker.Track(store, existing)

	if len(args) > 0 && args[0] == "--with-queue" {
		q := queue.Connect(ctx, a.cfg.Queue, a.logger)
		defer q.Close()
		failed, err := q.FailedJobs(ctx)
		if err != nil {
			return err
		}
		queued := make([]models.FailedJob, 0, len(failed))
		for _, j := range failed {
			queued = append(queued, j.AsFailedJob())
		}
		jobs = tracker.ApplyQueueState(jobs, queued)
	}
	if err := storage.SaveStore(a.cfg.Store.Path, store); err != nil {
		return err
	}

	writers := []storage.FailedJobWriter{storage.NewJSONFailedJobWriter(a.cfg.Store.FailedJobsPath)}
	if a.cfg.Store.FailedJobsCSV != "" {
		csv, err := storage.NewFailedJobsCSV(a.cfg.Store.FailedJobsCSV)
		if err != nil {
			return err
		}
		writers = append(writers, csv)
	}
	for _, w := range writers {
		if err := w.WriteFailed(jobs); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}

	fmt.Printf("failed jobs: %d (created %d, already tracked %d, pruned %d, skipped without url %d)\n",
		len(jobs), report.Created, report.AlreadyTracked, report.Pruned, report.SkippedNoURL)
	return nil
}

func runRetryFailed(ctx context.Context, a *app, _ []string) error {
	q := queue.Connect(ctx, a.cfg.Queue, a.logger)
	defer q.Close()

	report, err := queue.RetryAll(ctx, q, a.logger)
	if err != nil {
		return err
	}
	fmt.Printf("retried: %d, exhausted: %d, errors: %d\n", report.Retried, report.Exhausted, report.Errors)
	return nil
}

func runMigrateIDs(_ context.Context, a *app, _ []string) error {
	store, err := storage.LoadStore(a.cfg.Store.Path)
	if err != nil {
		return err
	}
	merger := services.NewMerger(services.NewReconciler(a.cfg.Store.StickyFields), a.logger)
	migrated, report, err := merger.MigrateIDs(store)
	if err != nil {
		return err
	}
	if report.Assigned == 0 && report.Rekeyed == 0 {
		a.logger.Info("[migrate] Store already keyed by id, nothing to do")
		return nil
	}
	return storage.SaveStore(a.cfg.Store.Path, migrated)
}

func runReport(ctx context.Context, a *app, args []string) error {
	var store models.Store
	if len(args) > 0 && args[0] == "--db" {
		if a.cfg.PostgresDSN == "" {
			return errors.New("report --db needs POSTGRES_DSN")
		}
		mirror, err := storage.NewPostgresMirror(ctx, a.cfg.PostgresDSN, a.logger)
		if err != nil {
			return err
		}
		defer mirror.Close()
		if store, err = mirror.FetchAll(ctx); err != nil {
			return err
		}
	} else {
		store = storage.LoadStoreOrEmpty(a.cfg.Store.Path, a.logger)
	}

	failed, err := storage.LoadFailedJobs(a.cfg.Store.FailedJobsPath)
	if err != nil {
		return err
	}

	svc := services.NewReportService(a.logger)
	svc.Print(os.Stdout, svc.Generate(store, failed))
	return nil
}
