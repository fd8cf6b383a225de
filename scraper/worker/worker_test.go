package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-scraper/config"
	"listing-scraper/models"
	"listing-scraper/queue"
	"listing-scraper/scraper/extract"
	"listing-scraper/scraper/fetcher"
	"listing-scraper/storage"
)

const (
	listingID = "0b4a3f8e-6c1d-4c5e-9a57-0f1b2c3d4e5f"

	detailPage = `<html><body>
<h1 class="property-detail__address">東京都世田谷区奥沢3-1</h1>
<span class="property-detail__price">6,930万円</span>
<span class="property-detail__layout">3LDK</span>
<ul class="property-tags"><li>renovated</li></ul>
<div class="property-gallery"><img src="https://img.example.com/1.jpg"></div>
</body></html>`

	untaggedPage = `<html><body>
<h1 class="property-detail__address">大阪府</h1>
<span class="property-detail__price">4,500万円</span>
</body></html>`
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]*fetcher.Result
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) *fetcher.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if res, ok := f.pages[url]; ok {
		return res
	}
	return &fetcher.Result{URL: url, Err: errors.New("fetcher: navigate: timeout")}
}

type harness struct {
	worker *Worker
	queue  *queue.RedisQueue
	batch  string
	fetch  *fakeFetcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()

	mr := miniredis.RunT(t)
	q := queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "w", 3, logger)
	t.Cleanup(func() { _ = q.Close() })

	engine, err := extract.NewEngine(extract.DefaultMappings(), 0.0067, logger)
	require.NoError(t, err)

	batchPath := storage.BatchPath(t.TempDir(), 1)
	rows, err := storage.OpenBatchWriter(batchPath)
	require.NoError(t, err)

	fetchedAt := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	f := &fakeFetcher{pages: map[string]*fetcher.Result{
		"https://listings.example.com/detail/1": {
			URL:         "https://listings.example.com/detail/1",
			HTML:        detailPage,
			FetchedAt:   fetchedAt,
			Coordinates: &fetcher.CoordinateResult{Lat: 35.6037, Long: 139.6691, Source: fetcher.SourceIntercept},
		},
		"https://listings.example.com/detail/2": {
			URL:       "https://listings.example.com/detail/2",
			HTML:      untaggedPage,
			FetchedAt: fetchedAt,
		},
	}}

	cfg := config.WorkerConfig{ID: 1, Concurrency: 2, PollTimeout: 100 * time.Millisecond}
	return &harness{
		worker: New(cfg, q, f, engine, "", rows, logger),
		queue:  q,
		batch:  batchPath,
		fetch:  f,
	}
}

func (h *harness) dequeue(t *testing.T, url string) *models.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.queue.Enqueue(ctx, queue.NewJob(listingID, url)))
	job, err := h.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	return job
}

func TestProcessWritesRowAndCompletes(t *testing.T) {
	h := newHarness(t)
	job := h.dequeue(t, "https://listings.example.com/detail/1")

	require.NoError(t, h.worker.Process(context.Background(), job))

	stats, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)

	b, err := storage.LoadBatch(h.batch)
	require.NoError(t, err)
	require.Equal(t, []string{listingID}, b.IDs)
	assert.Equal(t, []any{69300000.0}, b.Columns["price"])
	assert.Equal(t, []any{"https://listings.example.com/detail/1"}, b.Columns["listingUrl"])
	assert.Equal(t, []any{"35.6037,139.6691"}, b.Columns["latLongString"])
	assert.Equal(t, []any{map[string]any{"lat": 35.6037, "long": 139.6691}}, b.Columns["latLong"])
	assert.Equal(t, []any{"2024-03-01T09:00:00Z"}, b.Columns["scrapedAt"])
	assert.Equal(t, Stats{Completed: 1}, h.worker.Stats())
}

func TestProcessNavigationFailure(t *testing.T) {
	h := newHarness(t)
	job := h.dequeue(t, "https://listings.example.com/detail/404")

	err := h.worker.Process(context.Background(), job)
	assert.ErrorContains(t, err, models.ReasonNavigation)

	failed, err := h.queue.FailedJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, models.ReasonNavigation, failed[0].Reason)
	assert.Contains(t, failed[0].LastError, "timeout")

	_, err = storage.LoadBatch(h.batch)
	assert.ErrorIs(t, err, storage.ErrNotFound, "no row for a page that never loaded")
}

func TestProcessInterruptedFetchReturnsJobToQueue(t *testing.T) {
	h := newHarness(t)
	job := h.dequeue(t, "https://listings.example.com/detail/404")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.worker.Process(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)

	stats, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Pending: 1}, stats)

	failed, err := h.queue.FailedJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failed, "no retry is spent on a shutdown")
	assert.Equal(t, Stats{}, h.worker.Stats())
}

func TestProcessMissingRequiredFieldKeepsPartialRow(t *testing.T) {
	h := newHarness(t)
	job := h.dequeue(t, "https://listings.example.com/detail/2")

	err := h.worker.Process(context.Background(), job)
	assert.ErrorIs(t, err, extract.ErrRequiredMissing)

	failed, err := h.queue.FailedJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, models.ReasonRequiredField, failed[0].Reason)

	b, err := storage.LoadBatch(h.batch)
	require.NoError(t, err)
	assert.Equal(t, []any{"大阪府"}, b.Columns["address"])
	assert.Equal(t, Stats{Failed: 1}, h.worker.Stats())
}

func TestRunDrainsQueueUntilCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, url := range []string{"https://listings.example.com/detail/1", "https://listings.example.com/detail/2"} {
		require.NoError(t, h.queue.Enqueue(ctx, queue.NewJob(listingID, url)))
	}

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	assert.Eventually(t, func() bool {
		s := h.worker.Stats()
		return s.Completed == 1 && s.Failed == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRequiresQueue(t *testing.T) {
	logger, _ := test.NewNullLogger()
	w := New(config.WorkerConfig{ID: 1}, &queue.Disabled{}, &fakeFetcher{}, nil, "", nil, logger)
	assert.ErrorIs(t, w.Run(context.Background()), queue.ErrNotInitialized)
}

func TestBatchFeedsTransformer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.worker.Process(context.Background(), h.dequeue(t, "https://listings.example.com/detail/1")))

	b, err := storage.LoadBatch(h.batch)
	require.NoError(t, err)

	var l models.Listing
	row := map[string]any{}
	for name, col := range b.Columns {
		row[name] = col[0]
	}
	data, err := json.Marshal(row)
	require.NoError(t, err)
	require.NoError(t, l.UnmarshalJSON(data))

	assert.Equal(t, 69300000.0, *l.Price)
	assert.Equal(t, []string{"renovated"}, l.Tags)
	assert.Equal(t, &models.Coordinates{Lat: 35.6037, Long: 139.6691}, l.LatLong)
	assert.Equal(t, models.SchemaVersion, l.SchemaVersion)
	assert.Equal(t, "6,930万円", l.Original["price"])
}
