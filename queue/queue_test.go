package queue

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-scraper/config"
	"listing-scraper/models"
)

const testListingID = "0b4a3f8e-6c1d-4c5e-9a57-0f1b2c3d4e5f"

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	return logger
}

func newTestQueue(t *testing.T, maxRetries int) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueue(rdb, "test", maxRetries, newTestLogger())
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q, _ := newTestQueue(t, 5)
	ctx := context.Background()

	first := NewJob(testListingID, "https://listings.example.com/detail/1")
	second := NewJob(testListingID, "https://listings.example.com/detail/2")
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, first.URL, got.URL)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Processing: 1}, stats)

	require.NoError(t, q.Complete(ctx, got))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1}, stats)

	got, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t, 5)
	_, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	assert.True(t, errors.Is(err, ErrEmpty))
}

func TestEnqueueRejectsInvalidJob(t *testing.T) {
	q, _ := newTestQueue(t, 5)
	ctx := context.Background()

	bad := NewJob("not-a-uuid", "https://listings.example.com/detail/1")
	assert.True(t, errors.Is(q.Enqueue(ctx, bad), ErrInvalidJob))

	bad = NewJob(testListingID, "not a url")
	assert.True(t, errors.Is(q.Enqueue(ctx, bad), ErrInvalidJob))

	bad = NewJob(testListingID, "https://listings.example.com/detail/1")
	bad.Kind = "search"
	assert.True(t, errors.Is(q.Enqueue(ctx, bad), ErrInvalidJob))
}

func TestFailAndRetry(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, NewJob(testListingID, "https://listings.example.com/detail/1")))

	for attempt := 0; attempt < 2; attempt++ {
		job, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, job, models.ReasonNavigation, errors.New("timeout")))

		failed, err := q.FailedJobs(ctx)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, models.ReasonNavigation, failed[0].Reason)
		assert.Equal(t, "timeout", failed[0].LastError)
		assert.Equal(t, attempt, failed[0].RetryCount)

		retried, err := q.Retry(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt+1, retried.RetryCount)
	}

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, models.ReasonNavigation, nil))

	_, err = q.Retry(ctx, job.ID)
	assert.True(t, errors.Is(err, ErrRetryLimit))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, stats, "an exhausted job stays in the failed set")
}

func TestRetryUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	_, err := q.Retry(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestRetryUnlimited(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, NewJob(testListingID, "https://listings.example.com/detail/1")))

	for i := 0; i < 10; i++ {
		job, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, job, models.ReasonRequiredField, nil))
		_, err = q.Retry(ctx, job.ID)
		require.NoError(t, err)
	}
}

func TestRetryAll(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, NewJob(testListingID, "https://listings.example.com/detail/1")))
		job, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, job, models.ReasonNavigation, nil))
	}

	report, err := RetryAll(ctx, q, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Retried: 3}, report)

	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, job, models.ReasonNavigation, nil))
	}
	report, err = RetryAll(ctx, q, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Exhausted: 3}, report)
}

func TestRecoverReturnsInFlightJobs(t *testing.T) {
	q, _ := newTestQueue(t, 5)
	ctx := context.Background()

	job := NewJob(testListingID, "https://listings.example.com/detail/1")
	require.NoError(t, q.Enqueue(ctx, job))
	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestDequeueDropsMalformedBody(t *testing.T) {
	q, mr := newTestQueue(t, 5)
	mr.HSet("test:jobs", "bad", "{not json")
	_, err := mr.Lpush("test:pending", "bad")
	require.NoError(t, err)

	_, err = q.Dequeue(context.Background(), time.Second)
	assert.True(t, errors.Is(err, ErrInvalidJob))
	assert.False(t, mr.Exists("test:jobs"))
}

func TestConnectUnavailableReturnsDisabled(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	q := Connect(context.Background(), config.QueueConfig{Addr: addr, Prefix: "test"}, newTestLogger())
	assert.False(t, q.Ready())

	err := q.Enqueue(context.Background(), NewJob(testListingID, "https://listings.example.com/detail/1"))
	assert.True(t, errors.Is(err, ErrNotInitialized))
	_, err = q.Dequeue(context.Background(), time.Millisecond)
	assert.True(t, errors.Is(err, ErrNotInitialized))
	_, err = RetryAll(context.Background(), q, newTestLogger())
	assert.True(t, errors.Is(err, ErrNotInitialized))
	assert.NoError(t, q.Close())
}

func TestConnectPrefersURL(t *testing.T) {
	mr := miniredis.RunT(t)

	q := Connect(context.Background(), config.QueueConfig{
		URL:    "redis://" + mr.Addr() + "/0",
		Addr:   "127.0.0.1:1",
		Prefix: "test",
	}, newTestLogger())
	defer q.Close()
	assert.True(t, q.Ready())
}

func TestRedisOptionsRejectsBadURL(t *testing.T) {
	_, err := redisOptions(config.QueueConfig{URL: "http://nope"})
	assert.Error(t, err)
}

func TestReleaseReturnsJobToFront(t *testing.T) {
	q, _ := newTestQueue(t, 5)
	ctx := context.Background()

	first := NewJob(testListingID, "https://listings.example.com/detail/1")
	second := NewJob(testListingID, "https://listings.example.com/detail/2")
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, got))

	got, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, 0, got.RetryCount)
}
