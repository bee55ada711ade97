package executor

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.climref.org/infra/ref/go/types"
)

func newRedisPairForTest(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})
	return srv, client
}

func newRedisForTest(t *testing.T) redis.UniversalClient {
	_, client := newRedisPairForTest(t)
	return client
}

func TestRedisQueue_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	h := newHarness(t)
	h.addExecution(t, "example", "global-mean-timeseries", "ds1", "hash-1")
	h.addExecution(t, "example", "global-mean-timeseries", "ds2", "hash-2")

	q := NewRedisQueue(newRedisForTest(t), h.runner)
	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- q.Worker(workerCtx)
	}()

	summary, err := q.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Submitted)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)

	stopWorker()
	require.NoError(t, <-workerDone)

	pending, err := h.store.PendingExecutions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRedisQueue_EmptyQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	q := NewRedisQueue(newRedisForTest(t), h.runner)
	summary, err := q.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Submitted)
}

func TestRedisQueue_WorkerReportsFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	h := newHarness(t, &failingProvider{})
	execution := h.addExecution(t, "broken", "always-fails", "ds1", "hash-1")

	q := NewRedisQueue(newRedisForTest(t), h.runner)
	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- q.Worker(workerCtx)
	}()

	summary, err := q.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	stopWorker()
	require.NoError(t, <-workerDone)

	got, err := h.store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
}

func TestRedisQueue_RequeuesStrandedItem(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	h := newHarness(t)
	execution := h.addExecution(t, "example", "global-mean-timeseries", "ds1", "hash-1")

	client := newRedisForTest(t)
	q := NewRedisQueue(client, h.runner)

	// A worker died after claiming the item but before running it.
	item := strconv.FormatInt(execution.ID, 10)
	require.NoError(t, client.LPush(ctx, processingQueueKey, item).Err())

	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- q.Worker(workerCtx)
	}()

	// The stranded copy is redelivered alongside the still-pending row; one
	// run succeeds, the duplicate is skipped.
	summary, err := q.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Submitted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Skipped)

	stopWorker()
	require.NoError(t, <-workerDone)

	got, err := h.store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, got.Status)

	// The acknowledged item leaves no delivery bookkeeping behind.
	deliveries, err := client.HGetAll(ctx, deliveriesKey).Result()
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestRedisQueue_DropsItemStrandedTooOften(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	client := newRedisForTest(t)
	q := NewRedisQueue(client, h.runner)
	require.NoError(t, client.LPush(ctx, processingQueueKey, "13").Err())
	require.NoError(t, client.HSet(ctx, deliveriesKey, "13", maxRedeliveries).Err())

	summary, err := q.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Submitted)

	workLen, err := client.LLen(ctx, workQueueKey).Result()
	require.NoError(t, err)
	assert.Zero(t, workLen)
	deliveries, err := client.HGetAll(ctx, deliveriesKey).Result()
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestRedisQueue_RetriesBrokerFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	h := newHarness(t)
	h.addExecution(t, "example", "global-mean-timeseries", "ds1", "hash-1")

	srv, client := newRedisPairForTest(t)
	q := NewRedisQueue(client, h.runner)

	// The broker errors every command for a while, then recovers; both the
	// producer and the worker ride it out.
	srv.SetError("LOADING Redis is loading the dataset in memory")
	time.AfterFunc(300*time.Millisecond, func() { srv.SetError("") })

	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- q.Worker(workerCtx)
	}()

	summary, err := q.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	stopWorker()
	require.NoError(t, <-workerDone)
}

func TestParseDoneNotification(t *testing.T) {
	id, status, err := parseDoneNotification("42:succeeded")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, types.StatusSucceeded, status)

	// A skipped execution reports an empty status.
	id, status, err = parseDoneNotification("7:")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, types.ExecutionStatus(""), status)

	_, _, err = parseDoneNotification("garbage")
	require.Error(t, err)
}
