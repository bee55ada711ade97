package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/go/sklog"
	"go.climref.org/infra/ref/go/types"
)

const (
	// workQueueKey holds execution ids awaiting a worker, newest on the
	// left, consumed from the right.
	workQueueKey = "ref:executions:work"
	// processingQueueKey holds ids a worker has popped but not yet
	// acknowledged. Items stranded here by a dead worker are requeued.
	processingQueueKey = "ref:executions:processing"
	// doneQueueKey receives "<id>:<status>" notifications from workers.
	doneQueueKey = "ref:executions:done"
	// deliveriesKey counts redeliveries per work item.
	deliveriesKey = "ref:executions:deliveries"
	// brpopTimeout bounds each blocking pop so the context is re-checked.
	brpopTimeout = time.Second
	// maxRedeliveries bounds how often a stranded work item is requeued
	// before it is dropped.
	maxRedeliveries = 3
	// brokerRetries bounds the backoff retries of each broker operation.
	brokerRetries = 5
)

// errQueueEmpty reports a blocking pop that timed out with nothing to do.
var errQueueEmpty = errors.New("queue empty")

// RedisQueue distributes executions to workers over a Redis list. The
// producer side enqueues pending execution ids and waits for completion
// notifications; workers in other processes pop ids into a processing list,
// run them against the shared store, and acknowledge by removing the item.
// Items stranded in the processing list by a dead worker are redelivered a
// bounded number of times; broker failures are retried with exponential
// backoff before surfacing.
type RedisQueue struct {
	client redis.UniversalClient
	runner *Runner
}

// NewRedisQueue returns a queue executor over the given client and runner.
func NewRedisQueue(client redis.UniversalClient, runner *Runner) *RedisQueue {
	return &RedisQueue{client: client, runner: runner}
}

// Name implements Executor.
func (q *RedisQueue) Name() string {
	return "redis-queue"
}

// newBrokerBackoff retries transient broker failures with exponential
// backoff before surfacing them.
func newBrokerBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, brokerRetries), ctx)
}

// pushWithRetry pushes value onto the named list, retrying transient broker
// failures.
func (q *RedisQueue) pushWithRetry(ctx context.Context, key, value string) error {
	op := func() error {
		return q.client.LPush(ctx, key, value).Err()
	}
	if err := backoff.Retry(op, newBrokerBackoff(ctx)); err != nil {
		return skerr.Wrapf(err, "pushing to %s", key)
	}
	return nil
}

// popWithRetry performs one blocking pop, retrying transient broker
// failures. Returns errQueueEmpty when the pop timed out.
func popWithRetry(ctx context.Context, pop func() (string, error)) (string, error) {
	var item string
	op := func() error {
		v, err := pop()
		if errors.Is(err, redis.Nil) {
			return backoff.Permanent(errQueueEmpty)
		}
		if err != nil {
			return err
		}
		item = v
		return nil
	}
	if err := backoff.Retry(op, newBrokerBackoff(ctx)); err != nil {
		return "", err
	}
	return item, nil
}

// Run implements Executor: requeues work stranded by dead workers, enqueues
// all pending executions and blocks until a worker has reported each of
// them, or the context is done.
func (q *RedisQueue) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	requeued, err := q.requeueOrphans(ctx)
	if err != nil {
		return summary, err
	}
	summary.Submitted += requeued

	pending, err := q.runner.store.PendingExecutions(ctx, 0)
	if err != nil {
		return summary, err
	}
	for i := range pending {
		if err := q.pushWithRetry(ctx, workQueueKey, strconv.FormatInt(pending[i].ID, 10)); err != nil {
			return summary, skerr.Wrapf(err, "enqueueing execution %d", pending[i].ID)
		}
		summary.Submitted++
	}
	if summary.Submitted == 0 {
		return summary, nil
	}
	sklog.Infof("Enqueued %d work item(s)", summary.Submitted)

	for remaining := summary.Submitted; remaining > 0; {
		res, err := popWithRetry(ctx, func() (string, error) {
			v, err := q.client.BRPop(ctx, brpopTimeout, doneQueueKey).Result()
			if err != nil {
				return "", err
			}
			// BRPop returns [key, value].
			return v[1], nil
		})
		if errors.Is(err, errQueueEmpty) {
			if ctx.Err() != nil {
				return summary, skerr.Wrap(ctx.Err())
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return summary, skerr.Wrap(ctx.Err())
			}
			return summary, skerr.Wrap(err)
		}
		_, status, err := parseDoneNotification(res)
		if err != nil {
			return summary, err
		}
		switch status {
		case types.StatusSucceeded:
			summary.Succeeded++
		case types.StatusFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
		remaining--
	}
	return summary, nil
}

// requeueOrphans returns work items stranded in the processing list by dead
// workers to the work queue. An item stranded more than maxRedeliveries
// times is dropped; its execution is reaped through the lost-worker path.
// Called before handing out new work, while no live worker holds a claim.
func (q *RedisQueue) requeueOrphans(ctx context.Context) (int, error) {
	var items []string
	op := func() error {
		v, err := q.client.LRange(ctx, processingQueueKey, 0, -1).Result()
		if err != nil {
			return err
		}
		items = v
		return nil
	}
	if err := backoff.Retry(op, newBrokerBackoff(ctx)); err != nil {
		return 0, skerr.Wrap(err)
	}
	requeued := 0
	for _, item := range items {
		if err := q.client.LRem(ctx, processingQueueKey, 1, item).Err(); err != nil {
			return requeued, skerr.Wrap(err)
		}
		deliveries, err := q.client.HIncrBy(ctx, deliveriesKey, item, 1).Result()
		if err != nil {
			return requeued, skerr.Wrap(err)
		}
		if deliveries > maxRedeliveries {
			sklog.Errorf("Work item %q stranded %d times; dropping", item, deliveries)
			if err := q.client.HDel(ctx, deliveriesKey, item).Err(); err != nil {
				return requeued, skerr.Wrap(err)
			}
			continue
		}
		sklog.Warningf("Requeueing stranded work item %q (delivery %d)", item, deliveries)
		if err := q.pushWithRetry(ctx, workQueueKey, item); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// Worker consumes the work queue until the context is done. Run one or
// more of these per worker process. Each item is moved to the processing
// list while it runs and acknowledged once its outcome is reported, so a
// worker death never loses the item.
func (q *RedisQueue) Worker(ctx context.Context) error {
	sklog.Infof("Redis worker started")
	for {
		item, err := popWithRetry(ctx, func() (string, error) {
			return q.client.BRPopLPush(ctx, workQueueKey, processingQueueKey, brpopTimeout).Result()
		})
		if errors.Is(err, errQueueEmpty) {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return skerr.Wrap(err)
		}
		id, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			sklog.Errorf("Malformed work item %q; dropping", item)
			q.ack(ctx, item)
			continue
		}
		status, err := q.runner.Run(ctx, id)
		if err != nil {
			// Store errors are reported to the producer; the execution is
			// recovered via the lost-worker path if it was left running.
			sklog.Errorf("Running execution %d: %s", id, err)
		}
		if err := q.pushWithRetry(ctx, doneQueueKey, fmt.Sprintf("%d:%s", id, status)); err != nil {
			return err
		}
		q.ack(ctx, item)
	}
}

// ack removes a completed work item from the processing list so it is never
// redelivered.
func (q *RedisQueue) ack(ctx context.Context, item string) {
	if err := q.client.LRem(ctx, processingQueueKey, 1, item).Err(); err != nil {
		sklog.Warningf("Acknowledging work item %q: %s", item, err)
	}
	if err := q.client.HDel(ctx, deliveriesKey, item).Err(); err != nil {
		sklog.Warningf("Clearing delivery count of %q: %s", item, err)
	}
}

func parseDoneNotification(s string) (int64, types.ExecutionStatus, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, "", skerr.Fmt("malformed done notification %q", s)
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", skerr.Fmt("malformed done notification %q", s)
	}
	return id, types.ExecutionStatus(parts[1]), nil
}
