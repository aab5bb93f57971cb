package queue

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"ragbot/internal/models"
	internalredis "ragbot/internal/redis"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Redis keys. Pending and working are lists of job ids; lease and delayed
// are zsets scored by deadline/ready-time in unix milliseconds; dead is the
// dead-letter list for operator inspection.
const (
	pendingKey = "jobs:pending"
	workingKey = "jobs:working"
	leaseKey   = "jobs:lease"
	delayedKey = "jobs:delayed"
	deadKey    = "jobs:dead"
)

const (
	defaultClaimTimeout = 5 * time.Second
	reaperInterval      = time.Second
)

// Store is the durable side of the queue: job rows live in the relational
// store, redis only carries ids and scheduling state.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	MarkJobRunning(ctx context.Context, id string) (int, error)
	MarkJobStatus(ctx context.Context, id string, status models.JobStatus, lastError string) error
}

// Queue hands jobs between pipeline stages. A claimed job holds a lease;
// if the worker dies before acking, the reaper re-queues the id once the
// lease expires, giving at-least-once execution.
type Queue struct {
	rdb          *internalredis.Client
	store        Store
	leaseTTL     time.Duration
	claimTimeout time.Duration
}

func New(rdb *internalredis.Client, store Store, leaseTTL time.Duration) *Queue {
	if leaseTTL <= 0 {
		leaseTTL = time.Minute
	}
	return &Queue{
		rdb:          rdb,
		store:        store,
		leaseTTL:     leaseTTL,
		claimTimeout: defaultClaimTimeout,
	}
}

// Enqueue persists the job row and makes it claimable.
func (q *Queue) Enqueue(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return err
	}
	if err := q.rdb.Raw().LPush(ctx, pendingKey, job.ID).Err(); err != nil {
		return fmt.Errorf("push job %s: %w", job.ID, err)
	}
	return nil
}

// Claim blocks up to the claim timeout for a job, takes a lease on it and
// marks it running. ErrEmpty means nothing was ready.
func (q *Queue) Claim(ctx context.Context) (*models.Job, error) {
	id, err := q.rdb.Raw().BLMove(ctx, pendingKey, workingKey, "RIGHT", "LEFT", q.claimTimeout).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	deadline := float64(time.Now().Add(q.leaseTTL).UnixMilli())
	if err := q.rdb.Raw().ZAdd(ctx, leaseKey, redis.Z{Score: deadline, Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("lease job %s: %w", id, err)
	}

	if _, err := q.store.MarkJobRunning(ctx, id); err != nil {
		q.release(ctx, id)
		q.requeue(ctx, id)
		return nil, err
	}
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		q.release(ctx, id)
		return nil, err
	}
	return job, nil
}

// Ack finishes a job successfully and drops its lease.
func (q *Queue) Ack(ctx context.Context, job *models.Job) error {
	q.release(ctx, job.ID)
	return q.store.MarkJobStatus(ctx, job.ID, models.JobSucceeded, "")
}

// Retry records a retryable failure. Under the attempt cap the job is
// scheduled back onto the queue after the computed backoff delay; at the
// cap it moves to the dead letter. Returns true when the job went dead.
func (q *Queue) Retry(ctx context.Context, job *models.Job, cause error, maxAttempts int, backoff Backoff) (bool, error) {
	q.release(ctx, job.ID)

	if job.Attempts >= maxAttempts {
		if err := q.bury(ctx, job, cause); err != nil {
			return true, err
		}
		return true, nil
	}

	if err := q.store.MarkJobStatus(ctx, job.ID, models.JobQueued, cause.Error()); err != nil {
		return false, err
	}
	readyAt := float64(time.Now().Add(backoff.Delay(job.Attempts)).UnixMilli())
	if err := q.rdb.Raw().ZAdd(ctx, delayedKey, redis.Z{Score: readyAt, Member: job.ID}).Err(); err != nil {
		return false, fmt.Errorf("delay job %s: %w", job.ID, err)
	}
	return false, nil
}

// Kill moves a job straight to the dead letter, bypassing retries. Used
// for failures classified as terminal.
func (q *Queue) Kill(ctx context.Context, job *models.Job, cause error) error {
	q.release(ctx, job.ID)
	return q.bury(ctx, job, cause)
}

func (q *Queue) bury(ctx context.Context, job *models.Job, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := q.store.MarkJobStatus(ctx, job.ID, models.JobDead, reason); err != nil {
		return err
	}
	if err := q.rdb.Raw().LPush(ctx, deadKey, job.ID).Err(); err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}
	log.Printf("job %s (%s) dead after %d attempts: %s", job.ID, job.Stage, job.Attempts, reason)
	return nil
}

func (q *Queue) release(ctx context.Context, id string) {
	pipe := q.rdb.Raw().Pipeline()
	pipe.LRem(ctx, workingKey, 0, id)
	pipe.ZRem(ctx, leaseKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("release job %s: %v", id, err)
	}
}

func (q *Queue) requeue(ctx context.Context, id string) {
	if err := q.rdb.Raw().LPush(ctx, pendingKey, id).Err(); err != nil {
		log.Printf("requeue job %s: %v", id, err)
	}
}

// Ping checks the queue's backing store.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx)
}

// StartReaper runs the background loop that promotes due delayed jobs and
// reclaims jobs whose lease expired (worker crashed mid-processing).
func (q *Queue) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.promoteDelayed(ctx)
				q.adoptOrphans(ctx)
				q.reclaimExpired(ctx)
			}
		}
	}()
}

func (q *Queue) promoteDelayed(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.Raw().ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		log.Printf("promote delayed jobs: %v", err)
		return
	}
	for _, id := range ids {
		removed, err := q.rdb.Raw().ZRem(ctx, delayedKey, id).Result()
		if err != nil || removed == 0 {
			continue // another instance promoted it
		}
		q.requeue(ctx, id)
	}
}

// adoptOrphans covers the crash window inside Claim: a worker that dies
// after the BLMove but before writing the lease leaves the id in the
// working list with no lease entry. Such ids get a lease here (NX, so a
// claim racing us keeps its own deadline) and flow through the normal
// expiry reclaim instead of being lost.
func (q *Queue) adoptOrphans(ctx context.Context) {
	ids, err := q.rdb.Raw().LRange(ctx, workingKey, 0, -1).Result()
	if err != nil {
		log.Printf("scan working jobs: %v", err)
		return
	}
	deadline := float64(time.Now().Add(q.leaseTTL).UnixMilli())
	for _, id := range ids {
		_, err := q.rdb.Raw().ZScore(ctx, leaseKey, id).Result()
		if err == nil {
			continue
		}
		if err != redis.Nil {
			log.Printf("check lease for job %s: %v", id, err)
			continue
		}
		if err := q.rdb.Raw().ZAddNX(ctx, leaseKey, redis.Z{Score: deadline, Member: id}).Err(); err != nil {
			log.Printf("adopt job %s: %v", id, err)
		}
	}
}

func (q *Queue) reclaimExpired(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.Raw().ZRangeByScore(ctx, leaseKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		log.Printf("reclaim leases: %v", err)
		return
	}
	for _, id := range ids {
		removed, err := q.rdb.Raw().ZRem(ctx, leaseKey, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		q.rdb.Raw().LRem(ctx, workingKey, 0, id)
		if err := q.store.MarkJobStatus(ctx, id, models.JobQueued, "lease expired"); err != nil {
			log.Printf("reclaim job %s: %v", id, err)
		}
		q.requeue(ctx, id)
		log.Printf("job %s lease expired, re-queued", id)
	}
}
