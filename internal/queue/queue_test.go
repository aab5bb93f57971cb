package queue

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"ragbot/internal/config"
	"ragbot/internal/models"
	"ragbot/internal/redis"
)

type memStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*models.Job)}
}

func (s *memStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	cp.Status = models.JobQueued
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("job not found")
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) MarkJobRunning(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return 0, errors.New("job not found")
	}
	job.Attempts++
	job.Status = models.JobRunning
	return job.Attempts, nil
}

func (s *memStore) MarkJobStatus(ctx context.Context, id string, status models.JobStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return errors.New("job not found")
	}
	job.Status = status
	job.LastError = lastError
	return nil
}

func (s *memStore) status(id string) models.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Status
}

func newTestQueue(t *testing.T, leaseTTL time.Duration) (*Queue, *memStore) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed queue tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{Host: host, Port: port},
	}
	client, err := redis.NewClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Raw().FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush db: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	store := newMemStore()
	q := New(client, store, leaseTTL)
	q.claimTimeout = time.Second
	return q, store
}

func TestEnqueueClaimAck(t *testing.T) {
	q, store := newTestQueue(t, time.Minute)
	ctx := context.Background()

	job := &models.Job{ConversationID: 1, MessageID: 2, Stage: models.StageRetrieve, Payload: models.JobPayload{Query: "q"}}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.ID == "" {
		t.Fatalf("enqueue should assign an id")
	}

	claimed, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != job.ID || claimed.Attempts != 1 || claimed.Status != models.JobRunning {
		t.Fatalf("unexpected claimed job %+v", claimed)
	}

	if err := q.Ack(ctx, claimed); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if store.status(job.ID) != models.JobSucceeded {
		t.Fatalf("job should be succeeded")
	}

	if _, err := q.Claim(ctx); !errors.Is(err, ErrEmpty) {
		t.Fatalf("queue should be empty, got %v", err)
	}
}

func TestRetrySchedulesDelayedJob(t *testing.T) {
	q, store := newTestQueue(t, time.Minute)
	ctx := context.Background()

	job := &models.Job{Stage: models.StageGenerate, Payload: models.JobPayload{Query: "q"}}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	backoff := Backoff{Base: 10 * time.Millisecond, Multiplier: 1}
	buried, err := q.Retry(ctx, claimed, errors.New("model overloaded"), 3, backoff)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if buried {
		t.Fatalf("first retry must not bury")
	}
	if store.status(job.ID) != models.JobQueued {
		t.Fatalf("retried job should be queued")
	}

	// The reaper promotes the job once the delay elapses.
	reaperCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	q.StartReaper(reaperCtx)

	claimed2 := claimEventually(t, q)
	if claimed2.ID != job.ID || claimed2.Attempts != 2 {
		t.Fatalf("unexpected second claim %+v", claimed2)
	}
}

// claimEventually retries claiming across reaper ticks.
func claimEventually(t *testing.T, q *Queue) *models.Job {
	t.Helper()
	for i := 0; i < 5; i++ {
		job, err := q.Claim(context.Background())
		if err == nil {
			return job
		}
		if !errors.Is(err, ErrEmpty) {
			t.Fatalf("claim: %v", err)
		}
	}
	t.Fatalf("job never became claimable")
	return nil
}

func TestRetryBuriesAtAttemptCap(t *testing.T) {
	q, store := newTestQueue(t, time.Minute)
	ctx := context.Background()

	job := &models.Job{Stage: models.StageSend, Payload: models.JobPayload{ReplyText: "r"}}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	buried, err := q.Retry(ctx, claimed, errors.New("gateway down"), 1, Backoff{})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !buried {
		t.Fatalf("attempt cap should bury the job")
	}
	if store.status(job.ID) != models.JobDead {
		t.Fatalf("buried job should be dead")
	}

	dead, err := q.rdb.Raw().LRange(ctx, deadKey, 0, -1).Result()
	if err != nil {
		t.Fatalf("read dead letter: %v", err)
	}
	if len(dead) != 1 || dead[0] != job.ID {
		t.Fatalf("dead letter missing job: %v", dead)
	}
}

func TestReaperAdoptsClaimWithoutLease(t *testing.T) {
	q, store := newTestQueue(t, 50*time.Millisecond)
	ctx := context.Background()

	job := &models.Job{Stage: models.StageRetrieve, Payload: models.JobPayload{Query: "q"}}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Simulate a worker dying between the claim move and the lease write:
	// the id sits in the working list with no lease entry.
	if err := q.rdb.Raw().LMove(ctx, pendingKey, workingKey, "RIGHT", "LEFT").Err(); err != nil {
		t.Fatalf("move to working: %v", err)
	}

	reaperCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	q.StartReaper(reaperCtx)

	claimed := claimEventually(t, q)
	if claimed.ID != job.ID || claimed.Attempts != 1 {
		t.Fatalf("unexpected recovered job %+v", claimed)
	}
	if store.status(job.ID) != models.JobRunning {
		t.Fatalf("recovered job should be running")
	}
}

func TestReaperReclaimsExpiredLease(t *testing.T) {
	q, store := newTestQueue(t, 50*time.Millisecond)
	ctx := context.Background()

	job := &models.Job{Stage: models.StageRetrieve, Payload: models.JobPayload{Query: "q"}}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Simulate a crashed worker: never ack, let the lease lapse.
	reaperCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	q.StartReaper(reaperCtx)

	claimed := claimEventually(t, q)
	if claimed.ID != job.ID || claimed.Attempts != 2 {
		t.Fatalf("unexpected reclaimed job %+v", claimed)
	}
	if store.status(job.ID) != models.JobRunning {
		t.Fatalf("reclaimed job should be running again")
	}
}
