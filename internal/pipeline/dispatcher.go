package pipeline

import (
	"context"
	"errors"
	"log"
	"time"

	"ragbot/internal/queue"
)

// Dispatcher claims jobs off the shared queue and hands each one to an
// idle worker. Claiming blocks, so an empty queue costs nothing.
type Dispatcher struct {
	pool    *jobChannelPool
	queue   *queue.Queue
	manager *Manager
}

func NewDispatcher(minWorkers, maxWorkers int, q *queue.Queue, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		pool:    newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager),
		queue:   q,
		manager: manager,
	}
	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}
	return d
}

// Run claims and dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := d.queue.Claim(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) || errors.Is(err, context.Canceled) {
				continue
			}
			log.Printf("dispatcher: claim job: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		debugLog("[dispatcher] assign job %s stage %s", job.ID, job.Stage)
		ch := d.pool.acquire()
		ch <- job
	}
}

// Start runs the dispatcher on its own goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.Run(ctx)
}
