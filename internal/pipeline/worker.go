package pipeline

import "ragbot/internal/models"

type worker struct {
	pool       *jobChannelPool
	manager    *Manager
	jobChannel chan *models.Job
}

func newWorker(pool *jobChannelPool, manager *Manager) *worker {
	return &worker{
		pool:       pool,
		manager:    manager,
		jobChannel: make(chan *models.Job),
	}
}

func (w *worker) Start() {
	go func() {
		for job := range w.jobChannel {
			if job == nil {
				w.pool.retire(w.jobChannel)
				return
			}
			w.manager.Execute(job)
			w.pool.Release(w.jobChannel)
		}
	}()
}
