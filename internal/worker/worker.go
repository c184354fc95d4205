package worker

import (
	"context"
	"log"
	"runtime/debug"
)

// Worker runs jobs handed to it over an unbuffered channel, one at a time.
type Worker struct {
	id   int
	pool *workerPool
	jobs chan Job
}

func NewWorker(id int, pool *workerPool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
		jobs: make(chan Job),
	}
}

// Start registers the worker as idle and serves jobs until told to stop.
func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.park(w.jobs) {
				w.pool.forget(w.jobs)
				return
			}
			job := <-w.jobs
			if job.stop {
				debugLog("worker stopped", "worker", w.id)
				w.pool.forget(w.jobs)
				return
			}
			w.execute(job)
		}
	}()
}

func (w *Worker) execute(job Job) {
	defer job.finish()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker-%d: job %s for user %d panicked: %v\n%s", w.id, job.Name, job.UserID, r, debug.Stack())
		}
	}()

	ctx := context.Background()
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	debugLog("job started", "worker", w.id, "job", job.Name, "user", job.UserID)
	job.Run(ctx)
	debugLog("job finished", "worker", w.id, "job", job.Name, "user", job.UserID)
}
