package worker

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher runs background jobs on a bounded worker pool. Each user has a
// queue of its own and users take turns, so one busy user cannot starve the
// others.
type Dispatcher struct {
	pool      *workerPool
	queueSize int

	mu        sync.Mutex
	closed    bool
	queued    int                  // jobs waiting in user queues
	queues    map[int64]*userQueue // job queue for each user
	ready     *list.List           // LRU queue storing user IDs
	positions map[int64]*list.Element

	pending sync.WaitGroup
	wake    chan struct{}
	quit    chan struct{}
	stopped chan struct{}
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		pool:      newWorkerPool(minWorkers, maxWorkers, idleTimeout),
		queueSize: queueSize,
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	// warm up workers
	for i := 0; i < minWorkers; i++ {
		d.pool.prestart()
	}

	go d.run()
	return d
}

// Submit queues job without blocking. A full queue yields ErrDispatcherBusy
// and the caller decides whether to run the work itself.
func (d *Dispatcher) Submit(job Job) error {
	if job.Run == nil {
		return ErrInvalidJob
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	if d.queued >= d.queueSize {
		d.mu.Unlock()
		return ErrDispatcherBusy
	}
	d.pending.Add(1)
	job.done = d.pending.Done
	d.enqueueJobLocked(job)
	d.mu.Unlock()

	debugLog("job submitted", "job", job.Name, "user", job.UserID)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Shutdown stops accepting jobs, lets queued and running jobs finish and
// stops the workers. It returns ctx.Err() if that takes too long.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.quit)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-d.stopped
		d.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.pool.close()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queued reports how many jobs wait for a worker.
func (d *Dispatcher) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		if !d.hasReady() {
			select {
			case <-d.wake:
			case <-d.quit:
				// no Submit succeeds after quit, so an empty queue stays empty
				if !d.hasReady() {
					return
				}
			}
			continue
		}
		// the job is picked only once a worker is free, so jobs queued or
		// cancelled meanwhile are taken into account
		worker := d.pool.acquire()
		job, ok := d.popNext()
		if !ok {
			d.pool.park(worker.ch)
			continue
		}
		debugLog("job assigned", "job", job.Name, "user", job.UserID, "worker", worker.id)
		worker.ch <- job
	}
}

// CancelUser drops the user's queued jobs. Running jobs are not interrupted.
func (d *Dispatcher) CancelUser(userID int64) {
	d.mu.Lock()
	var dropped []Job
	if q, ok := d.queues[userID]; ok {
		dropped = q.jobs
		d.queued -= len(q.jobs)
		delete(d.queues, userID)
	}
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
	d.mu.Unlock()

	for _, job := range dropped {
		debugLog("job cancelled", "job", job.Name, "user", userID)
		if job.Cancel != nil {
			job.Cancel()
		}
		job.finish()
	}
}

func (d *Dispatcher) hasReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready.Len() > 0
}

func (d *Dispatcher) enqueueJobLocked(job Job) {
	userID := job.UserID
	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	d.queued++
	if q.enqueued {
		// user already enqueue, skip
		return
	}
	// new user, enqueue
	q.enqueued = true
	d.positions[userID] = d.ready.PushBack(userID)
}

// popNext takes one job of the user in front of the LRU queue
func (d *Dispatcher) popNext() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	d.queued--
	if len(q.jobs) == 0 {
		// user only have one job, it'll be handled, user needs to quit queue
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		// get to the back of queue
		d.ready.MoveToBack(elem)
	}
	return job, true
}
