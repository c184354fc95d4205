package worker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDispatcherBusy   = errors.New("worker: dispatcher queue is full")
	ErrDispatcherClosed = errors.New("worker: dispatcher is shut down")
	ErrInvalidJob       = errors.New("worker: job has no Run func")
)

// Job is a unit of background work owned by a user. Jobs of the same user
// run in submission order relative to each other's dispatch; users are served
// round robin.
type Job struct {
	UserID  int64
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context)
	// Cancel, when set, runs instead of Run if the job is dropped from the
	// queue by CancelUser.
	Cancel func()

	done func()
	stop bool
}

func (job Job) finish() {
	if job.done != nil {
		job.done()
	}
}
