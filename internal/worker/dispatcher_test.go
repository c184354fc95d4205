package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func shutdown(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestDispatcherRunsJobs(t *testing.T) {
	d := NewDispatcher(1, 4, 16, time.Minute)

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := d.Submit(Job{UserID: int64(i % 3), Name: "count", Run: func(context.Context) {
			defer wg.Done()
			ran.Add(1)
		}})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	wg.Wait()
	if got := ran.Load(); got != 10 {
		t.Fatalf("expected 10 jobs to run, got %d", got)
	}
	shutdown(t, d)
}

func TestDispatcherRejectsInvalidAndClosed(t *testing.T) {
	d := NewDispatcher(1, 1, 4, time.Minute)
	if err := d.Submit(Job{UserID: 1}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}
	shutdown(t, d)
	if err := d.Submit(Job{UserID: 1, Run: func(context.Context) {}}); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
}

func TestDispatcherBusyWhenQueueFull(t *testing.T) {
	d := NewDispatcher(1, 1, 1, time.Minute)
	release := make(chan struct{})
	started := make(chan struct{})

	// occupy the only worker
	if err := d.Submit(Job{UserID: 1, Run: func(context.Context) {
		close(started)
		<-release
	}}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started

	if err := d.Submit(Job{UserID: 2, Run: func(context.Context) {}}); err != nil {
		t.Fatalf("submit queued job: %v", err)
	}
	if err := d.Submit(Job{UserID: 3, Run: func(context.Context) {}}); !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy, got %v", err)
	}
	close(release)
	shutdown(t, d)
}

func TestDispatcherServesUsersRoundRobin(t *testing.T) {
	d := NewDispatcher(1, 1, 32, time.Minute)
	release := make(chan struct{})
	started := make(chan struct{})

	if err := d.Submit(Job{UserID: 99, Run: func(context.Context) {
		close(started)
		<-release
	}}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started

	var mu sync.Mutex
	var order []int64
	record := func(user int64) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			order = append(order, user)
			mu.Unlock()
		}
	}
	for i := 0; i < 3; i++ {
		if err := d.Submit(Job{UserID: 1, Run: record(1)}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := d.Submit(Job{UserID: 2, Run: record(2)}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	close(release)
	shutdown(t, d)

	want := []int64{1, 2, 1, 1}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestShutdownWaitsForRunningJobs(t *testing.T) {
	d := NewDispatcher(1, 2, 8, time.Minute)
	var finished atomic.Bool
	if err := d.Submit(Job{UserID: 1, Run: func(context.Context) {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	shutdown(t, d)
	if !finished.Load() {
		t.Fatalf("shutdown returned before the job finished")
	}
}

func TestJobTimeoutAndPanicRecovery(t *testing.T) {
	d := NewDispatcher(1, 1, 8, time.Minute)

	deadlineSeen := make(chan bool, 1)
	if err := d.Submit(Job{UserID: 1, Timeout: 10 * time.Millisecond, Run: func(ctx context.Context) {
		_, ok := ctx.Deadline()
		<-ctx.Done()
		deadlineSeen <- ok
	}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := d.Submit(Job{UserID: 1, Name: "boom", Run: func(context.Context) { panic("boom") }}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	after := make(chan struct{})
	if err := d.Submit(Job{UserID: 1, Run: func(context.Context) { close(after) }}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case ok := <-deadlineSeen:
		if !ok {
			t.Fatalf("job context had no deadline")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout job never finished")
	}
	select {
	case <-after:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not survive a panicking job")
	}
	shutdown(t, d)
}

func TestCancelUserDropsQueuedJobs(t *testing.T) {
	d := NewDispatcher(1, 1, 8, time.Minute)
	release := make(chan struct{})
	started := make(chan struct{})
	if err := d.Submit(Job{UserID: 1, Run: func(context.Context) {
		close(started)
		<-release
	}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	var ran, cancelled atomic.Int32
	for i := 0; i < 3; i++ {
		if err := d.Submit(Job{UserID: 7, Run: func(context.Context) { ran.Add(1) }, Cancel: func() { cancelled.Add(1) }}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if got := d.Queued(); got != 3 {
		t.Fatalf("expected 3 queued jobs, got %d", got)
	}
	d.CancelUser(7)
	if got := d.Queued(); got != 0 {
		t.Fatalf("expected empty queue after cancel, got %d", got)
	}
	if got := cancelled.Load(); got != 3 {
		t.Fatalf("expected 3 cancel callbacks, got %d", got)
	}
	close(release)
	shutdown(t, d)

	if got := ran.Load(); got != 0 {
		t.Fatalf("expected queued jobs to be dropped, %d ran", got)
	}
}

func TestPoolRetiresIdleWorkers(t *testing.T) {
	p := newWorkerPool(0, 3, time.Hour)
	defer p.close()
	for i := 0; i < 3; i++ {
		p.prestart()
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, idle := p.size(); idle == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workers never became idle")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.mu.Lock()
	for _, s := range p.idle {
		s.idleSince = time.Now().Add(-2 * time.Hour)
	}
	p.mu.Unlock()
	p.reapIdle()

	deadline = time.Now().Add(2 * time.Second)
	for {
		if live, _ := p.size(); live == 0 {
			break
		}
		if time.Now().After(deadline) {
			live, idle := p.size()
			t.Fatalf("expected all workers reaped, live=%d idle=%d", live, idle)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
