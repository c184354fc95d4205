package worker

import (
	"sync"
	"time"
)

// slot is the pool's view of one worker goroutine.
type slot struct {
	id        int
	ch        chan Job
	idleSince time.Time
	parked    bool // sitting in the idle list
	retired   bool
}

// workerPool grows between min and max workers on demand and reaps workers
// that stayed idle longer than idleTTL, never going below min.
type workerPool struct {
	mu      sync.Mutex
	freed   *sync.Cond
	idle    []*slot
	slots   map[chan Job]*slot
	min     int
	max     int
	live    int
	lastID  int
	idleTTL time.Duration
	closed  bool
	quit    chan struct{}
}

const defaultIdleTTL = 30 * time.Second

func newWorkerPool(minWorkers, maxWorkers int, idleTTL time.Duration) *workerPool {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	minWorkers = max(minWorkers, 0)
	maxWorkers = max(maxWorkers, minWorkers, 1)
	p := &workerPool{
		slots:   make(map[chan Job]*slot),
		min:     minWorkers,
		max:     maxWorkers,
		idleTTL: idleTTL,
		quit:    make(chan struct{}),
	}
	p.freed = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// prestart starts one more worker unless the pool is full.
func (p *workerPool) prestart() {
	p.mu.Lock()
	if p.closed || p.live >= p.max {
		p.mu.Unlock()
		return
	}
	w := p.addLocked()
	p.mu.Unlock()
	w.Start()
}

func (p *workerPool) addLocked() *Worker {
	p.lastID++
	w := NewWorker(p.lastID, p)
	p.slots[w.jobs] = &slot{id: p.lastID, ch: w.jobs}
	p.live++
	return w
}

// acquire blocks until a worker is idle, starting a new one while below max.
func (p *workerPool) acquire() *slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if s := p.takeIdleLocked(); s != nil {
			return s
		}
		if p.live < p.max {
			// the new worker parks itself once running
			w := p.addLocked()
			p.mu.Unlock()
			w.Start()
			p.mu.Lock()
			continue
		}
		p.freed.Wait()
	}
}

// park puts the worker back on the idle list. False means the worker has
// been retired or the pool closed, and it should exit.
func (p *workerPool) park(ch chan Job) bool {
	p.mu.Lock()
	s, ok := p.slots[ch]
	if !ok || s.retired || p.closed {
		p.mu.Unlock()
		return false
	}
	if !s.parked {
		s.parked = true
		s.idleSince = time.Now()
		p.idle = append(p.idle, s)
	}
	p.mu.Unlock()
	p.freed.Signal()
	return true
}

// forget drops an exiting worker from the books.
func (p *workerPool) forget(ch chan Job) {
	p.mu.Lock()
	if s, ok := p.slots[ch]; ok {
		delete(p.slots, ch)
		s.retired = true
		if p.live > 0 {
			p.live--
		}
	}
	p.mu.Unlock()
	p.freed.Broadcast()
}

func (p *workerPool) takeIdleLocked() *slot {
	for len(p.idle) > 0 {
		s := p.idle[0]
		p.idle = p.idle[1:]
		if s.retired {
			continue
		}
		s.parked = false
		return s
	}
	return nil
}

func (p *workerPool) reapLoop() {
	ticker := time.NewTicker(p.idleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.quit:
			return
		}
	}
}

// reapIdle stops workers idle for at least idleTTL while more than min live.
func (p *workerPool) reapIdle() {
	now := time.Now()
	var stale []*slot

	p.mu.Lock()
	if len(p.idle) == 0 || p.live <= p.min {
		p.mu.Unlock()
		return
	}
	kept := p.idle[:0]
	for _, s := range p.idle {
		if s.retired {
			continue
		}
		if now.Sub(s.idleSince) >= p.idleTTL && p.live-len(stale) > p.min {
			s.retired = true
			s.parked = false
			stale = append(stale, s)
			continue
		}
		kept = append(kept, s)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, s := range stale {
		debugLog("reaping idle worker", "worker", s.id)
		s.ch <- Job{stop: true}
	}
}

// close stops parked workers at once. Busy workers exit when they next park.
func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	parked := make([]chan Job, 0, len(p.idle))
	for _, s := range p.idle {
		s.parked = false
		if !s.retired {
			parked = append(parked, s.ch)
		}
	}
	p.idle = nil
	p.mu.Unlock()
	close(p.quit)
	p.freed.Broadcast()

	for _, ch := range parked {
		ch <- Job{stop: true}
	}
}

func (p *workerPool) size() (live, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, len(p.idle)
}
