package worker

import (
	"sync"
	"time"
)

type workerMeta struct {
	id        int
	ch        chan Job
	lastUsed  time.Time
	started   bool // has reported idle at least once
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

type jobChannelPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*workerMeta
	metadata map[chan Job]*workerMeta
	min      int
	max      int
	running  int
	starting int // spawned workers that have not reported idle yet
	nextID   int
	expiry   time.Duration
	handle   func(Job)
	closed   bool

	quit    chan struct{}
	workers sync.WaitGroup
}

const defaultWorkerIdle = 30 * time.Second

func newJobChannelPool(minWorkers, maxWorkers int, idle time.Duration, handle func(Job)) *jobChannelPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if minWorkers < 0 {
		minWorkers = 0
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &jobChannelPool{
		metadata: make(map[chan Job]*workerMeta),
		min:      minWorkers,
		max:      maxWorkers,
		expiry:   idle,
		handle:   handle,
		quit:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.purgeStaleWorkers()
	return p
}

// warmUp starts the minimum number of workers ahead of the first job.
func (p *jobChannelPool) warmUp() {
	for i := 0; i < p.min; i++ {
		p.mu.Lock()
		worker := p.newWorkerLocked()
		p.mu.Unlock()
		if worker == nil {
			return
		}
		worker.Start()
	}
}

// newWorkerLocked registers a worker when the pool has room. Callers hold p.mu.
func (p *jobChannelPool) newWorkerLocked() *Worker {
	if p.closed || p.running >= p.max {
		return nil
	}
	p.nextID++
	worker := NewWorker(p.nextID, p)
	p.metadata[worker.jobChannel] = &workerMeta{id: p.nextID, ch: worker.jobChannel}
	p.running++
	p.starting++
	p.workers.Add(1)
	return worker
}

// acquire gets an idle worker, or spawns a new one. It reports false once the pool is closed.
func (p *jobChannelPool) acquire() (chan Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, false
		}
		if meta := p.popIdleLocked(); meta != nil {
			return meta.ch, true
		}
		// one spawn at a time; the new worker shows up in idle once it calls Release
		if p.starting == 0 {
			if worker := p.newWorkerLocked(); worker != nil {
				p.mu.Unlock()
				worker.Start()
				p.mu.Lock()
				continue
			}
		}
		p.cond.Wait()
	}
}

// Release adds an idle worker into the pool
func (p *jobChannelPool) Release(ch chan Job) {
	p.mu.Lock()
	meta, ok := p.metadata[ch]
	if ok && !meta.started {
		meta.started = true
		p.starting--
	}
	if !ok || p.closed || meta.discarded || meta.enqueued {
		p.mu.Unlock()
		return
	}
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Signal()
}

// retire deletes a worker
func (p *jobChannelPool) retire(ch chan Job) {
	p.mu.Lock()
	if meta, ok := p.metadata[ch]; ok {
		delete(p.metadata, ch)
		meta.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *jobChannelPool) workerID(ch chan Job) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if meta, ok := p.metadata[ch]; ok {
		return meta.id
	}
	return 0
}

func (p *jobChannelPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// popIdleLocked returns an idle worker if the pool has one
func (p *jobChannelPool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

// purgeStaleWorkers calls shutdownExpired every expiry period
func (p *jobChannelPool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.shutdownExpired()
		case <-p.quit:
			return
		}
	}
}

// shutdownExpired retires idle workers past expiry, keeping at least min alive
func (p *jobChannelPool) shutdownExpired() {
	var stale []*workerMeta
	now := time.Now()

	p.mu.Lock()
	if p.closed || len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0]
	for _, meta := range p.idle {
		if meta.discarded {
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			meta.discarded = true
			meta.enqueued = false
			stale = append(stale, meta)
			continue
		}
		remaining = append(remaining, meta)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		meta.ch <- Job{Type: Stop}
	}
}

// close stops handing out workers and wakes anyone blocked in acquire.
func (p *jobChannelPool) close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.quit)
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// shutdown stops every live worker after its current job and waits for them.
func (p *jobChannelPool) shutdown() {
	p.close()

	p.mu.Lock()
	var live []chan Job
	for ch, meta := range p.metadata {
		if meta.discarded {
			continue
		}
		meta.discarded = true
		live = append(live, ch)
	}
	p.idle = nil
	p.mu.Unlock()

	for _, ch := range live {
		ch <- Job{Type: Stop}
	}
	p.workers.Wait()
}
