package worker

import (
	"container/list"
	"sync"
)

type ownerQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands jobs to the pool one owner at a time, round robin, so a
// chatty owner cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // intake for outer jobs
	onDrop   func(Job)

	mu        sync.Mutex
	queues    map[string]*ownerQueue // pending jobs per owner
	ready     *list.List             // owners with pending jobs, least recently served first
	positions map[string]*list.Element

	quit chan struct{}
	done chan struct{}
}

func NewDispatcher(pool *jobChannelPool, queueSize int, onDrop func(Job)) *Dispatcher {
	if onDrop == nil {
		onDrop = func(Job) {}
	}
	return &Dispatcher{
		pool:      pool,
		JobQueue:  make(chan Job, queueSize),
		onDrop:    onDrop,
		queues:    make(map[string]*ownerQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	go d.run()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // wait for work
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			return
		default:
		}
	}
}

// Stop ends dispatching and drops every job that never reached a worker.
func (d *Dispatcher) Stop() {
	close(d.quit)
	d.pool.close()
	<-d.done

drain:
	for {
		select {
		case job := <-d.JobQueue:
			d.onDrop(job)
		default:
			break drain
		}
	}
	d.mu.Lock()
	for owner, q := range d.queues {
		for _, job := range q.jobs {
			d.onDrop(job)
		}
		delete(d.queues, owner)
	}
	d.ready.Init()
	d.positions = make(map[string]*list.Element)
	d.mu.Unlock()
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.OwnerID]
	if q == nil {
		q = &ownerQueue{}
		d.queues[job.OwnerID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.OwnerID] = d.ready.PushBack(job.OwnerID)
}

// next pops the head job of the least recently served owner.
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	owner := elem.Value.(string)
	q := d.queues[owner]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, owner)
		delete(d.queues, owner)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}

func (d *Dispatcher) dispatchOne() bool {
	job, ok := d.next()
	if !ok {
		return false
	}
	workerChan, ok := d.pool.acquire()
	if !ok {
		d.onDrop(job)
		return false
	}
	debugLog("[dispatcher] assign job for owner %s to worker-%d", job.OwnerID, d.pool.workerID(workerChan))
	workerChan <- job
	return true
}
