package worker

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		defer w.pool.workers.Done()
		for {
			w.pool.Release(w.jobChannel)
			job := <-w.jobChannel
			if job.Type == Stop {
				debugLog("[worker-%d] stopping", w.id)
				w.pool.retire(w.jobChannel)
				return
			}
			w.pool.handle(job)
		}
	}()
}
