package worker

import (
	"errors"
	"sync"
)

var (
	ErrPoolStarted    = errors.New("worker pool already started")
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// WorkerPool owns a fixed set of workers which are started
// together, woken together, and closed together.
type WorkerPool struct {
	mutex   sync.Mutex
	workers []Worker
	wg      sync.WaitGroup
	started bool
}

func NewWorkerPool() *WorkerPool {
	return &WorkerPool{workers: make([]Worker, 0)}
}

// Start spawns a goroutine for each worker in the pool. Start
// does not block; use Close to stop the workers and wait
// for them to exit.
func (pool *WorkerPool) Start() error {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	if pool.started {
		return ErrPoolStarted
	}

	pool.started = true
	for _, worker := range pool.workers {
		pool.wg.Add(1)
		go func(w Worker) {
			defer pool.wg.Done()
			w.Start()
		}(worker)
	}

	return nil
}

// PushWorker adds the workers provided to the pool. Workers
// cannot be added once the pool has started.
func (pool *WorkerPool) PushWorker(workers ...Worker) error {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	if pool.started {
		return ErrPoolStarted
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// WakeupWorkers signals every sleeping worker in the pool. Workers
// that are busy are not waited on.
func (pool *WorkerPool) WakeupWorkers() error {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	if !pool.started {
		return ErrPoolNotStarted
	}

	for _, w := range pool.workers {
		if w.Status() == SLEEPING {
			select {
			case w.WakeupChan() <- 1:
			default:
			}
		}
	}

	return nil
}

func (pool *WorkerPool) Size() int {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	return len(pool.workers)
}

// Close closes the wakeup channel of every worker and waits for
// them to finish their current task.
func (pool *WorkerPool) Close() {
	pool.mutex.Lock()
	if !pool.started {
		pool.mutex.Unlock()
		return
	}
	for _, w := range pool.workers {
		w.Close()
	}
	pool.started = false
	pool.mutex.Unlock()

	pool.wg.Wait()
}
