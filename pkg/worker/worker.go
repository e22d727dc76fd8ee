package worker

import (
	"sync/atomic"

	"github.com/hbomb79/Crate/pkg/logger"
)

var workerLogger = logger.Get("Worker")

type (
	WorkerWakeupChan chan int
	WorkerStatus     int

	// WorkerTaskFn is called repeatedly by a worker while it is awake. The
	// boolean return indicates whether any work was performed: when false,
	// the worker goes to sleep until it is woken by the pool.
	WorkerTaskFn func(Worker) (bool, error)

	Worker interface {
		Start()
		Status() WorkerStatus
		WakeupChan() WorkerWakeupChan
		Label() string
		Sleep() bool
		Close()
	}

	taskWorker struct {
		label         string
		task          WorkerTaskFn
		wakeupChan    WorkerWakeupChan
		currentStatus atomic.Int32
	}
)

const (
	SLEEPING WorkerStatus = iota
	WORKING
	FINISHED
)

func (s WorkerStatus) String() string {
	return []string{"SLEEPING", "WORKING", "FINISHED"}[s]
}

func NewWorker(label string, task WorkerTaskFn) *taskWorker {
	return &taskWorker{
		label:      label,
		task:       task,
		wakeupChan: make(WorkerWakeupChan),
	}
}

// Start runs the workers task until it reports no work was
// done, at which point the worker sleeps. The worker exits once
// its wakeup channel is closed.
func (worker *taskWorker) Start() {
	workerLogger.Emit(logger.NEW, "Starting worker %s\n", worker.label)
	worker.setStatus(WORKING)

	for {
		worked, err := worker.task(worker)
		if err != nil {
			workerLogger.Emit(logger.ERROR, "Worker %s task reported an error(%T): %v\n", worker.label, err, err)
		}

		if worked {
			continue
		}

		if !worker.Sleep() {
			break
		}
	}

	worker.setStatus(FINISHED)
	workerLogger.Emit(logger.STOP, "Worker %s has stopped\n", worker.label)
}

// Status returns the current status of this worker
func (worker *taskWorker) Status() WorkerStatus {
	return WorkerStatus(worker.currentStatus.Load())
}

func (worker *taskWorker) setStatus(status WorkerStatus) {
	worker.currentStatus.Store(int32(status))
}

func (worker *taskWorker) WakeupChan() WorkerWakeupChan {
	return worker.wakeupChan
}

// Close closes the Worker by closing the WakeChan.
// Note that this does not interupt currently running
// tasks.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

func (worker *taskWorker) Label() string {
	return worker.label
}

// Sleep puts a worker to sleep until it's wakeupChan is
// signalled from another goroutine. Returns false if the
// wakeup channel was closed, indicating the worker should quit.
func (worker *taskWorker) Sleep() (isAlive bool) {
	worker.setStatus(SLEEPING)

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.setStatus(WORKING)
	} else {
		workerLogger.Emit(logger.STOP, "Wakeup channel for worker '%v' has been closed, worker is exiting\n", worker.label)
		worker.setStatus(FINISHED)
	}

	return isAlive
}
