package workers

import (
	"sync"
)

// WorkerPool manages a pool of workers that execute jobs concurrently.
// The bridge client uses it to process decrypted app requests off the
// read loop.
type WorkerPool struct {
	jobCh chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

// NewWorkerPool initializes a worker pool with a fixed number of workers.
func NewWorkerPool(workerCount, jobBufferSize int) *WorkerPool {
	wp := &WorkerPool{
		jobCh: make(chan func(), jobBufferSize),
	}
	for i := 0; i < workerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	for job := range wp.jobCh {
		job()
	}
}

// AddJob enqueues a job without blocking. Returns false when the queue is
// full and the job was dropped.
func (wp *WorkerPool) AddJob(job func()) bool {
	wp.wg.Add(1)
	select {
	case wp.jobCh <- func() {
		defer wp.wg.Done()
		job()
	}:
		return true
	default:
		wp.wg.Done()
		return false
	}
}

// Wait blocks until all enqueued jobs are completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Stop closes the job channel gracefully and waits for in-flight jobs.
func (wp *WorkerPool) Stop() {
	wp.once.Do(func() {
		close(wp.jobCh)
		wp.wg.Wait()
	})
}
