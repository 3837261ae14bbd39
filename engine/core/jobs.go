package core

import (
	"fmt"
	"sync"
)

var ErrNoWorkers = fmt.Errorf("attempting to create job pool with less than 1 worker")
var ErrNegativeQueueSize = fmt.Errorf("attempting to create job pool with a negative queue size")

// Job is one unit of work. OnComplete, when set, runs on the worker
// goroutine after Work returns, with whatever error Work produced.
type Job struct {
	Work       func() error
	OnComplete func(err error)
}

// JobPool runs independent work items on a fixed set of goroutines. Submit
// blocks once the queue is full, which backpressures producers instead of
// growing without bound.
type JobPool struct {
	numWorkers int
	jobQueue   chan Job
	wg         sync.WaitGroup
}

func NewJobPool(numWorkers int, queueSize int) (*JobPool, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if queueSize < 0 {
		return nil, ErrNegativeQueueSize
	}

	jp := &JobPool{
		numWorkers: numWorkers,
		jobQueue:   make(chan Job, queueSize),
	}
	jp.start()
	return jp, nil
}

func (jp *JobPool) start() {
	for i := 0; i < jp.numWorkers; i++ {
		jp.wg.Add(1)
		go func() {
			defer jp.wg.Done()
			for job := range jp.jobQueue {
				err := job.Work()
				if err != nil {
					LogError("job failed: %s", err.Error())
				}
				if job.OnComplete != nil {
					job.OnComplete(err)
				}
			}
		}()
	}
}

// Submit queues the job for execution.
func (jp *JobPool) Submit(j Job) {
	jp.jobQueue <- j
}

// Go is the fire-and-forget form of Submit for work that cannot fail.
func (jp *JobPool) Go(fn func()) {
	jp.Submit(Job{Work: func() error {
		fn()
		return nil
	}})
}

// Shutdown stops accepting work and waits for in-flight jobs to finish.
func (jp *JobPool) Shutdown() {
	close(jp.jobQueue)
	jp.wg.Wait()
}
