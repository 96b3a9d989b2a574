package jobs

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Task references one job waiting for pipeline work.
type Task struct {
	JobID string
}

// Processor runs the transcription pipeline for one task.
type Processor interface {
	Process(ctx context.Context, task Task) error
}

// Queue is an in-memory bounded queue of tasks with a worker pool.
type Queue struct {
	ch         chan Task
	workers    int
	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
	started    bool
	mu         sync.Mutex
}

func NewQueue(capacity, workers int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	if workers <= 0 {
		workers = 4
	}
	return &Queue{
		ch:      make(chan Task, capacity),
		workers: workers,
	}
}

// Start launches the worker goroutines.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, p, i)
	}
	q.started = true
	return nil
}

func (q *Queue) worker(ctx context.Context, p Processor, idx int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-q.ch:
			if !ok {
				return
			}
			start := time.Now()
			log.Printf("[worker %d] processing job %s", idx, task.JobID)
			if err := p.Process(ctx, task); err != nil {
				log.Printf("[worker %d] job %s failed after %s: %v", idx, task.JobID, time.Since(start).Round(time.Millisecond), err)
			} else {
				log.Printf("[worker %d] job %s done in %s", idx, task.JobID, time.Since(start).Round(time.Millisecond))
			}
		}
	}
}

// Enqueue adds a task without blocking; a full queue is an error.
func (q *Queue) Enqueue(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return errors.New("queue not started")
	}
	select {
	case q.ch <- task:
		return nil
	default:
		return errors.New("queue is full")
	}
}

// Shutdown stops accepting work and waits for in-flight tasks up to deadline.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.cancelOnce.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
		close(q.ch)

		done := make(chan struct{})
		go func() {
			defer close(done)
			q.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			log.Printf("queue shutdown deadline reached; workers may still be running")
		}
	})
}
