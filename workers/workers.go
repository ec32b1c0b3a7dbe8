// Package workers runs the relay's fire-and-forget background tasks: receipt
// persistence, dedup recording and usage accounting after a response has
// already been written. The queue is bounded; when it is full the task runs
// inline rather than being dropped.
package workers

import (
	"context"
	"sync"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
)

const defaultQueueSize = 256

// Task is one unit of background work. The context is the queue's lifecycle
// context, canceled on Stop.
type Task struct {
	Name string
	Run  func(ctx context.Context)
}

// Queue executes tasks sequentially on a single goroutine.
type Queue struct {
	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan Task
	wg     sync.WaitGroup
	once   sync.Once
}

// NewQueue creates a queue with the given capacity (defaultQueueSize when
// size <= 0).
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue{tasks: make(chan Task, size)}
}

// Start begins draining the queue until ctx is done or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-q.ctx.Done():
				q.drain()
				return
			case task := <-q.tasks:
				q.run(q.ctx, task)
			}
		}
	}()
	log.Infow("background queue started", "capacity", cap(q.tasks))
}

// Stop cancels the lifecycle context and waits for queued tasks to drain.
func (q *Queue) Stop() {
	q.once.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
		q.wg.Wait()
	})
}

// Enqueue schedules a task. When the queue is saturated the task runs inline
// so callers never lose work; after Stop it runs inline too.
func (q *Queue) Enqueue(name string, run func(ctx context.Context)) {
	task := Task{Name: name, Run: run}
	if q.ctx == nil || q.ctx.Err() != nil {
		q.run(context.Background(), task)
		return
	}
	select {
	case q.tasks <- task:
	default:
		log.Warnw("background queue saturated, running task inline", "task", name)
		q.run(q.ctx, task)
	}
}

// Pending returns the number of queued tasks, used by the health endpoint.
func (q *Queue) Pending() int {
	return len(q.tasks)
}

func (q *Queue) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnw("background task panicked", "task", task.Name, "panic", r)
		}
	}()
	start := time.Now()
	task.Run(ctx)
	if elapsed := time.Since(start); elapsed > time.Second {
		log.Debugw("slow background task", "task", task.Name, "took", elapsed.String())
	}
}

// drain runs whatever is still queued at shutdown with a fresh short-lived
// context, so receipts and dedup records written just before Stop survive.
func (q *Queue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case task := <-q.tasks:
			q.run(ctx, task)
		default:
			return
		}
	}
}
