package workerpool

import (
	"sync"

	"chatsync/pkg/logger"
)

// Task is a unit of work run by a pool worker.
type Task func()

// Pool runs submitted tasks on a fixed set of workers. With a single
// worker tasks run in submission order.
type Pool struct {
	name      string
	workers   int
	taskQueue chan Task
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(name string, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	pool := &Pool{
		name:      name,
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	logger.Info("Worker pool %s started (workers=%d, queue=%d)", name, workers, queueSize)
	return pool
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Worker pool %s: task panic recovered (worker=%d): %v", p.name, id, r)
				}
			}()
			task()
		}()
	}
}

// Submit blocks until the task is queued. It returns false once the pool is shut down.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.taskQueue <- task
	return true
}

// TrySubmit queues the task without blocking; false means the queue is full
// or the pool is shut down.
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting tasks, drains the queue and waits for workers.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.taskQueue)
	}
	p.mu.Unlock()
	p.wg.Wait()
	logger.Info("Worker pool %s shutdown completed", p.name)
}
