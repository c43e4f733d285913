package socket

import (
	"context"
	"sync"
)

// eventQueue runs engine callbacks raised inside Transport methods. push
// never blocks, so it is safe while the engine holds its lock.
type eventQueue struct {
	mu   sync.Mutex
	q    []func(Engine)
	wake chan struct{}
}

func (q *eventQueue) init() {
	q.wake = make(chan struct{}, 1)
}

func (q *eventQueue) push(f func(Engine)) {
	q.mu.Lock()
	q.q = append(q.q, f)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run(ctx context.Context, e Engine) error {
	for {
		q.mu.Lock()
		batch := q.q
		q.q = nil
		q.mu.Unlock()
		for _, f := range batch {
			f(e)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
	}
}
