package jobstore

import (
	"context"
	"sync"

	"github.com/dukex/lessonflow/pkg/models"
)

// deliveryQueue hands jobs to one handler in FIFO order on a dedicated goroutine.
// Enqueue never blocks the writer.
type deliveryQueue struct {
	mu      sync.Mutex
	pending []*models.Job
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newDeliveryQueue(ctx context.Context, handler Handler) *deliveryQueue {
	q := &deliveryQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	go q.run(ctx, handler)

	return q
}

func (q *deliveryQueue) enqueue(job *models.Job) {
	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) run(ctx context.Context, handler Handler) {
	for {
		select {
		case <-q.done:
			return
		case <-ctx.Done():
			return
		case <-q.signal:
		}

		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()

				break
			}

			job := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			select {
			case <-q.done:
				return
			default:
			}

			handler(ctx, job)
		}
	}
}

// Close stops delivery. It does not wait for an in-flight handler, so a handler may close its own subscription.
func (q *deliveryQueue) Close() error {
	q.once.Do(func() { close(q.done) })

	return nil
}
