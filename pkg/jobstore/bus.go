package jobstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/lessonflow/pkg/eventbus"
	"github.com/dukex/lessonflow/pkg/events"
	"github.com/dukex/lessonflow/pkg/models"
	"github.com/dukex/lessonflow/pkg/persistence"
)

// BusStore persists jobs through a JobRepository and fans notifications out over the
// event bus keyed by resource id. The bus must be Subscribed after NewBusStore.
type BusStore struct {
	jobs      persistence.JobRepository
	publisher eventbus.EventPublisher
	logger    *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]map[*busSubscription]struct{}
}

// NewBusStore registers the job status handler on subscriber. Passing a nil subscriber
// gives a write-only store, as used by processors.
func NewBusStore(
	jobs persistence.JobRepository,
	publisher eventbus.EventPublisher,
	subscriber eventbus.EventSubscriber,
	logger *slog.Logger,
) (*BusStore, error) {
	store := &BusStore{
		jobs:        jobs,
		publisher:   publisher,
		logger:      logger.With("module", "bus_job_store"),
		subscribers: make(map[string]map[*busSubscription]struct{}),
	}

	if subscriber != nil {
		if err := subscriber.Handle(events.JobStatusChangedEvent, store.dispatch); err != nil {
			return nil, fmt.Errorf("failed to register job status handler: %w", err)
		}
	}

	return store, nil
}

func (b *BusStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return b.jobs.GetByID(ctx, jobID)
}

func (b *BusStore) Record(ctx context.Context, job *models.Job) error {
	if err := validateJob(job); err != nil {
		return err
	}

	if err := b.jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}

	event := &events.JobStatusChanged{
		BaseEvent: events.NewBaseEvent(events.JobStatusChangedEvent),
		Job:       *cloneJob(job),
	}

	if err := b.publisher.Publish(ctx, job.ResourceID, event); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}

	return nil
}

type busSubscription struct {
	store      *BusStore
	resourceID string
	queue      *deliveryQueue
}

func (s *busSubscription) Close() error {
	s.store.mu.Lock()
	delete(s.store.subscribers[s.resourceID], s)

	if len(s.store.subscribers[s.resourceID]) == 0 {
		delete(s.store.subscribers, s.resourceID)
	}
	s.store.mu.Unlock()

	return s.queue.Close()
}

func (b *BusStore) Subscribe(ctx context.Context, resourceID string, handler Handler) (Subscription, error) {
	sub := &busSubscription{
		store:      b,
		resourceID: resourceID,
		queue:      newDeliveryQueue(ctx, handler),
	}

	b.mu.Lock()
	if b.subscribers[resourceID] == nil {
		b.subscribers[resourceID] = make(map[*busSubscription]struct{})
	}

	b.subscribers[resourceID][sub] = struct{}{}
	b.mu.Unlock()

	return sub, nil
}

// dispatch runs on the bus consumer goroutine, which is sequential per topic.
func (b *BusStore) dispatch(_ context.Context, event any) error {
	changed, ok := event.(*events.JobStatusChanged)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers[changed.Job.ResourceID] {
		sub.queue.enqueue(cloneJob(&changed.Job))
	}

	return nil
}
