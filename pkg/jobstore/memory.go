package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/dukex/lessonflow/pkg/models"
	"github.com/dukex/lessonflow/pkg/persistence"
)

// MemoryStore keeps jobs in process. Suitable for tests and single-binary deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*models.Job
	subscribers map[string]map[*memorySubscription]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*models.Job),
		subscribers: make(map[string]map[*memorySubscription]struct{}),
	}
}

type memorySubscription struct {
	store      *MemoryStore
	resourceID string
	queue      *deliveryQueue
}

func (s *memorySubscription) Close() error {
	s.store.mu.Lock()
	delete(s.store.subscribers[s.resourceID], s)

	if len(s.store.subscribers[s.resourceID]) == 0 {
		delete(s.store.subscribers, s.resourceID)
	}
	s.store.mu.Unlock()

	return s.queue.Close()
}

func (m *MemoryStore) Get(_ context.Context, jobID string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, persistence.NewJobError("Get", jobID, ErrJobNotFound)
	}

	return cloneJob(job), nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, resourceID string, handler Handler) (Subscription, error) {
	sub := &memorySubscription{
		store:      m,
		resourceID: resourceID,
		queue:      newDeliveryQueue(ctx, handler),
	}

	m.mu.Lock()
	if m.subscribers[resourceID] == nil {
		m.subscribers[resourceID] = make(map[*memorySubscription]struct{})
	}

	m.subscribers[resourceID][sub] = struct{}{}
	m.mu.Unlock()

	return sub, nil
}

// Record stores the job and enqueues it for every subscriber of its resource.
// Holding the lock while enqueueing keeps per-resource order across concurrent writers.
func (m *MemoryStore) Record(_ context.Context, job *models.Job) error {
	if err := validateJob(job); err != nil {
		return err
	}

	stored := cloneJob(job)
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.jobs[stored.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}

	stored.UpdatedAt = now
	m.jobs[stored.ID] = stored

	for sub := range m.subscribers[stored.ResourceID] {
		sub.queue.enqueue(cloneJob(stored))
	}

	return nil
}
