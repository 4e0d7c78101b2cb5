package jobstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukex/lessonflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	jobs []*models.Job
}

func (c *collector) handle(_ context.Context, job *models.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.jobs = append(c.jobs, job)
}

func (c *collector) snapshot() []*models.Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*models.Job(nil), c.jobs...)
}

func TestMemoryStore_GetAndRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)

	require.ErrorIs(t, store.Record(ctx, &models.Job{ID: "job-1"}), ErrInvalidJob)

	job := &models.Job{ID: "job-1", ResourceID: "lesson-1", StepName: "transcription", Status: models.JobStatusPending}
	require.NoError(t, store.Record(ctx, job))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	created := got.CreatedAt

	got.Status = models.JobStatusFailed

	again, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, again.Status, "Get must return a copy")

	job.Status = models.JobStatusCompleted
	require.NoError(t, store.Record(ctx, job))

	updated, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, updated.Status)
	assert.Equal(t, created, updated.CreatedAt)
}

func TestMemoryStore_SubscribeOrderedPerResource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()

	lesson1 := &collector{}
	lesson2 := &collector{}

	sub1, err := store.Subscribe(ctx, "lesson-1", lesson1.handle)
	require.NoError(t, err)

	defer sub1.Close()

	sub2, err := store.Subscribe(ctx, "lesson-2", lesson2.handle)
	require.NoError(t, err)

	for i := range 50 {
		require.NoError(t, store.Record(ctx, &models.Job{
			ID:                 "job-a",
			ResourceID:         "lesson-1",
			Status:             models.JobStatusProcessing,
			ProgressPercentage: i,
		}))
	}

	require.NoError(t, store.Record(ctx, &models.Job{ID: "job-b", ResourceID: "lesson-2", Status: models.JobStatusCompleted}))

	assert.Eventually(t, func() bool { return len(lesson1.snapshot()) == 50 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(lesson2.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	for i, job := range lesson1.snapshot() {
		assert.Equal(t, i, job.ProgressPercentage, fmt.Sprintf("delivery %d out of order", i))
	}

	require.NoError(t, sub2.Close())
	require.NoError(t, store.Record(ctx, &models.Job{ID: "job-c", ResourceID: "lesson-2", Status: models.JobStatusCompleted}))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, lesson2.snapshot(), 1)
}

func TestMemoryStore_HandlerMayCloseOwnSubscription(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var (
		sub  Subscription
		mu   sync.Mutex
		seen int
	)

	done := make(chan struct{})

	sub, err := store.Subscribe(ctx, "lesson-1", func(_ context.Context, _ *models.Job) {
		mu.Lock()
		seen++
		mu.Unlock()

		_ = sub.Close()
		close(done)
	})
	require.NoError(t, err)

	require.NoError(t, store.Record(ctx, &models.Job{ID: "job-1", ResourceID: "lesson-1", Status: models.JobStatusCompleted}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}

	require.NoError(t, store.Record(ctx, &models.Job{ID: "job-2", ResourceID: "lesson-1", Status: models.JobStatusCompleted}))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, seen)
	mu.Unlock()
}
