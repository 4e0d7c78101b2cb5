package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/lessonflow/pkg/definition"
	"github.com/dukex/lessonflow/pkg/jobstore"
	"github.com/dukex/lessonflow/pkg/mocks"
	"github.com/dukex/lessonflow/pkg/models"
	"github.com/dukex/lessonflow/pkg/persistence"
	"github.com/dukex/lessonflow/pkg/persistence/file"
	"github.com/dukex/lessonflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// flakyRepository fails the next n saves and otherwise delegates to a real repository.
type flakyRepository struct {
	persistence.InstanceRepository

	mu    sync.Mutex
	fails int
	saves int
}

var errDiskFull = errors.New("disk full")

func (r *flakyRepository) failNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fails = n
}

func (r *flakyRepository) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	r.mu.Lock()
	r.saves++

	if r.fails > 0 {
		r.fails--
		r.mu.Unlock()

		return errDiskFull
	}

	r.mu.Unlock()

	return r.InstanceRepository.Save(ctx, instance)
}

func newFlakyEngine(t *testing.T, jobs *mocks.MockJobClient) (*Engine, *flakyRepository, *models.WorkflowInstance) {
	t.Helper()

	repo := &flakyRepository{InstanceRepository: file.NewInstanceRepository(t.TempDir())}
	eng := New(builtins(), jobs, repo, WithLogger(testLogger()), WithSaveRetry(2, time.Millisecond))

	instance, err := eng.CreateInstance(context.Background(), CreateInstanceRequest{
		ResourceID:   resourceID,
		WorkflowType: definition.TypeCardsOnly,
	})
	require.NoError(t, err)

	jobs.On("StartStep", mock.Anything, definition.StepFlashcardGeneration, resourceID, mock.Anything).
		Return(mocks.Acknowledge("job-1"), nil).Once()

	return eng, repo, instance
}

func TestStart_SaveFailureIsReported(t *testing.T) {
	stored := testutil.CreateTestInstance(resourceID, "transcription", "summarization")

	repo := &mocks.MockInstanceRepository{}
	repo.On("GetByID", mock.Anything, stored.ID).Return(stored, nil).Once()
	repo.On("Save", mock.Anything, mock.Anything).Return(errDiskFull)

	jobs := &mocks.MockJobClient{}
	jobs.On("StartStep", mock.Anything, "transcription", resourceID, mock.Anything).
		Return(mocks.Acknowledge("job-1"), nil).Once()

	bus := &mocks.MockEventBus{}

	eng := New(builtins(), jobs, repo,
		WithPublisher(bus),
		WithLogger(testLogger()),
		WithSaveRetry(2, time.Millisecond),
	)

	_, err := eng.Start(context.Background(), stored.ID)
	require.ErrorIs(t, err, errDiskFull)

	assert.Nil(t, stored.StartedAt, "the stored snapshot is never mutated")
	assert.Equal(t, models.StepStatusPending, stored.Steps[0].Status)
	repo.AssertNumberOfCalls(t, "Save", 3)

	held, err := eng.Get(context.Background(), stored.ID)
	require.NoError(t, err)
	assert.NotNil(t, held.StartedAt)
	assert.Equal(t, "job-1", held.Steps[0].JobID, "the acknowledged job is kept")

	repo.AssertExpectations(t)
	jobs.AssertExpectations(t)
	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestStart_SaveRetriedBeforeFailing(t *testing.T) {
	jobs := &mocks.MockJobClient{}
	eng, repo, instance := newFlakyEngine(t, jobs)

	repo.failNext(2)

	started, err := eng.Start(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-1", started.Steps[0].JobID)

	stored, err := repo.GetByID(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-1", stored.Steps[0].JobID)

	jobs.AssertExpectations(t)
}

func TestStart_SaveFailureKeepsIssuedJob(t *testing.T) {
	ctx := context.Background()

	jobs := &mocks.MockJobClient{}
	eng, repo, instance := newFlakyEngine(t, jobs)

	repo.failNext(3)

	_, err := eng.Start(ctx, instance.ID)
	require.ErrorIs(t, err, errDiskFull)

	_, err = eng.Start(ctx, instance.ID)
	require.ErrorIs(t, err, ErrAlreadyStarted, "a second start must not issue another job")

	done, err := eng.OnJobStatusChanged(ctx, instance.ID, &models.Job{
		ID:         "job-1",
		ResourceID: resourceID,
		StepName:   definition.StepFlashcardGeneration,
		Status:     models.JobStatusCompleted,
		CostCents:  12,
	})
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, done.Status)
	assert.Equal(t, int64(12), done.TotalCostCents)

	stored, err := repo.GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, stored.Status)
	assert.Equal(t, int64(12), stored.TotalCostCents)

	jobs.AssertExpectations(t)
}

func TestWatcher_ResumeFlushesHeldInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := &mocks.MockJobClient{}
	eng, repo, instance := newFlakyEngine(t, jobs)

	store := jobstore.NewMemoryStore()
	watcher := NewWatcher(ctx, eng, store, repo, testLogger())

	defer func() { _ = watcher.Close() }()

	repo.failNext(3)

	_, err := eng.Start(ctx, instance.ID)
	require.ErrorIs(t, err, errDiskFull)

	require.NoError(t, store.Record(ctx, &models.Job{
		ID:         "job-1",
		ResourceID: resourceID,
		StepName:   definition.StepFlashcardGeneration,
		Status:     models.JobStatusCompleted,
		CostCents:  7,
	}))

	require.NoError(t, watcher.Resume(ctx))

	require.Eventually(t, func() bool {
		stored, err := repo.GetByID(ctx, instance.ID)

		return err == nil && stored.Status == models.WorkflowStatusCompleted && stored.TotalCostCents == 7
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGet_RepositoryErrors(t *testing.T) {
	repo := &mocks.MockInstanceRepository{}
	repo.On("GetByID", mock.Anything, "missing").
		Return(nil, persistence.NewInstanceError("GetByID", "missing", persistence.ErrInstanceNotFound))

	eng := New(builtins(), &mocks.MockJobClient{}, repo, WithLogger(testLogger()))

	_, err := eng.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, err, persistence.ErrInstanceNotFound)
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	f := newFixture(t, builtins(), WithPublisher(bus), WithLogger(testLogger()))
	instance := f.create(t, "transcription_only")

	f.expectStart("transcription", "job-1")

	started, err := f.engine.Start(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusProcessing, started.Status)

	bus.AssertCalled(t, "Publish", mock.Anything, instance.ID, mock.Anything)
}

func TestWatcher_ResumeReportsRepositoryErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := &mocks.MockInstanceRepository{}
	repo.On("ListActive", mock.Anything).Return(nil, errors.New("connection refused"))

	store := jobstore.NewMemoryStore()
	eng := New(builtins(), &mocks.MockJobClient{}, repo, WithJobStore(store), WithLogger(testLogger()))
	watcher := NewWatcher(ctx, eng, store, repo, testLogger())

	defer func() { _ = watcher.Close() }()

	require.ErrorContains(t, watcher.Resume(ctx), "connection refused")
	assert.Empty(t, watcher.Attached())
}
