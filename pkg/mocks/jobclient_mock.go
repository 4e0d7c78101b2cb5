package mocks

import (
	"context"

	"github.com/dukex/lessonflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockJobClient is a mock implementation of jobclient.Client interface.
type MockJobClient struct {
	mock.Mock
}

func (m *MockJobClient) StartStep(ctx context.Context, stepName, resourceID string, input map[string]any) (*models.JobAcknowledgement, error) {
	args := m.Called(ctx, stepName, resourceID, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.JobAcknowledgement), args.Error(1)
}

// Acknowledge returns a mock return value accepting the step with jobID.
func Acknowledge(jobID string) *models.JobAcknowledgement {
	return &models.JobAcknowledgement{JobID: jobID}
}
