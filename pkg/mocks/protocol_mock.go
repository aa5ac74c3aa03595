package mocks

import (
	"context"

	"github.com/dukex/evalflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockTaskInvoker is a mock implementation of protocol.TaskInvoker.
type MockTaskInvoker struct {
	mock.Mock
}

func (m *MockTaskInvoker) Invoke(ctx context.Context, task string, payload map[string]any) (any, error) {
	args := m.Called(ctx, task, payload)

	return args.Get(0), args.Error(1)
}

// MockAlertPublisher is a mock implementation of protocol.AlertPublisher.
type MockAlertPublisher struct {
	mock.Mock
}

func (m *MockAlertPublisher) Publish(ctx context.Context, alert models.Alert) error {
	args := m.Called(ctx, alert)

	return args.Error(0)
}
