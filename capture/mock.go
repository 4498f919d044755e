package capture

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockDispatcher is a testify mock of the Dispatcher interface.
type MockDispatcher struct {
	mock.Mock
}

var _ Dispatcher = (*MockDispatcher)(nil)

// NewMockDispatcher creates a new MockDispatcher.
func NewMockDispatcher() *MockDispatcher {
	return &MockDispatcher{}
}

// Dispatch implements Dispatcher.
func (m *MockDispatcher) Dispatch(ctx context.Context, job *Job) (*DispatchResult, error) {
	args := m.Called(ctx, job)

	result, _ := args.Get(0).(*DispatchResult)

	return result, args.Error(1)
}
