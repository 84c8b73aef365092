package testing

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockArtifactStore is a mock implementation of the artifact store used by
// CustomApp cleanup.
type MockArtifactStore struct {
	mock.Mock
}

// DeletePrefix records the call and returns the configured result.
func (m *MockArtifactStore) DeletePrefix(ctx context.Context, bucket, prefix string) (int, error) {
	args := m.Called(ctx, bucket, prefix)
	return args.Int(0), args.Error(1)
}
