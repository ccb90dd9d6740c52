package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockBlobStore is a testify mock of collector.BlobStore.
type MockBlobStore struct {
	mock.Mock
}

// PutObject records the call and returns the configured values.
func (m *MockBlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	args := m.Called(ctx, path, contentType, data)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}
