package storage

import (
	"context"
	"iter"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// MockRecordStore is a testify mock of crawler.RecordStore.
type MockRecordStore struct {
	mock.Mock
}

// GetOrNil is the mock implementation of the GetOrNil method.
func (m *MockRecordStore) GetOrNil(ctx context.Context, url string) (*crawler.Record, error) {
	args := m.Called(ctx, url)
	rec, _ := args.Get(0).(*crawler.Record)
	return rec, args.Error(1) //nolint:wrapcheck
}

// Put is the mock implementation of the Put method.
func (m *MockRecordStore) Put(ctx context.Context, r *crawler.Record) error {
	args := m.Called(ctx, r)
	return args.Error(0) //nolint:wrapcheck
}

// AddOutlink is the mock implementation of the AddOutlink method.
func (m *MockRecordStore) AddOutlink(ctx context.Context, r *crawler.Record) (bool, error) {
	args := m.Called(ctx, r)
	return args.Bool(0), args.Error(1) //nolint:wrapcheck
}

// Delete is the mock implementation of the Delete method.
func (m *MockRecordStore) Delete(ctx context.Context, url string) (bool, error) {
	args := m.Called(ctx, url)
	return args.Bool(0), args.Error(1) //nolint:wrapcheck
}

// Flush is the mock implementation of the Flush method.
func (m *MockRecordStore) Flush(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0) //nolint:wrapcheck
}

// Scan is the mock implementation of the Scan method.
func (m *MockRecordStore) Scan(ctx context.Context, rng crawler.KeyRange) iter.Seq2[*crawler.Record, error] {
	args := m.Called(ctx, rng)
	if seq, ok := args.Get(0).(iter.Seq2[*crawler.Record, error]); ok {
		return seq
	}
	return func(func(*crawler.Record, error) bool) {}
}
