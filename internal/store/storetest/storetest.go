// Package storetest provides in-memory stores for tests of packages that
// depend on the store.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tacit/internal/store"
)

// New opens a migrated in-memory store that is closed when t finishes.
func New(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{Path: store.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Repo ensures a repository named fullName exists and returns its id.
func Repo(t testing.TB, s *store.Store, fullName string) int64 {
	t.Helper()
	repo, err := s.EnsureRepository(context.Background(), fullName, "")
	require.NoError(t, err)
	return repo.ID
}
