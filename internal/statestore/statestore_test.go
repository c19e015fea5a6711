package statestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetBackendRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rec := BackendRecord{Name: "alpha", LastPhase: "ready", RestartCount: 2, UpdatedAt: time.Unix(100, 0)}
	require.NoError(t, s.PutBackend(rec))

	got, ok, err := s.GetBackend("alpha")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.LastPhase, got.LastPhase)
	assert.Equal(t, rec.RestartCount, got.RestartCount)
}

func TestGetBackendMissingReturnsFalse(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetBackend("nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllListsEveryRecord(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutBackend(BackendRecord{Name: "alpha"}))
	require.NoError(t, s.PutBackend(BackendRecord{Name: "beta"}))

	all, err := s.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteBackendRemovesRecord(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutBackend(BackendRecord{Name: "alpha"}))
	require.NoError(t, s.DeleteBackend("alpha"))

	_, ok, err := s.GetBackend("alpha")
	require.NoError(t, err)
	assert.False(t, ok)
}
