package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openStore(t)
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := Record{
		ID:          "job-1",
		Handle:      "https://example.com/a.iso",
		Destination: "a.iso",
		Size:        1000,
		Bytes:       1000,
		State:       "completed",
		Chunks:      4,
		Sessions:    2,
		Started:     start,
		Finished:    start.Add(90 * time.Second),
	}
	require.NoError(t, s.Put(rec))

	got, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Handle, got.Handle)
	assert.Equal(t, rec.Chunks, got.Chunks)
	assert.True(t, rec.Started.Equal(got.Started))
	assert.Equal(t, 90*time.Second, got.Duration())

	rec.State = "failed"
	rec.Error = "chunk 2 failed"
	require.NoError(t, s.Put(rec))
	got, err = s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.State)
	assert.Equal(t, "chunk 2 failed", got.Error)
}

func TestGetMissing(t *testing.T) {
	_, err := openStore(t).Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutRequiresID(t *testing.T) {
	assert.Error(t, openStore(t).Put(Record{}))
}

func TestListNewestFirst(t *testing.T) {
	s := openStore(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"b", "c", "a"} {
		require.NoError(t, s.Put(Record{ID: id, Started: base.Add(time.Duration(i) * time.Hour)}))
	}

	recs, err := s.List()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "c", recs[1].ID)
	assert.Equal(t, "b", recs[2].ID)
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(Record{ID: "persisted"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Get("persisted")
	assert.NoError(t, err)
}
