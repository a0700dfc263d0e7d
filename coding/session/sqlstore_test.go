package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStoreSequenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "sessions.db")
	backend, err := OpenSQLiteBackend(path)
	require.NoError(t, err)

	store, err := backend.Create("s1")
	require.NoError(t, err)
	for _, body := range []string{`{"n":1}`, `{"n":2}`} {
		_, err := store.Append([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())
	require.NoError(t, backend.Close())

	backend, err = OpenSQLiteBackend(path)
	require.NoError(t, err)
	defer backend.Close()
	store, err = backend.Open("s1")
	require.NoError(t, err)
	defer store.Close()
	seq, err := store.Append([]byte(`{"n":3}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	records := collect(t, store)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, uint64(i+1), rec.Seq)
	}
	assert.Equal(t, `{"n":3}`, string(records[2].Data))
}

func TestSQLiteBackendIsolatesSessions(t *testing.T) {
	backend, err := OpenSQLiteBackend(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer backend.Close()

	a, err := backend.Create("a")
	require.NoError(t, err)
	defer a.Close()
	b, err := backend.Create("b")
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Append([]byte(`{"s":"a"}`))
	require.NoError(t, err)
	seq, err := b.Append([]byte(`{"s":"b"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	reader, err := backend.Reader("a")
	require.NoError(t, err)
	records := collect(t, reader)
	require.Len(t, records, 1)
	assert.Equal(t, `{"s":"a"}`, string(records[0].Data))

	got, err := backend.IDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, got)

	_, err = backend.Create("a")
	require.ErrorIs(t, err, os.ErrExist)
	_, err = backend.Reader("zzz")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSQLiteStoreClosed(t *testing.T) {
	backend, err := OpenSQLiteBackend(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer backend.Close()
	store, err := backend.Create("a")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	_, err = store.Append([]byte(`{}`))
	require.ErrorIs(t, err, ErrStoreClosed)

	// Closing releases the writer slot.
	again, err := backend.Open("a")
	require.NoError(t, err)
	require.NoError(t, again.Close())
}
