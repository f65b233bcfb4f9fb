package audit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLocalStore(t *testing.T, maxEvents int) (*LocalStore, *MemoryBlobStore) {
	t.Helper()
	blobs := NewMemoryBlobStore()
	return NewLocalStore(blobs, LocalStoreConfig{MaxEvents: maxEvents, Logger: discardLogger()}), blobs
}

func TestLocalStore_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestLocalStore(t, 3)

	for i := 1; i <= 4; i++ {
		require.NoError(t, store.Save(ctx, &Event{
			ID:        fmt.Sprintf("E%d", i),
			Action:    "CREATE",
			Entity:    "Document",
			Timestamp: int64(i * 1000),
		}))
	}

	events, err := store.Events(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"E4", "E3", "E2"}, ids(events))

	result, err := store.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"E4", "E3", "E2"}, ids(result.Data))
	assert.Equal(t, 3, result.Total)
}

func TestLocalStore_EvictionKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	const maxEvents = 5
	store, _ := newTestLocalStore(t, maxEvents)

	for i := 0; i < maxEvents+7; i++ {
		require.NoError(t, store.Save(ctx, &Event{ID: fmt.Sprintf("e%02d", i), Action: "A", Entity: "E"}))
	}

	events, err := store.Events(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e11", "e10", "e09", "e08", "e07"}, ids(events))
}

func TestLocalStore_AssignsIdentity(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestLocalStore(t, 0)

	draft := &Event{Action: "LOGIN", Entity: "User"}
	require.NoError(t, store.Save(ctx, draft))
	assert.NotEmpty(t, draft.ID)
	assert.NotZero(t, draft.Timestamp)

	result, err := store.Query(ctx, QueryOptions{Pagination: &Pagination{Page: 1, PageSize: 100}})
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	assert.Equal(t, *draft, result.Data[0])
}

func TestLocalStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestLocalStore(t, 0)

	draft := &Event{
		ID:          "evt_fixed",
		Action:      "UPDATE",
		Entity:      "Document",
		EntityID:    "doc-1",
		UserID:      "u1",
		UserName:    "Alice",
		Description: "Document renamed",
		Metadata:    map[string]any{"from": "a.txt", "to": "b.txt", "tags": []any{"x", "y"}},
		Timestamp:   1700000000000,
		IPAddress:   "10.0.0.1",
		UserAgent:   "curl/8",
	}
	want := *draft
	require.NoError(t, store.Save(ctx, draft))

	result, err := store.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	assert.Equal(t, want, result.Data[0])
}

func TestLocalStore_DuplicateIDsAreSeparateEntries(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestLocalStore(t, 0)

	require.NoError(t, store.Save(ctx, &Event{ID: "same", Action: "A", Entity: "E", Timestamp: 1}))
	require.NoError(t, store.Save(ctx, &Event{ID: "same", Action: "A", Entity: "E", Timestamp: 2}))

	result, err := store.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
}

func TestLocalStore_RejectsInvalidEvent(t *testing.T) {
	ctx := context.Background()
	store, blobs := newTestLocalStore(t, 0)

	require.ErrorIs(t, store.Save(ctx, &Event{Entity: "User"}), ErrInvalidEvent)

	raw, err := blobs.Load(ctx, DefaultLocalKey)
	require.NoError(t, err)
	assert.Nil(t, raw, "invalid events must not touch the medium")
}

func TestLocalStore_CorruptBlobReadsEmpty(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	blobs := NewMemoryBlobStore()
	blobs.Put(DefaultLocalKey, []byte("{not json"))
	store := NewLocalStore(blobs, LocalStoreConfig{Logger: slog.New(slog.NewTextHandler(&logs, nil))})

	result, err := store.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Data)
	assert.Equal(t, 0, result.Total)
	assert.Contains(t, logs.String(), "discarding unreadable audit blob")

	require.NoError(t, store.Save(ctx, &Event{ID: "fresh", Action: "A", Entity: "E"}))
	events, err := store.Events(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids(events))
}

func TestLocalStore_InvalidQuery(t *testing.T) {
	store, _ := newTestLocalStore(t, 0)
	_, err := store.Query(context.Background(), QueryOptions{Pagination: &Pagination{Page: 0, PageSize: 10}})
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestLocalStore_ConcurrentSavesLoseNothing(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestLocalStore(t, 1000)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, store.Save(ctx, &Event{ID: fmt.Sprintf("w%d-%d", w, i), Action: "A", Entity: "E"}))
			}
		}(w)
	}
	wg.Wait()

	events, err := store.Events(ctx)
	require.NoError(t, err)
	assert.Len(t, events, writers*perWriter)
}

func TestLocalStore_Clear(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestLocalStore(t, 0)

	require.NoError(t, store.Save(ctx, &Event{Action: "A", Entity: "E"}))
	require.NoError(t, store.Clear(ctx))

	result, err := store.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Total)

	require.NoError(t, store.Clear(ctx), "clearing an empty store succeeds")
}

func TestLocalStore_MediaPersistAcrossReopen(t *testing.T) {
	ctx := context.Background()

	media := map[string]func(t *testing.T, dir string) BlobStore{
		"file": func(t *testing.T, dir string) BlobStore {
			b, err := NewFileBlobStore(dir)
			require.NoError(t, err)
			return b
		},
		"sqlite": func(t *testing.T, dir string) BlobStore {
			b, err := NewSQLBlobStore(SQLBlobConfig{DSN: filepath.Join(dir, "audit.db")})
			require.NoError(t, err)
			return b
		},
	}

	for name, open := range media {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()

			first := NewLocalStore(open(t, dir), LocalStoreConfig{MaxEvents: 2, Logger: discardLogger()})
			for _, id := range []string{"a", "b", "c"} {
				require.NoError(t, first.Save(ctx, &Event{ID: id, Action: "A", Entity: "E"}))
			}
			require.NoError(t, first.Close())

			second := NewLocalStore(open(t, dir), LocalStoreConfig{MaxEvents: 2, Logger: discardLogger()})
			defer second.Close()

			events, err := second.Events(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "b"}, ids(events))
		})
	}
}

func TestLocalStore_FileHandlesShareDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	const handles, perHandle = 2, 100
	stores := make([]*LocalStore, handles)
	for i := range stores {
		blobs, err := NewFileBlobStore(dir)
		require.NoError(t, err)
		stores[i] = NewLocalStore(blobs, LocalStoreConfig{Logger: discardLogger()})
	}

	var wg sync.WaitGroup
	for h, store := range stores {
		for i := 0; i < perHandle; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, store.Save(ctx, &Event{ID: fmt.Sprintf("h%d-%d", h, i), Action: "A", Entity: "E"}))
			}()
		}
	}
	wg.Wait()

	events, err := stores[0].Events(ctx)
	require.NoError(t, err)
	assert.Len(t, events, handles*perHandle)
}

// failingBlobStore fails every operation.
type failingBlobStore struct{ err error }

func (f failingBlobStore) Load(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingBlobStore) Update(context.Context, string, func([]byte) ([]byte, error)) error {
	return f.err
}
func (f failingBlobStore) Delete(context.Context, string) error { return f.err }
func (f failingBlobStore) Close() error                         { return nil }

func TestLocalStore_MediumFailure(t *testing.T) {
	ctx := context.Background()
	cause := io.ErrUnexpectedEOF
	store := NewLocalStore(failingBlobStore{err: cause}, LocalStoreConfig{Logger: discardLogger()})

	err := store.Save(ctx, &Event{Action: "A", Entity: "E"})
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, cause)
	assert.True(t, IsRetryable(err))

	_, err = store.Query(ctx, QueryOptions{})
	require.ErrorIs(t, err, ErrStoreUnavailable)

	require.ErrorIs(t, store.Clear(ctx), ErrStoreUnavailable)
}
