package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// BlobStore persists opaque blobs under string keys. Update is an atomic
// read-modify-write: fn receives the current value (nil when absent) and
// returns the replacement; concurrent Updates of one key never lose a write.
type BlobStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryBlobStore keeps blobs in process memory. Contents are lost on exit.
type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneBytes(m.blobs[key]), nil
}

func (m *MemoryBlobStore) Update(_ context.Context, key string, fn func([]byte) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(cloneBytes(m.blobs[key]))
	if err != nil {
		return err
	}
	m.blobs[key] = cloneBytes(next)
	return nil
}

func (m *MemoryBlobStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

func (m *MemoryBlobStore) Close() error { return nil }

// Put replaces a blob directly, bypassing Update.
func (m *MemoryBlobStore) Put(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = cloneBytes(value)
}

// FileBlobStore keeps one file per key under a directory. Writes go to a
// temp file renamed over the target so readers never see a partial blob.
// Updates and deletes hold an OS lock on a sibling .lock file, so handles in
// other goroutines or processes sharing the directory never lose a write.
type FileBlobStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileBlobStore creates the directory if needed.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &FileBlobStore{dir: dir}, nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func (f *FileBlobStore) path(key string) string {
	return filepath.Join(f.dir, unsafeKeyChars.ReplaceAllString(key, "_")+".json")
}

// lockRetryDelay paces attempts to take a key's file lock.
const lockRetryDelay = 5 * time.Millisecond

// lock takes the OS lock guarding key. The caller must hold f.mu and call
// the returned unlock.
func (f *FileBlobStore) lock(ctx context.Context, key string) (func(), error) {
	fl := flock.New(f.path(key) + ".lock")
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock blob: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lock blob: %w", ctx.Err())
	}
	return func() { _ = fl.Unlock() }, nil
}

func (f *FileBlobStore) Load(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(key)
}

func (f *FileBlobStore) read(key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (f *FileBlobStore) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := f.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := f.read(key)
	if err != nil {
		return fmt.Errorf("read blob: %w", err)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(next); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		return fmt.Errorf("replace blob: %w", err)
	}
	return nil
}

func (f *FileBlobStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := f.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FileBlobStore) Close() error { return nil }

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
