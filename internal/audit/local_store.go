package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Defaults for the local adapter.
const (
	DefaultLocalKey  = "audit_events"
	DefaultMaxEvents = 1000
)

// LocalStore keeps events as one serialized blob under a single key, most
// recent first, capped at MaxEvents. Queries run entirely in memory.
type LocalStore struct {
	blobs     BlobStore
	key       string
	maxEvents int
	logger    *slog.Logger

	// mu queues in-process writers behind one read-modify-write at a time.
	// The blob store's own Update guards against writers in other processes.
	mu sync.Mutex
}

// LocalStoreConfig configures the local adapter.
type LocalStoreConfig struct {
	// Key is the logical storage key. Defaults to DefaultLocalKey.
	Key string

	// MaxEvents caps retained events; the oldest are evicted first.
	// Defaults to DefaultMaxEvents.
	MaxEvents int

	// Logger receives warnings about corrupt blobs. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewLocalStore creates a local adapter over blobs.
func NewLocalStore(blobs BlobStore, cfg LocalStoreConfig) *LocalStore {
	if cfg.Key == "" {
		cfg.Key = DefaultLocalKey
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LocalStore{
		blobs:     blobs,
		key:       cfg.Key,
		maxEvents: cfg.MaxEvents,
		logger:    cfg.Logger,
	}
}

// Save prepends the normalized event and evicts the oldest events beyond the cap.
func (s *LocalStore) Save(ctx context.Context, event *Event) error {
	normalized, err := normalize(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.blobs.Update(ctx, s.key, func(current []byte) ([]byte, error) {
		events := s.decode(current)

		next := make([]Event, 0, min(len(events)+1, s.maxEvents))
		next = append(next, normalized)
		next = append(next, events[:min(len(events), s.maxEvents-1)]...)

		return json.Marshal(next)
	})
	if err != nil {
		return fmt.Errorf("%w: save event %s: %w", ErrStoreUnavailable, normalized.ID, err)
	}
	return nil
}

// Query evaluates opts against the full stored sequence.
func (s *LocalStore) Query(ctx context.Context, opts QueryOptions) (*PaginatedResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	events, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return Evaluate(events, opts)
}

// Events returns every stored event, most recent first.
func (s *LocalStore) Events(ctx context.Context) ([]Event, error) {
	return s.load(ctx)
}

// Clear removes the blob.
func (s *LocalStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.blobs.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("%w: clear: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the blob store.
func (s *LocalStore) Close() error {
	return s.blobs.Close()
}

func (s *LocalStore) load(ctx context.Context) ([]Event, error) {
	raw, err := s.blobs.Load(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: load events: %w", ErrStoreUnavailable, err)
	}
	return s.decode(raw), nil
}

// decode parses a stored blob. A corrupt blob reads as an empty store so that
// historical damage never blocks new writes; the next save overwrites it.
func (s *LocalStore) decode(raw []byte) []Event {
	if len(raw) == 0 {
		return nil
	}
	var events []Event
	if err := json.Unmarshal(raw, &events); err != nil {
		s.logger.Warn("discarding unreadable audit blob", "key", s.key, "bytes", len(raw), "err", err)
		return nil
	}
	return events
}
