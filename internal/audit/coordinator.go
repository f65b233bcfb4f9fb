package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Coordinator is the entry point applications use to record and query audit
// events. It owns exactly one adapter, chosen at construction, and tracks
// the number of in-flight calls and the most recent failure.
type Coordinator struct {
	adapter Adapter
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight int
	lastErr  error
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger used for failures. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator validates cfg and builds the adapter it selects. Missing
// required settings fail here with ErrConfiguration.
func NewCoordinator(cfg Config, opts ...CoordinatorOption) (*Coordinator, error) {
	c := &Coordinator{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	adapter, err := NewAdapter(cfg, c.logger)
	if err != nil {
		return nil, fmt.Errorf("create %s adapter: %w", cfg.Mode, err)
	}
	c.adapter = adapter
	return c, nil
}

// NewCoordinatorWithAdapter wraps an existing adapter.
func NewCoordinatorWithAdapter(adapter Adapter, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{adapter: adapter, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Track records an event. ipAddress and userAgent come only from the
// RequestInfo attached to ctx with WithRequestInfo; values set by the caller
// are replaced, or dropped when ctx carries none. The remote adapter is the
// exception: without RequestInfo it forwards the caller's values, and the
// receiving service's own boundary decides. Failures are returned and
// recorded but never retried.
func (c *Coordinator) Track(ctx context.Context, event *Event) error {
	if event != nil {
		if info, ok := RequestInfoFromContext(ctx); ok {
			info.applyTo(event)
		} else if !forwardsClientInfo(c.adapter) {
			RequestInfo{}.applyTo(event)
		}
	}

	c.begin()
	err := c.adapter.Save(ctx, event)
	c.end("track", err)
	return err
}

// Query runs opts against the adapter.
func (c *Coordinator) Query(ctx context.Context, opts QueryOptions) (*PaginatedResult, error) {
	c.begin()
	result, err := c.adapter.Query(ctx, opts)
	c.end("query", err)
	return result, err
}

// Clear removes every event. It returns errors.ErrUnsupported when the
// adapter cannot clear.
func (c *Coordinator) Clear(ctx context.Context) error {
	clearer, ok := c.adapter.(Clearer)
	if !ok {
		err := fmt.Errorf("clear: %T: %w", c.adapter, errors.ErrUnsupported)
		c.begin()
		c.end("clear", err)
		return err
	}

	c.begin()
	err := clearer.Clear(ctx)
	c.end("clear", err)
	return err
}

// Close releases the adapter's resources, if it holds any.
func (c *Coordinator) Close() error {
	if closer, ok := c.adapter.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Loading reports whether any call is in flight.
func (c *Coordinator) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight > 0
}

// Err returns the failure of the most recently completed call, or nil if it
// succeeded.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ResetError clears the recorded failure.
func (c *Coordinator) ResetError() {
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
}

// Adapter returns the adapter the coordinator forwards to.
func (c *Coordinator) Adapter() Adapter {
	return c.adapter
}

func (c *Coordinator) begin() {
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()
}

func (c *Coordinator) end(op string, err error) {
	c.mu.Lock()
	c.inFlight--
	c.lastErr = err
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("audit operation failed", "op", op, "err", err)
	}
}

// forwardsClientInfo reports whether a hands events to another audit service
// rather than persisting them.
func forwardsClientInfo(a Adapter) bool {
	_, ok := a.(*RemoteStore)
	return ok
}
