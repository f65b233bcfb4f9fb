package audit

import "context"

// Adapter is the storage contract every audit backend implements.
type Adapter interface {
	// Save assigns a missing ID and timestamp (written back into event) and
	// persists a detached copy. The event is visible to queries issued after
	// Save returns.
	Save(ctx context.Context, event *Event) error

	// Query filters, sorts, and paginates stored events, in that order.
	Query(ctx context.Context, opts QueryOptions) (*PaginatedResult, error)
}

// Clearer is the optional capability to remove every event in the store.
// Clear is not atomic against concurrent saves.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Ensure implementations satisfy the interfaces.
var (
	_ Adapter = (*LocalStore)(nil)
	_ Adapter = (*RemoteStore)(nil)
	_ Adapter = (*DocumentStore)(nil)

	_ Clearer = (*LocalStore)(nil)
	_ Clearer = (*RemoteStore)(nil)
	_ Clearer = (*DocumentStore)(nil)
)
