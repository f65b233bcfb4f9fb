// Package audit records audit events and retrieves them with filtering,
// sorting, and pagination against interchangeable storage adapters.
package audit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a single audit record: who did what, to which entity, when.
type Event struct {
	ID          string         `json:"id,omitempty"`
	Action      string         `json:"action"`
	Entity      string         `json:"entity"`
	EntityID    string         `json:"entityId,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	UserName    string         `json:"userName,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Timestamp is milliseconds since the Unix epoch. Zero means absent: the
	// epoch instant itself cannot be recorded, and a zero timestamp is
	// replaced with the save time. Any other caller value is kept exactly.
	Timestamp int64 `json:"timestamp,omitempty"`

	// Populated by a trusted boundary (see WithRequestInfo). Coordinator.Track
	// replaces caller values; only the remote adapter forwards them.
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Time returns the event timestamp as a time.Time in UTC.
func (e *Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// String returns a JSON string representation of the event.
func (e *Event) String() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// NewEventID generates an event ID with a time-based prefix and a random suffix.
func NewEventID(now time.Time) string {
	return "evt_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + uuid.New().String()[:8]
}

// nowMillis is swapped in tests that need deterministic timestamps.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// normalize validates a draft, assigns a missing ID and timestamp, and returns
// a detached copy safe to persist. Assigned values are written back into the
// draft so the caller can observe them.
func normalize(draft *Event) (Event, error) {
	if draft == nil {
		return Event{}, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if strings.TrimSpace(draft.Action) == "" {
		return Event{}, fmt.Errorf("%w: action is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(draft.Entity) == "" {
		return Event{}, fmt.Errorf("%w: entity is required", ErrInvalidEvent)
	}

	if draft.Timestamp == 0 {
		draft.Timestamp = nowMillis()
	}
	if draft.ID == "" {
		draft.ID = NewEventID(time.UnixMilli(draft.Timestamp))
	}

	event := *draft
	if draft.Metadata != nil {
		md, err := cloneMetadata(draft.Metadata)
		if err != nil {
			return Event{}, fmt.Errorf("%w: serialize metadata: %w", ErrStoreUnavailable, err)
		}
		event.Metadata = md
	}
	return event, nil
}

// cloneMetadata deep-copies metadata through its JSON form so the stored
// value shares nothing with the caller and matches what a round trip through
// any persisted medium would return.
func cloneMetadata(md map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
