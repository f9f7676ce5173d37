package history

import (
	"context"
	"time"

	"github.com/loykin/jand/internal/event"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventAdd      EventType = "add"
	EventDelete   EventType = "delete"
	EventRename   EventType = "rename"
	EventProperty EventType = "property"
)

var typeOf = map[event.Kind]EventType{
	event.ProcessStarted:         EventStart,
	event.ProcessStopped:         EventStop,
	event.ProcessAdded:           EventAdd,
	event.ProcessDeleted:         EventDelete,
	event.ProcessRenamed:         EventRename,
	event.ProcessPropertyUpdated: EventProperty,
}

// TypeOf maps a daemon event kind to its history type. Log kinds have none.
func TypeOf(k event.Kind) (EventType, bool) {
	t, ok := typeOf[k]
	return t, ok
}

// Record is the process state captured when the event happened.
type Record struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
	Restarts int    `json:"restarts"`
	// Detail carries the event value, e.g. the new name of a rename.
	Detail string `json:"detail,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
