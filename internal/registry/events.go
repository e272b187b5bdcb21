package registry

import (
	"encoding/json"

	"github.com/wolfeidau/replay/internal/models"
)

// Subscriber receives domain events emitted by the registry after each
// mutation. Callbacks run on the mutating goroutine with no registry locks
// held; implementations must not call back into the registry synchronously
// from them.
type Subscriber interface {
	// SessionStarted fires when a session is created or re-activated.
	SessionStarted(summary *models.SessionSummary)

	// SessionEnded fires when a session goes inactive.
	SessionEnded(sessionID string)

	// EventsAdded fires with the newly appended events, in arrival order.
	EventsAdded(sessionID string, events []json.RawMessage)

	// ErrorAdded fires with a recorded error. Kind is the inbound wire type
	// (error, javascript_error or promise_rejection).
	ErrorAdded(sessionID string, kind string, data json.RawMessage)
}

// Enqueuer is the write-behind pipeline fed by the registry. Once a batch is
// enqueued the registry no longer mutates it.
type Enqueuer interface {
	Enqueue(batch *models.Batch)
}
