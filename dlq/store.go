package dlq

import (
	"context"
	"time"
)

// Store is the persistence contract for one queue's dead letter stream.
// Each broker binding provides an implementation backed by a stream of
// the same binding type.
type Store interface {
	// Push appends an entry and returns the id the stream assigned.
	// The write must be durable before Push returns: the engine's
	// terminal ack depends on it.
	Push(ctx context.Context, e *Entry) (string, error)

	// List returns entries newest-first, skipping offset and returning
	// at most limit.
	List(ctx context.Context, offset, limit int) ([]*Entry, error)

	// Get retrieves one entry by its stream id. Returns
	// conveyor.ErrEntryNotFound when absent.
	Get(ctx context.Context, id string) (*Entry, error)

	// Purge removes entries that failed before the cutoff and returns
	// how many were removed.
	Purge(ctx context.Context, before time.Time) (int64, error)

	// Count returns the number of retained entries.
	Count(ctx context.Context) (int64, error)
}
