package rollup

import "context"

// Store persists flushed batches. Implementations keep at most `keep`
// batches, discarding the oldest first.
type Store interface {
	// Append adds a batch, trims to the retention cap, and returns the
	// retained batches oldest-first.
	Append(ctx context.Context, batch Batch, keep int) ([]Batch, error)
	// Load returns the retained batches oldest-first.
	Load(ctx context.Context) ([]Batch, error)
}
