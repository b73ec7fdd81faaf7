package conversation

import (
	"context"
	"time"
)

// SnapshotStore durably keeps full Context snapshots keyed by identity.
// Saves are whole-object overwrites.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, identity string) (*Context, error)
	SaveSnapshot(ctx context.Context, snapshot *Context) error
}

// ActivityIndex is implemented by snapshot stores that can list identities
// active since a point in time, including ones evicted from memory.
type ActivityIndex interface {
	ListActiveIdentities(ctx context.Context, since time.Time) ([]string, error)
}
