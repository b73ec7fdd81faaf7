package conversation

import "errors"

var (
	// ErrSnapshotNotFound is returned by snapshot stores for identities that
	// were never persisted.
	ErrSnapshotNotFound = errors.New("conversation snapshot not found")
	// ErrUnknownIdentity means the identity has no live context; call
	// GetOrCreate first.
	ErrUnknownIdentity = errors.New("conversation context not loaded")
)
