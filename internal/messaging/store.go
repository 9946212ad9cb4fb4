package messaging

import "context"

// Store persists conversations and their per-role overlays. Overlay writes
// are addressed by (conversation, role) so one side's row is the only thing
// a mutation can reach.
type Store interface {
	// Create returns the existing conversation for the same buyer, seller and
	// product if there is one; created reports whether a new row was written.
	Create(ctx context.Context, c *Conversation) (conv *Conversation, created bool, err error)
	Get(ctx context.Context, id string) (*Conversation, error)
	Overlay(ctx context.Context, id string, role Role) (*Overlay, error)
	// UpdateOverlay runs fn against the current row and persists the result
	// atomically. An error from fn aborts without writing.
	UpdateOverlay(ctx context.Context, id string, role Role, fn func(*Overlay) error) (*Overlay, error)
	IncrementUnread(ctx context.Context, id string, role Role) (*Overlay, error)
	// ListForUser returns every conversation userID takes part in, each paired
	// with the caller's own overlay.
	ListForUser(ctx context.Context, userID string) ([]View, error)
}
