package fanout

import "context"

// Bus carries validated events between coordination processes. Publish is
// fire-and-forget from the caller's view; delivery to remote subscribers is
// at-most-once and ordering is only guaranteed per channel per publisher.
type Bus interface {
	Publish(ctx context.Context, p Payload) error
	// Subscribe returns a stream of decoded events for the given channels.
	// The stream closes when ctx is cancelled or the bus shuts down.
	Subscribe(ctx context.Context, channels ...Channel) (<-chan Payload, error)
	Close() error
}
