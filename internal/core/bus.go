package core

import "context"

// Bus abstracts the room-wide pub/sub transport used for signaling.
// Owned by the adapter; the adapter must Close() it.
type Bus interface {
	// Publish marshals v to JSON text and sends it to channel.
	Publish(ctx context.Context, channel string, v any) error
	// Subscribe delivers every message of channel to h until ctx ends.
	Subscribe(ctx context.Context, channel string, h func(data []byte)) error
	Close() error
}
