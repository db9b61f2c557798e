package realtime

import (
	"context"
)

// Bridge connects a change-notification transport to the local hub.
// Implementations: Postgres LISTEN/NOTIFY (single source of truth, row
// triggers emit the events) and a RabbitMQ fanout exchange (multi-replica
// deployments where each API instance serves its own admin sessions).
type Bridge interface {
	// Run consumes the transport and feeds the hub until ctx is done.
	Run(ctx context.Context) error
	// Subscribe registers a local observer; see Hub.Subscribe.
	Subscribe(buffer int) (<-chan Event, func())
	// Announce publishes a locally performed mutation to remote observers.
	// Drivers whose transport already observes the mutation (the Postgres
	// row trigger) implement this as a no-op.
	Announce(ctx context.Context, ev Event) error
}
