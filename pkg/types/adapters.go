package types

import "context"

// ConnectionStatus is the transport-level connection state machine:
// disconnected → connecting → connected, returning to disconnected on
// socket closure.
type ConnectionStatus string

const (
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
)

// SyncStatus is the coarse status the store facade exposes to the UI.
// Recovering means the transport is attempting to reconnect; the document
// keeps working against local state in every status.
type SyncStatus string

const (
	SyncConnected    SyncStatus = "connected"
	SyncRecovering   SyncStatus = "recovering"
	SyncDisconnected SyncStatus = "disconnected"
)

// PersistenceAdapter is the boundary to durable local storage, bound to one
// document instance. Start loads any prior durable state into the document
// and begins streaming subsequent document changes to storage. Ready is
// closed once prior state has been loaded; the store facade awaits it
// before running the bootstrap coordinator so a previously-seeded document
// loaded from disk is never re-seeded.
type PersistenceAdapter interface {
	Start(ctx context.Context) error
	Ready() <-chan struct{}
	Close() error
}

// TransportProvider is the boundary to a network sync provider. The core
// consumes it abstractly: it never constructs sockets itself.
//
// Connect, Disconnect, and Destroy are safe to call at any time, including
// mid-reconnect; Destroy cancels any pending reconnect timer. SendUpdate
// queues the update for replay when disconnected rather than dropping it.
// Listener registrations return an unsubscribe function and support
// multiple independent listeners.
type TransportProvider interface {
	Connect()
	Disconnect()
	Destroy()
	SendUpdate(update []byte) error
	BroadcastAwareness(payload []byte) error
	OnUpdate(fn func(update []byte)) (unsubscribe func())
	OnAwareness(fn func(payload []byte)) (unsubscribe func())
	OnStatusChange(fn func(status ConnectionStatus)) (unsubscribe func())
	OnError(fn func(err error)) (unsubscribe func())
}
