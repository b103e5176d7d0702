package types

import "errors"

// Structural-violation errors. These are rejected synchronously at the
// mutation call so the caller (e.g. drag-and-drop) knows to abort; they are
// never silently ignored and never surfaced as a modal.
var (
	ErrCycleDetected = errors.New("edge would introduce a cycle")
	ErrNodeNotFound  = errors.New("node not found")
	ErrEdgeNotFound  = errors.New("edge not found")
)

// Store lifecycle errors.
var (
	ErrStoreDetached   = errors.New("outline store is detached")
	ErrAlreadyAttached = errors.New("outline store is already attached")
)

// Transport errors.
var (
	ErrTransportDestroyed = errors.New("transport provider is destroyed")
)

// Config validation errors.
var (
	ErrDocIDEmpty           = errors.New("doc id must not be empty")
	ErrUserIDEmpty          = errors.New("user id must not be empty")
	ErrSyncStrategyUnknown  = errors.New("unknown sync strategy")
	ErrBatchSizeInvalid     = errors.New("batch size must be positive")
	ErrBatchIntervalInvalid = errors.New("batch interval must be positive")
)
