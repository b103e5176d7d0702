// Package types defines the shared data types, adapter interfaces, sentinel
// errors, and configuration for the Loom outline synchronization core.
//
// The core packages (document model, snapshot projector, presence engine,
// session store, store facade) all speak in terms of these types so that
// concrete storage and transport implementations stay swappable.
package types
