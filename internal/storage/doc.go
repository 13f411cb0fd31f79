// Package storage persists mailings, their deferred tasks, registered
// channels, operator accounts and small counters.
//
// The sqlite and postgres drivers share one SQL body; the memory driver
// mirrors their semantics for tests and throwaway runs.
package storage
