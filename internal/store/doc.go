// Package store defines the persistence interfaces the engine runs on:
// TaskStore with its conditional state-machine writes (claim, transition,
// versioned progress, at-most-once completion) and DocumentStore with
// version-checked updates. Implementations live in platform/postgres and
// store/memstore; callers depend only on these interfaces and the sentinel
// errors defined here.
package store
