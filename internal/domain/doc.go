// Package domain contains the core business entities, value objects, and
// domain logic of the task engine: the durable Task record with its status
// state machine, and the versioned Document entity that task side effects
// merge into under optimistic concurrency. It is independent of any specific
// infrastructure or delivery mechanism.
package domain
