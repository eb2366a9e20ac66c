// Package aggregator contains the idempotent event consumers that persist
// task state. The generic StateAggregator is the authoritative consumer for
// a task's own status, progress and result, and maintains the parent's
// sub-task counters. The FanIn aggregator folds child outcomes into their
// parent's progress, serialized per parent, and writes the parent's
// terminal state once all expected children have reported.
package aggregator
