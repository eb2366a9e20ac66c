// Package tasks contains the executables registered with the engine: the
// chapter summarization leaf task with its optimistic-concurrency merge
// into the document, and the batch summarization parent that fans out (or
// chains) chapter tasks and is finished by fan-in aggregation.
package tasks
