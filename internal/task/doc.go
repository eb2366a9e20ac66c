// Package task implements the orchestration engine's execution layer: the
// Executable contract and registry, the per-execution Context handed to
// business logic, the submission service, and the Runner that claims queued
// tasks, drives retries with backoff and emits lifecycle events.
package task
