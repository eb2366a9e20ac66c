// Package api exposes the engine over HTTP: task submission, inspection and
// cancellation, document CRUD, and a WebSocket endpoint streaming per-task
// lifecycle events. Handlers translate between wire types and the task and
// store layers; they hold no orchestration logic of their own.
package api
