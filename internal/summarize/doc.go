// Package summarize defines the interface the engine consumes for chapter
// summarization. It abstracts the AI provider integration, allowing
// executables to generate summaries without coupling to a specific external
// service.
package summarize
