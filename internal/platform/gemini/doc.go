// Package gemini implements the summarize.Summarizer interface using
// Google's Gemini API. Transient transport failures are surfaced as
// summarize.ErrTransientFailure so the task engine's retry policy decides
// whether the call is worth repeating; permanent failures (blocked content,
// empty responses) fail fast.
package gemini
