// Package config loads and validates the engine's configuration from
// environment variables and an optional YAML file: server address, database
// DSN, runner worker counts and retry policy, and the summarization model
// settings. Components receive typed sub-structs rather than the raw sources.
package config
