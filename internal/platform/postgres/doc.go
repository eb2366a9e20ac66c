// Package postgres provides PostgreSQL-backed implementations of the store
// interfaces. Every conditional write is a single UPDATE whose WHERE clause
// carries the precondition, so concurrent writers race on the database's
// row lock instead of on application state.
package postgres
