// Package storage keeps the delivery journal: one record per outbound send
// result, queried by the HTTP API for recent deliveries.
//
// Backends:
//   - "file": JSON Lines file plus an in-memory window of recent records
//   - "sqlite": SQLite database file (build with -tags sqlite)
package storage
