// Package storage is the persistence layer of the alerting service.
//
// It keeps:
//   - Alert records and their per-channel delivery flags
//   - The user directory used for audience resolution and identity lookups
//   - Suppression marks (so condition checks survive restarts)
//   - The latest metric reading per (metric, scope)
//
// Drivers: "memory" (tests, ephemeral runs), "sqlite" (modernc, pure Go) and
// "postgres" (lib/pq). Both SQL drivers share one sqlx implementation.
package storage
