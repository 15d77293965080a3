// Package storage persists automation settings, the hourly action budget,
// per-phone message history, last results per task type and the activity log.
//
// Drivers:
//   - "memory": process-local, lost on restart (default)
//   - "file":   JSON snapshot + JSON Lines activity log
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "redis":  shared Redis instance (go-redis)
package storage
