// Package storage persists what the broker does not keep: an archive of
// jobs that failed terminally (the broker trims them by retention) and an
// audit log of operator actions taken through the admin API.
//
// Drivers:
//   - "file": JSON Lines files, no dependencies
//   - "sqlite": a single SQLite database (modernc.org/sqlite, pure Go)
package storage
