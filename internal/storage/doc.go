// Package storage persists the last known attributes of every tracked status
// event, keyed by "ARN#<arn>", together with an append-only delivery audit log.
//
// Drivers:
//   - file: snapshot + journal files, no external services
//   - sqlite: a single SQLite database (modernc.org/sqlite)
//   - redis: a shared Redis instance, for several pollers on one stream
package storage
