// Package store persists the pending-request queue for one installation.
//
// The store keeps an ordered in-memory list of PendingEntry values and
// mirrors it into a single SQLite file:
//   - meta: install date, install-metric flag, format version
//   - pending: one row per entry, position preserves call order
//
// # Durability
//
// Every mutation (Enqueue, Remove, MarkRetry, MarkInstallMetricSent) rewrites
// the whole snapshot inside one transaction before returning. There is no
// write-behind. A failed flush is logged and the in-memory state proceeds;
// the next successful flush persists it.
//
// # Recovery
//
// Open never refuses to start because of the file's contents. A missing file
// starts a fresh installation. A file that cannot be read, or that carries a
// newer format than this build understands, is moved aside and replaced with
// a fresh installation. Older formats are migrated in place through
// PRAGMA user_version steps.
//
// # Database Configuration
//
//   - WAL mode
//   - synchronous=FULL: a returned flush survives power loss
//   - busy_timeout=5000
package store
