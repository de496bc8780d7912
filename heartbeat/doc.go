// Package heartbeat provides liveness tracking over a shared directory.
// Each watcher process atomically rewrites one small JSON file at a fixed
// interval; the supervisor's monitor scans the directory and fires a
// callback when a file goes stale. No sockets, no broker: liveness rides
// on the same filesystem the task store already trusts.
package heartbeat
