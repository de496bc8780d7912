// Package supervisor keeps watcher processes alive without letting a
// sick one take the host down with it. Each managed watcher moves
// through stopped, starting, running, crashed, stopping; liveness comes
// from heartbeat files, crashes restart with doubling backoff, a storm
// of restarts disables the watcher and flags it for an operator, and a
// global memory budget sheds non-critical watchers first when the fleet
// grows too heavy.
package supervisor
