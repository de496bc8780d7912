// Package executor acts on approved tasks, at most once each. Claiming
// is a rename from approved into in_progress, so two executors racing
// for the same task produce exactly one winner. A confirmed success
// lands in done, a confirmed failure in error with its attempt counted,
// and an ambiguous outcome — a timeout mid-call, a cancelled context —
// freezes the task in in_progress for a human, because the side effect
// may already have happened.
package executor
