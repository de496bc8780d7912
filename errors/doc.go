// Package errors provides the structured failure taxonomy every external
// call and state transition in watchkit reports through.
//
// # Categories
//
// Errors fall into five categories with fixed handling policy:
//
//   - Transient: retried with exponential backoff (network timeouts, rate limits)
//   - Auth: never retried; the collaborator is paused until credentials refresh
//   - Logic: never retried; malformed payloads and programming defects
//   - Data: never retried; unparseable or inconsistent external data
//   - System: handled by the process restart policy, not per-task retry
//
// The AMBIGUOUS code sits outside the retry policy entirely: it marks an
// external call whose outcome could not be confirmed (for example a timeout
// on an irreversible action). Ambiguous failures are surfaced for human
// reconciliation and are never retryable.
//
// # Usage
//
// Create a new error:
//
//	err := errors.New(errors.CodeTimeout, "mail poll timed out")
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "checking mailbox", errors.WithEndpoint("imap"))
//
// Branch on recovery semantics:
//
//	if errors.IsRetryable(err) {
//	    // schedule another attempt
//	}
//
// # JSON serialization
//
// Errors serialize to JSON so audit entries and task records can carry
// them verbatim across process and zone boundaries.
package errors
