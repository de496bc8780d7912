// Package recovery applies the failure policy to every external call:
// transient failures retry with exponential backoff and jitter, repeated
// failures trip a per-endpoint circuit breaker, auth failures pause the
// endpoint and raise an alert, and logic, data, and ambiguous failures
// surface untouched. Callers wrap the raw call in Do and let the policy
// decide what happens next.
package recovery
