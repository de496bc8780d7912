// Package verdict decides whether pending tasks may proceed to
// execution. A Producer renders approve, reject or defer for one task;
// the Reviewer drives producers over the store, moving tasks out of
// needs_action and applying verdicts, always through the recovery
// policy. Two producers ship: a rule-based one (kind globs and payload
// ceilings) and an Anthropic-backed one. Defer is the safe default
// everywhere — a deferred task simply waits for a human approver.
package verdict
