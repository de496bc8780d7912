// Package syncbridge reconciles the perception and execution zones
// through a shared backing directory. Each cycle pulls revisions the
// other zone appended, merges them under the zone rules — perception
// may only create and enrich, execution is the sole side-effecting
// writer, terminal records win, concurrent approvals reject in favor of
// whichever landed first — and pushes local changes as new immutable
// revision files. A bbolt journal of applied revisions and last-pushed
// hashes keeps cycles idempotent. Payload keys matching the secrets
// denylist are stripped in both directions before crossing the
// boundary.
package syncbridge
