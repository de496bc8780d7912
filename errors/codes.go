package errors

// Category classifies failures by their recovery semantics.
type Category string

// Categories drive the recovery policy: transient failures are retried
// with backoff, auth failures pause the collaborator, logic and data
// failures surface immediately for triage, system failures trigger the
// process-level restart policy.
const (
	// CategoryTransient covers temporary failures where retry may succeed.
	// Examples: network timeouts, rate limits, momentary unavailability.
	CategoryTransient Category = "transient"

	// CategoryAuth covers expired or invalid credentials. Never retried;
	// the owning caller pauses attempts against the collaborator until
	// credentials are refreshed.
	CategoryAuth Category = "auth"

	// CategoryLogic covers programming defects and malformed payloads.
	// Retry will not help; the task moves to the error bucket verbatim.
	CategoryLogic Category = "logic"

	// CategoryData covers unparseable or inconsistent external data.
	// Not retried; surfaced for human triage.
	CategoryData Category = "data"

	// CategorySystem covers resource exhaustion and process crashes.
	// Handled by the restart policy, not by per-task retry.
	CategorySystem Category = "system"
)

// String returns the string representation of the category.
func (c Category) String() string {
	return string(c)
}

// IsRetryable reports whether failures in this category may succeed on retry.
func (c Category) IsRetryable() bool {
	return c == CategoryTransient
}

// Code identifies a specific failure type within a category.
type Code string

// Failure codes.
const (
	// Transient
	CodeTimeout     Code = "TIMEOUT"      // Operation timed out, outcome known failed
	CodeUnavailable Code = "UNAVAILABLE"  // Collaborator temporarily unavailable
	CodeNetwork     Code = "NETWORK_ERR"  // Network connectivity issue
	CodeRateLimited Code = "RATE_LIMITED" // Collaborator asked us to slow down

	// Auth
	CodeCredentialsExpired Code = "CREDENTIALS_EXPIRED" // Credentials need refresh
	CodeCredentialsInvalid Code = "CREDENTIALS_INVALID" // Credentials rejected
	CodeForbidden          Code = "FORBIDDEN"           // Scope does not permit the call

	// Logic
	CodeMalformedPayload Code = "MALFORMED_PAYLOAD" // Task payload fails its own contract
	CodeInvalidInput     Code = "INVALID_INPUT"     // Caller-supplied argument invalid
	CodeNotFound         Code = "NOT_FOUND"         // Task or record does not exist
	CodeConflict         Code = "CONFLICT"          // Task not in the expected bucket
	CodeDuplicate        Code = "DUPLICATE"         // Creation collapsed to an existing task
	CodeImmutable        Code = "IMMUTABLE"         // Terminal-state record cannot move

	// Data
	CodeParseFailure     Code = "PARSE_FAILURE"     // External data unparseable
	CodeInconsistentData Code = "INCONSISTENT_DATA" // External data contradicts itself

	// System
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED" // Memory/disk/fd pressure
	CodeProcessCrash      Code = "PROCESS_CRASH"      // Watcher or executor died
	CodeRetryExhausted    Code = "RETRY_EXHAUSTED"    // Transient retries used up
	CodeInternal          Code = "INTERNAL"           // Unexpected internal error
	CodePanic             Code = "PANIC"              // Recovered from panic

	// Outcome markers used by recovery and the executor
	CodeAmbiguous   Code = "AMBIGUOUS"    // Side effect may or may not have happened
	CodeBreakerOpen Code = "BREAKER_OPEN" // Circuit open, call not attempted
	CodeDeferred    Code = "DEFERRED"     // Attempt queued for a later cycle
)

// String returns the string representation of the code.
func (c Code) String() string {
	return string(c)
}

// DefaultCategory returns the category a code belongs to.
func (c Code) DefaultCategory() Category {
	switch c {
	case CodeTimeout, CodeUnavailable, CodeNetwork, CodeRateLimited, CodeDeferred, CodeBreakerOpen:
		return CategoryTransient
	case CodeCredentialsExpired, CodeCredentialsInvalid, CodeForbidden:
		return CategoryAuth
	case CodeMalformedPayload, CodeInvalidInput, CodeNotFound, CodeConflict,
		CodeDuplicate, CodeImmutable:
		return CategoryLogic
	case CodeParseFailure, CodeInconsistentData:
		return CategoryData
	case CodeResourceExhausted, CodeProcessCrash, CodeRetryExhausted,
		CodeInternal, CodePanic, CodeAmbiguous:
		return CategorySystem
	default:
		return CategorySystem
	}
}

// DefaultRetryable reports whether this code is typically retryable.
// Ambiguous outcomes are never retryable regardless of category: the side
// effect may already have occurred.
func (c Code) DefaultRetryable() bool {
	if c == CodeAmbiguous {
		return false
	}
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[Code]string{
	CodeTimeout:            "operation timed out",
	CodeUnavailable:        "collaborator temporarily unavailable",
	CodeNetwork:            "network connectivity error",
	CodeRateLimited:        "rate limit exceeded",
	CodeCredentialsExpired: "credentials expired",
	CodeCredentialsInvalid: "credentials rejected",
	CodeForbidden:          "access denied for this scope",
	CodeMalformedPayload:   "task payload is malformed",
	CodeInvalidInput:       "invalid input provided",
	CodeNotFound:           "record not found",
	CodeConflict:           "record not in expected bucket",
	CodeDuplicate:          "record already exists",
	CodeImmutable:          "terminal record is immutable",
	CodeParseFailure:       "external data unparseable",
	CodeInconsistentData:   "external data inconsistent",
	CodeResourceExhausted:  "resource exhausted",
	CodeProcessCrash:       "process crashed",
	CodeRetryExhausted:     "retry budget exhausted",
	CodeInternal:           "internal error",
	CodePanic:              "recovered from panic",
	CodeAmbiguous:          "outcome unknown, requires reconciliation",
	CodeBreakerOpen:        "circuit breaker open",
	CodeDeferred:           "attempt deferred to a later cycle",
}

// Description returns a human-readable description for the code.
func (c Code) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
