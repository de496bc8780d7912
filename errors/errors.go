package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecoveryError is the interface for all structured errors in watchkit.
// It extends the standard error interface with the context the recovery
// policy and the audit log need to act on a failure.
type RecoveryError interface {
	error

	// Code returns the specific code identifying the failure type.
	Code() Code

	// Category returns the category for retry/handling decisions.
	Category() Category

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of RecoveryError.
type Error struct {
	code      Code
	category  Category
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on code
	timestamp time.Time
	endpoint  string // external collaborator, if applicable
	taskID    string // related task, if applicable
	zone      string // originating zone, if applicable
}

// Ensure Error implements RecoveryError and json.Marshaler/Unmarshaler.
var (
	_ RecoveryError    = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the failure code.
func (e *Error) Code() Code {
	return e.code
}

// Category returns the failure category.
func (e *Error) Category() Category {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.code.DefaultRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Endpoint returns the external collaborator endpoint, if set.
func (e *Error) Endpoint() string {
	return e.endpoint
}

// TaskID returns the related task id, if set.
func (e *Error) TaskID() string {
	return e.taskID
}

// Zone returns the originating zone, if set.
func (e *Error) Zone() string {
	return e.zone
}

// errorJSON is the JSON representation of an Error. Errors cross process
// boundaries through audit entries and task records, so the encoding is
// part of the contract.
type errorJSON struct {
	Code      Code              `json:"code"`
	Category  Category          `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp string            `json:"timestamp,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Zone      string            `json:"zone,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		Endpoint:  e.endpoint,
		TaskID:    e.taskID,
		Zone:      e.zone,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.endpoint = j.Endpoint
	e.taskID = j.TaskID
	e.zone = j.Zone
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat Category) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithEndpoint sets the external collaborator endpoint.
func WithEndpoint(endpoint string) Option {
	return func(e *Error) {
		e.endpoint = endpoint
	}
}

// WithTaskID sets the related task id.
func WithTaskID(id string) Option {
	return func(e *Error) {
		e.taskID = id
	}
}

// WithZone sets the originating zone.
func WithZone(zone string) Option {
	return func(e *Error) {
		e.zone = zone
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code Code, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(CodeTimeout, message, opts...)
}

// NotFound creates a not-found error.
func NotFound(message string, opts ...Option) *Error {
	return New(CodeNotFound, message, opts...)
}

// Conflict creates a bucket-conflict error.
func Conflict(message string, opts ...Option) *Error {
	return New(CodeConflict, message, opts...)
}

// Duplicate creates a duplicate-creation error.
func Duplicate(taskID string, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID)}, opts...)
	return New(CodeDuplicate, fmt.Sprintf("task %s already exists", taskID), opts...)
}

// Immutable creates a terminal-state violation error.
func Immutable(taskID string, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID)}, opts...)
	return New(CodeImmutable, fmt.Sprintf("task %s is terminal", taskID), opts...)
}

// InvalidInput creates an invalid-input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(CodeInvalidInput, message, opts...)
}

// CredentialsExpired creates an auth error for an endpoint.
func CredentialsExpired(endpoint string, opts ...Option) *Error {
	opts = append([]Option{WithEndpoint(endpoint)}, opts...)
	return New(CodeCredentialsExpired, fmt.Sprintf("credentials for %s expired", endpoint), opts...)
}

// Ambiguous creates an unknown-outcome error. Never retryable.
func Ambiguous(message string, opts ...Option) *Error {
	opts = append(opts, WithRetryable(false))
	return New(CodeAmbiguous, message, opts...)
}

// BreakerOpen creates a fail-fast error for an open circuit.
func BreakerOpen(endpoint string, opts ...Option) *Error {
	opts = append([]Option{WithEndpoint(endpoint)}, opts...)
	return New(CodeBreakerOpen, fmt.Sprintf("circuit open for %s", endpoint), opts...)
}

// Deferred creates an error marking an attempt queued for a later cycle.
func Deferred(endpoint string, opts ...Option) *Error {
	opts = append([]Option{WithEndpoint(endpoint)}, opts...)
	return New(CodeDeferred, fmt.Sprintf("attempt against %s deferred", endpoint), opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(CodeInternal, message, opts...)
}
