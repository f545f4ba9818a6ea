package domain

import "errors"

var (
	// ErrMalformedDefinition is returned when an attempt definition is not a valid job record
	ErrMalformedDefinition = errors.New("malformed job definition")

	// ErrConcurrencyConflict is returned when a persisted record changed since it was read
	ErrConcurrencyConflict = errors.New("job record was modified concurrently")

	// ErrJobNotFound is returned when a job record cannot be found in the database
	ErrJobNotFound = errors.New("export job not found")

	// ErrJobAlreadyExists is returned when a job with the same request hash was already created
	ErrJobAlreadyExists = errors.New("export job already exists")

	// ErrJobAlreadyTerminal is returned when canceling an export that already finished
	ErrJobAlreadyTerminal = errors.New("export job already finished")

	// ErrAttemptNotFound is returned when an attempt cannot be found in the queue
	ErrAttemptNotFound = errors.New("attempt not found")

	// ErrAttemptAlreadyClaimed is returned when an attempt is not in CREATED status
	ErrAttemptAlreadyClaimed = errors.New("attempt already claimed or finished")
)

// JobExecutionError is a fatal attempt failure; the host must not retry it
type JobExecutionError struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *JobExecutionError) Error() string {
	return e.Message
}

func (e *JobExecutionError) Unwrap() error {
	return e.Err
}

// NewJobExecutionError creates a fatal error carrying the recorded failure
func NewJobExecutionError(message string, statusCode int, err error) error {
	return &JobExecutionError{Message: message, StatusCode: statusCode, Err: err}
}

// RetriableJobError tells the host the attempt may be re-attempted.
// ContinuationID is set when a later attempt in the group already carries the
// work forward, in which case the host should not redeliver this attempt.
type RetriableJobError struct {
	Reason         string
	ContinuationID int64
	Err            error
}

func (e *RetriableJobError) Error() string {
	if e.Err != nil {
		return "retriable job error: " + e.Reason + ": " + e.Err.Error()
	}
	return "retriable job error: " + e.Reason
}

func (e *RetriableJobError) Unwrap() error {
	return e.Err
}

// NewRetriableJobError creates a retriable error with an optional cause
func NewRetriableJobError(reason string, err error) error {
	return &RetriableJobError{Reason: reason, Err: err}
}

// IsFatal reports whether err carries a JobExecutionError
func IsFatal(err error) bool {
	var fatal *JobExecutionError
	return errors.As(err, &fatal)
}

// IsRetriable reports whether err carries a RetriableJobError
func IsRetriable(err error) bool {
	var retriable *RetriableJobError
	return errors.As(err, &retriable)
}

// ContinuationOf returns the id of the attempt that superseded the failed one, or 0
func ContinuationOf(err error) int64 {
	var retriable *RetriableJobError
	if errors.As(err, &retriable) {
		return retriable.ContinuationID
	}
	return 0
}
