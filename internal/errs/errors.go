// Package errs holds the error kinds surfaced by the generation client.
// Every failure returned by the core is one of these kinds, possibly wrapped.
package errs

import (
	"errors"
	"fmt"
)

// validationError is raised before any network call is made.
type validationError struct{ msg string }

func (e validationError) Error() string { return e.msg }

// Validation constructs a validation error with a user-facing message.
func Validation(msg string) error { return validationError{msg: msg} }

// Validationf is Validation with formatting.
func Validationf(format string, args ...any) error {
	return validationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a validation error.
func IsValidation(err error) bool {
	var e validationError
	return errors.As(err, &e)
}

// transportError covers non-success HTTP statuses and network failures.
// status is zero when no response was received.
type transportError struct {
	status int
	msg    string
	cause  error
}

func (e transportError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e transportError) Unwrap() error { return e.cause }

// StatusCode returns the HTTP status of the failed call, or 0.
func (e transportError) StatusCode() int { return e.status }

// Transport constructs a transport error for an HTTP status.
func Transport(status int, msg string) error { return transportError{status: status, msg: msg} }

// Network wraps a failure that produced no HTTP response.
func Network(msg string, cause error) error { return transportError{msg: msg, cause: cause} }

// IsTransport reports whether err is (or wraps) a transport error.
func IsTransport(err error) bool {
	var e transportError
	return errors.As(err, &e)
}

// StatusCode extracts the HTTP status from a transport error, or 0.
func StatusCode(err error) int {
	var e transportError
	if errors.As(err, &e) {
		return e.status
	}
	return 0
}

// jobFailureError is a terminal failure reported by the job endpoint.
type jobFailureError struct{ msg string }

func (e jobFailureError) Error() string { return e.msg }

// JobFailure constructs a job failure error.
func JobFailure(msg string) error { return jobFailureError{msg: msg} }

// IsJobFailure reports whether err is (or wraps) a job failure.
func IsJobFailure(err error) bool {
	var e jobFailureError
	return errors.As(err, &e)
}

// jobTimeoutError means every poll attempt ran without a terminal status.
type jobTimeoutError struct {
	jobID    string
	attempts int
}

func (e jobTimeoutError) Error() string { return "Job timed out - please try again" }

// JobID returns the id of the job that timed out.
func (e jobTimeoutError) JobID() string { return e.jobID }

// Attempts returns the number of status checks made.
func (e jobTimeoutError) Attempts() int { return e.attempts }

// JobTimeout constructs a job timeout error.
func JobTimeout(jobID string, attempts int) error {
	return jobTimeoutError{jobID: jobID, attempts: attempts}
}

// IsJobTimeout reports whether err is (or wraps) a job timeout.
func IsJobTimeout(err error) bool {
	var e jobTimeoutError
	return errors.As(err, &e)
}

// emptyResultError is a completed job that produced no usable image.
type emptyResultError struct{ msg string }

func (e emptyResultError) Error() string { return e.msg }

// EmptyResult constructs an empty result error.
func EmptyResult(msg string) error { return emptyResultError{msg: msg} }

// IsEmptyResult reports whether err is (or wraps) an empty result.
func IsEmptyResult(err error) bool {
	var e emptyResultError
	return errors.As(err, &e)
}

// ErrBusy is returned when a submission is attempted while one is in flight.
var ErrBusy = errors.New("a generation is already in progress")

// Busy returns ErrBusy.
func Busy() error { return ErrBusy }

// IsBusy reports whether err is (or wraps) ErrBusy.
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }
