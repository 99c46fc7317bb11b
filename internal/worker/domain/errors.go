package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is returned when a job would move backward or leave a terminal state
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrMissingUID is returned when a job without an identifier is reported
	ErrMissingUID = errors.New("job uid is required")

	// ErrUnsupportedSource is returned for an unknown job source type
	ErrUnsupportedSource = errors.New("unsupported job source type")
)

// DescribeError renders an error the way it is stored in a job's error list
func DescribeError(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "unknown error"
	}
	return msg
}

// JobFailure is the fatal outcome of a job under stop-on-error.
// Cause is the original failure; ReportErr is set when reporting
// that failure to the queue server also failed.
type JobFailure struct {
	UID       string
	Cause     error
	ReportErr error
}

func (e *JobFailure) Error() string {
	if e.ReportErr != nil {
		return fmt.Sprintf("job %s failed: %v (reporting failure also failed: %v)", e.UID, e.Cause, e.ReportErr)
	}
	return fmt.Sprintf("job %s failed: %v", e.UID, e.Cause)
}

func (e *JobFailure) Unwrap() []error {
	if e.ReportErr != nil {
		return []error{e.Cause, e.ReportErr}
	}
	return []error{e.Cause}
}

// NewJobFailure creates a new job failure
func NewJobFailure(uid string, cause, reportErr error) error {
	return &JobFailure{UID: uid, Cause: cause, ReportErr: reportErr}
}
