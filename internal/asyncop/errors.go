package asyncop

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a remote job did not reach a terminal state within its timeout.
	ErrTimeout = errors.New("remote job timed out")

	// ErrRemoteJobFailed is matched by every RemoteJobFailedError.
	ErrRemoteJobFailed = errors.New("remote job failed")

	// ErrRetriesExhausted is returned when polling kept failing transiently past the retry budget.
	ErrRetriesExhausted = errors.New("poll retries exhausted")

	// ErrMalformedResponse is returned when a completed job carries no migration response.
	ErrMalformedResponse = errors.New("malformed response")
)

// RemoteJobFailedError carries the error details reported by the endpoint for a failed job.
type RemoteJobFailedError struct {
	Endpoint string
	JobID    string
	Details  string
}

func (e *RemoteJobFailedError) Error() string {
	return fmt.Sprintf("remote job %q on %s failed: %s", e.JobID, e.Endpoint, e.Details)
}

func (e *RemoteJobFailedError) Is(target error) bool {
	return target == ErrRemoteJobFailed
}
