package repo

import (
	"errors"
	"fmt"

	"github.com/deltapub/deltapub/jobs"
)

// ObjectError is an object-level failure reported by the backend: a missing
// commit, a corrupt object, a rejected ref update.
type ObjectError struct {
	Op     string
	Repo   string
	Object string
	// Retryable is set when repeating the operation may succeed.
	Retryable bool
	Err       error
}

func (e *ObjectError) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Repo, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Op, e.Repo, e.Object, e.Err)
}

func (e *ObjectError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is an ObjectError marked retryable.
func IsRetryable(err error) bool {
	var oe *ObjectError
	return errors.As(err, &oe) && oe.Retryable
}

// Classify maps a backend error onto the job error taxonomy. Object errors
// are Permanent unless marked Retryable. Anything else (cancellation, a
// missing binary, I/O) is Transient. Errors already classified keep their kind.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var je *jobs.Error
	if errors.As(err, &je) {
		return err
	}
	var oe *ObjectError
	if errors.As(err, &oe) {
		if oe.Retryable {
			return jobs.TransientError(err)
		}
		return jobs.PermanentError(err)
	}
	return jobs.TransientError(err)
}
