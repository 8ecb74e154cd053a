package deltas

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/deltapub/deltapub/jobs"
)

var (
	// No worker could take the request: the queue was full, or it waited
	// longer than the request timeout for a worker.
	ErrWorkerUnavailable = errors.New("no delta worker available")

	// The generator stopped while the request was pending.
	ErrGeneratorStopped = fmt.Errorf("delta generator stopped: %w", jobs.ErrInterrupted)

	// The worker holding the request did not answer within the request timeout.
	ErrTimeout = errors.New("delta request timed out")
)

// ComputationError is a failure reported for the delta itself.
type ComputationError struct {
	Msg       string
	Retryable bool
}

func (e *ComputationError) Error() string {
	return "computing delta: " + e.Msg
}

// classify turns generator outcomes into job errors. Requests interrupted by
// a stop are returned unclassified so the job goes back to New untouched.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrGeneratorStopped):
		return err
	case errors.Is(err, ErrWorkerUnavailable), errors.Is(err, ErrTimeout):
		return jobs.TransientError(err)
	}
	var ce *ComputationError
	if errors.As(err, &ce) && ce.Retryable {
		return jobs.TransientError(err)
	}
	return jobs.PermanentError(err)
}
