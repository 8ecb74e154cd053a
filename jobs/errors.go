package jobs

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a job step failed, and therefore what happens next.
type ErrorKind int

const (
	// Permanent errors end the job in Failure. Unclassified errors are Permanent.
	Permanent ErrorKind = iota

	// Transient errors (worker unavailable, lock contention, network) put the
	// job back to New with a backoff until its retry bound is reached.
	Transient

	// Broken marks jobs whose params can never be executed.
	Broken

	// Internal errors come from the store or other infrastructure. The operation
	// is retried, the job is left untouched.
	Internal
)

func (k ErrorKind) String() string {
	switch k {
	case Permanent:
		return "permanent"
	case Transient:
		return "transient"
	case Broken:
		return "broken"
	case Internal:
		return "internal"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error carries an ErrorKind alongside the underlying error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

func TransientError(err error) error { return newError(Transient, err) }
func PermanentError(err error) error { return newError(Permanent, err) }
func BrokenError(err error) error    { return newError(Broken, err) }
func InternalError(err error) error  { return newError(Internal, err) }

// KindOf returns the outermost ErrorKind found in err's chain, or Permanent.
func KindOf(err error) ErrorKind {
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	return Permanent
}

func IsTransient(err error) bool { return err != nil && KindOf(err) == Transient }
func IsInternal(err error) bool  { return err != nil && KindOf(err) == Internal }

// ErrInterrupted marks a job step abandoned because the process is stopping.
// The job goes back to New without counting a retry.
var ErrInterrupted = errors.New("interrupted by shutdown")

func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}
