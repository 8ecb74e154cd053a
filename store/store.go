// Package store defines the durable job table the executor claims work from.
//
// Every state-changing operation is a compare-and-swap on the job's status
// and lease, run inside one transaction at the strongest isolation the
// backing engine offers. Two executors racing for a job therefore see one
// winner and one ErrNotClaimable, never a double claim.
package store

//go:generate mockgen -source=store.go -package=store -destination=store_mock.go

import (
	"context"
	"errors"
	"time"

	"github.com/deltapub/deltapub/jobs"
)

var (
	// No job with the requested id.
	ErrNotFound = errors.New("job not found")

	// The job was not New, not yet eligible, or had a dependency that is not Success.
	ErrNotClaimable = errors.New("job not claimable")

	// The job is no longer Started under the caller's lease.
	ErrLeaseLost = errors.New("job lease lost")

	// Insert referenced a dependency that does not exist.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Store is the persistence contract for jobs.
//
// Errors other than the sentinels above are infrastructure failures and are
// returned wrapped as jobs.Internal.
type Store interface {
	// Insert persists s as a New job with zero retries, eligible immediately.
	Insert(ctx context.Context, s *jobs.Submission) (jobs.ID, error)

	Get(ctx context.Context, id jobs.ID) (*jobs.Job, error)

	// ListClaimable returns up to limit New jobs whose RunAt is not after now
	// and whose dependencies are all Success, lowest id first.
	ListClaimable(ctx context.Context, now time.Time, limit int) ([]*jobs.Job, error)

	// Claim moves id from New to Started under lease, re-checking eligibility.
	Claim(ctx context.Context, id jobs.ID, lease string, now time.Time) (*jobs.Job, error)

	// Finish ends a Started job held by lease with status Success, Failure or Broken.
	Finish(ctx context.Context, id jobs.ID, lease string, status jobs.Status, results string, now time.Time) error

	// Requeue returns a Started job held by lease to New, eligible again at runAt.
	Requeue(ctx context.Context, id jobs.ID, lease string, retryCount int, runAt time.Time) error

	// PropagateFailures fails every New job that has a Failure or Broken
	// dependency, transitively, and returns the ids it failed.
	PropagateFailures(ctx context.Context, now time.Time) ([]jobs.ID, error)

	// ListStartedForLease returns Started jobs whose lease belongs to instance,
	// i.e. starts with instance + "/".
	ListStartedForLease(ctx context.Context, instance string) ([]*jobs.Job, error)

	Close() error
}

// LeasePrefix is the prefix shared by every lease issued to instance.
func LeasePrefix(instance string) string {
	return instance + "/"
}

// DependencyFailedResult is the results text recorded on a job failed by propagation.
func DependencyFailedResult(dep jobs.ID, status jobs.Status) string {
	return "dependency " + dep.String() + " ended in " + string(status)
}

// Internal wraps an infrastructure error so the executor retries the operation.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	return jobs.InternalError(err)
}

// IsConflict is true for the CAS sentinels, which are not infrastructure failures.
func IsConflict(err error) bool {
	return errors.Is(err, ErrNotClaimable) || errors.Is(err, ErrLeaseLost)
}
