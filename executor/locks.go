package executor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/deltapub/deltapub/jobs"
)

// ErrLockTimeout is returned, as a Transient error, when a job waited
// longer than the lock timeout for its repository.
var ErrLockTimeout = errors.New("timed out waiting for repository lock")

// repoLocks hands out one exclusive lock per repository name. Each lock is a
// one-slot channel so waiting can be abandoned on timeout or cancellation.
type repoLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newRepoLocks() *repoLocks {
	return &repoLocks{locks: make(map[string]chan struct{})}
}

func (l *repoLocks) lock(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	return ch
}

// acquire blocks until name is free, timeout passes, or ctx is done. The
// returned func releases the lock.
func (l *repoLocks) acquire(ctx context.Context, name string, timeout time.Duration) (func(), error) {
	ch := l.lock(name)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, jobs.TransientError(errors.Wrapf(ErrLockTimeout, "repository %s after %s", name, timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
