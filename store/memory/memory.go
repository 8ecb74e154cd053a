// Package memory is a Store held in process memory. Nothing survives a
// restart except what the caller keeps a reference to, which is enough to
// simulate a crash in tests by handing the same Store to a new executor.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/deltapub/deltapub/jobs"
	"github.com/deltapub/deltapub/store"
)

type memoryStore struct {
	mu     sync.Mutex
	nextID jobs.ID
	jobs   map[jobs.ID]*jobs.Job
	closed bool
}

// NewStore returns an empty in-memory Store.
func NewStore() store.Store {
	return &memoryStore{nextID: 1, jobs: make(map[jobs.ID]*jobs.Job)}
}

func (s *memoryStore) check() error {
	if s.closed {
		return store.Internal(errors.New("memory store is closed"))
	}
	return nil
}

func (s *memoryStore) Insert(ctx context.Context, sub *jobs.Submission) (jobs.ID, error) {
	if err := sub.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	for _, dep := range sub.Dependencies {
		if _, ok := s.jobs[dep]; !ok {
			return 0, errors.Wrapf(store.ErrUnknownDependency, "job %d", dep)
		}
	}
	j := sub.NewJob(time.Now())
	j.ID = s.nextID
	s.nextID++
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *memoryStore) Get(ctx context.Context, id jobs.ID) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "job %d", id)
	}
	return copyJob(j), nil
}

// claimable must be called with mu held.
func (s *memoryStore) claimable(j *jobs.Job, now time.Time) bool {
	if j.Status != jobs.StatusNew || j.RunAt.After(now) {
		return false
	}
	for _, dep := range j.Dependencies {
		if d, ok := s.jobs[dep]; !ok || d.Status != jobs.StatusSuccess {
			return false
		}
	}
	return true
}

func (s *memoryStore) ListClaimable(ctx context.Context, now time.Time, limit int) ([]*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []*jobs.Job
	for _, j := range s.sorted() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if s.claimable(j, now) {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

func (s *memoryStore) Claim(ctx context.Context, id jobs.ID, lease string, now time.Time) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "job %d", id)
	}
	if !s.claimable(j, now) {
		return nil, errors.Wrapf(store.ErrNotClaimable, "job %d", id)
	}
	started := now
	j.Status = jobs.StatusStarted
	j.Lease = lease
	j.StartedAt = &started
	return copyJob(j), nil
}

func (s *memoryStore) held(id jobs.ID, lease string) (*jobs.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "job %d", id)
	}
	if j.Status != jobs.StatusStarted || j.Lease != lease {
		return nil, errors.Wrapf(store.ErrLeaseLost, "job %d", id)
	}
	return j, nil
}

func (s *memoryStore) Finish(ctx context.Context, id jobs.ID, lease string, status jobs.Status, results string, now time.Time) error {
	if !status.IsTerminal() {
		return errors.Errorf("cannot finish job %d with status %s", id, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	j, err := s.held(id, lease)
	if err != nil {
		return err
	}
	ended := now
	if j.StartedAt != nil && ended.Before(*j.StartedAt) {
		ended = *j.StartedAt
	}
	j.Status = status
	j.Results = results
	j.EndedAt = &ended
	j.Lease = ""
	return nil
}

func (s *memoryStore) Requeue(ctx context.Context, id jobs.ID, lease string, retryCount int, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	j, err := s.held(id, lease)
	if err != nil {
		return err
	}
	j.Status = jobs.StatusNew
	j.Lease = ""
	j.StartedAt = nil
	j.RetryCount = retryCount
	j.RunAt = runAt
	return nil
}

func (s *memoryStore) PropagateFailures(ctx context.Context, now time.Time) ([]jobs.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var failed []jobs.ID
	// Dependencies always have lower ids, so one ascending pass is transitive.
	for _, j := range s.sorted() {
		if j.Status != jobs.StatusNew {
			continue
		}
		for _, dep := range j.Dependencies {
			d := s.jobs[dep]
			if d != nil && d.Status.IsFailed() {
				ended := now
				j.Status = jobs.StatusFailure
				j.Results = store.DependencyFailedResult(dep, d.Status)
				j.EndedAt = &ended
				failed = append(failed, j.ID)
				break
			}
		}
	}
	return failed, nil
}

func (s *memoryStore) ListStartedForLease(ctx context.Context, instance string) ([]*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	prefix := store.LeasePrefix(instance)
	var out []*jobs.Job
	for _, j := range s.sorted() {
		if j.Status == jobs.StatusStarted && strings.HasPrefix(j.Lease, prefix) {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memoryStore) sorted() []*jobs.Job {
	out := make([]*jobs.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func copyJob(j *jobs.Job) *jobs.Job {
	c := *j
	c.Dependencies = append([]jobs.ID(nil), j.Dependencies...)
	c.Params = append([]byte(nil), j.Params...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		c.EndedAt = &t
	}
	return &c
}
