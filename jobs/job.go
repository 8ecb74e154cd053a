// Package jobs provides definitions for durable publishing jobs: their kinds,
// parameters, statuses and the error taxonomy used to decide retries.
package jobs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ID identifies a job. IDs are assigned by the store in ascending order and
// determine the claim order of runnable jobs.
type ID int64

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Kind discriminates what a job does.
type Kind string

const (
	// Import a build into a repository as a new commit.
	KindCommit Kind = "commit"

	// Compute a static delta between two commits of a ref.
	KindGenerateDelta Kind = "generate-delta"

	// Materialize the published view of a repository.
	KindUpdateRepo Kind = "update-repo"

	// Point refs of a repository at new commits.
	KindPublish Kind = "publish"
)

var kinds = []Kind{KindCommit, KindGenerateDelta, KindUpdateRepo, KindPublish}

// Kinds returns every known job kind.
func Kinds() []Kind {
	return append([]Kind(nil), kinds...)
}

func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Status of a Job.
//
//	New -> Started -> Success | Failure
//
// Broken is terminal and set on jobs whose stored params can never be executed.
type Status string

const (
	// Waiting to be claimed.
	StatusNew Status = "new"

	// Claimed by an executor, see Job.Lease.
	StatusStarted Status = "started"

	// Ended successfully.
	StatusSuccess Status = "success"

	// Ended unsuccessfully, either by its own error or a failed dependency.
	StatusFailure Status = "failure"

	// Params failed to parse or validate, never retried.
	StatusBroken Status = "broken"
)

var statuses = []Status{StatusNew, StatusStarted, StatusSuccess, StatusFailure, StatusBroken}

// Statuses returns every status in lifecycle order.
func Statuses() []Status {
	return append([]Status(nil), statuses...)
}

func ParseStatus(s string) (Status, error) {
	for _, st := range statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsEnded is true for the two Ended variants.
func (s Status) IsEnded() bool {
	return s == StatusSuccess || s == StatusFailure
}

// IsTerminal is true when no further transition is possible.
func (s Status) IsTerminal() bool {
	return s.IsEnded() || s == StatusBroken
}

// IsFailed is true when dependents of a job with this status can never run.
func (s Status) IsFailed() bool {
	return s == StatusFailure || s == StatusBroken
}

// CanTransition reports whether the store may move a job from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusNew:
		// Failure without running happens when a dependency failed.
		return next == StatusStarted || next == StatusFailure
	case StatusStarted:
		// New again on retry, recovery or shutdown.
		return next == StatusNew || next.IsTerminal()
	}
	return false
}

// Job is the durable record of one unit of work.
type Job struct {
	ID           ID
	Kind         Kind
	Repo         string
	Params       json.RawMessage
	Status       Status
	Results      string
	Dependencies []ID

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	// RunAt is the earliest time the job may be claimed, pushed forward on retry.
	RunAt time.Time

	RetryCount int
	MaxRetries int

	// Lease names the executor incarnation holding a Started job.
	Lease string
}

func (j *Job) String() string {
	return fmt.Sprintf("job %d (%s, repo:%s, status:%s, retries:%d/%d)",
		j.ID, j.Kind, j.Repo, j.Status, j.RetryCount, j.MaxRetries)
}

// Submission is what a caller provides to create a job. The insertion
// contract fills in the rest: status New, zero retries, RunAt now.
type Submission struct {
	Kind         Kind
	Repo         string
	Params       json.RawMessage
	Dependencies []ID
	MaxRetries   int
}

func (s *Submission) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("unknown job kind %q", s.Kind)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", s.MaxRetries)
	}
	seen := make(map[ID]bool, len(s.Dependencies))
	for _, dep := range s.Dependencies {
		if seen[dep] {
			return fmt.Errorf("duplicate dependency %d", dep)
		}
		seen[dep] = true
	}
	return nil
}

// NewJob returns the record the store persists for s.
func (s *Submission) NewJob(now time.Time) *Job {
	return &Job{
		Kind:         s.Kind,
		Repo:         s.Repo,
		Params:       s.Params,
		Status:       StatusNew,
		Dependencies: append([]ID(nil), s.Dependencies...),
		CreatedAt:    now,
		RunAt:        now,
		MaxRetries:   s.MaxRetries,
	}
}
