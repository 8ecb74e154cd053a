package executor

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/deltapub/deltapub/jobs"
	"github.com/deltapub/deltapub/repo"
)

// Handler runs the body of one kind of job. Run's result is stored, JSON
// encoded, as the job's results. Its error decides the job's fate: see
// jobs.ErrorKind.
type Handler interface {
	Run(ctx context.Context, job *jobs.Job, params jobs.Params) (interface{}, error)

	// LocksRepo is true for handlers that mutate the job's repository. The
	// executor holds the repository's lock around Run.
	LocksRepo() bool
}

// Pauser is implemented by handlers that can stop taking jobs. Jobs of a
// paused handler's kind are left New for another executor or a restart.
type Pauser interface {
	Paused() bool
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc struct {
	Func  func(ctx context.Context, job *jobs.Job, params jobs.Params) (interface{}, error)
	Locks bool
	// Closed when the handler can no longer run jobs. Nil never pauses.
	Stopped <-chan struct{}
}

func (h HandlerFunc) Run(ctx context.Context, job *jobs.Job, params jobs.Params) (interface{}, error) {
	return h.Func(ctx, job, params)
}

func (h HandlerFunc) LocksRepo() bool { return h.Locks }

func (h HandlerFunc) Paused() bool {
	if h.Stopped == nil {
		return false
	}
	select {
	case <-h.Stopped:
		return true
	default:
		return false
	}
}

// DeltaRequester computes deltas, normally a *deltas.Generator. Returned
// errors are expected to be classified already.
type DeltaRequester interface {
	RequestDelta(ctx context.Context, repo string, spec repo.DeltaSpec) (*repo.DeltaInfo, error)
}

// DefaultHandlers returns the handlers for every job kind. If deltas has a
// Done channel, as *deltas.Generator does, delta jobs pause once it closes.
func DefaultHandlers(backend repo.Backend, deltas DeltaRequester) map[jobs.Kind]Handler {
	delta := HandlerFunc{Func: deltaHandler(deltas)}
	if d, ok := deltas.(interface{ Done() <-chan struct{} }); ok {
		delta.Stopped = d.Done()
	}
	return map[jobs.Kind]Handler{
		jobs.KindCommit:        HandlerFunc{Func: commitHandler(backend), Locks: true},
		jobs.KindGenerateDelta: delta,
		jobs.KindUpdateRepo:    HandlerFunc{Func: updateRepoHandler(backend), Locks: true},
		jobs.KindPublish:       HandlerFunc{Func: publishHandler(backend), Locks: true},
	}
}

func wrongParams(job *jobs.Job, params jobs.Params) error {
	return jobs.BrokenError(errors.Errorf("%s job given %T params", job.Kind, params))
}

type CommitResult struct {
	Commit string `json:"commit"`
}

func commitHandler(backend repo.Backend) func(context.Context, *jobs.Job, jobs.Params) (interface{}, error) {
	return func(ctx context.Context, job *jobs.Job, params jobs.Params) (interface{}, error) {
		p, ok := params.(*jobs.CommitParams)
		if !ok {
			return nil, wrongParams(job, params)
		}
		commit, err := backend.Commit(ctx, p.Repo, repo.CommitRequest{
			Ref:     p.Ref,
			Source:  p.Source,
			Subject: p.Subject,
			Body:    p.Body,
		})
		if err != nil {
			return nil, repo.Classify(err)
		}
		return CommitResult{Commit: commit}, nil
	}
}

func deltaHandler(deltas DeltaRequester) func(context.Context, *jobs.Job, jobs.Params) (interface{}, error) {
	return func(ctx context.Context, job *jobs.Job, params jobs.Params) (interface{}, error) {
		p, ok := params.(*jobs.GenerateDeltaParams)
		if !ok {
			return nil, wrongParams(job, params)
		}
		return deltas.RequestDelta(ctx, p.Repo, repo.DeltaSpec{Ref: p.Ref, From: p.From, To: p.To})
	}
}

type UpdateRepoResult struct {
	Dir  string   `json:"dir"`
	Refs []string `json:"refs"`
}

func updateRepoHandler(backend repo.Backend) func(context.Context, *jobs.Job, jobs.Params) (interface{}, error) {
	return func(ctx context.Context, job *jobs.Job, params jobs.Params) (interface{}, error) {
		p, ok := params.(*jobs.UpdateRepoParams)
		if !ok {
			return nil, wrongParams(job, params)
		}
		for _, ref := range p.Refs {
			if err := backend.Checkout(ctx, p.Repo, ref, p.CheckoutDir); err != nil {
				return nil, repo.Classify(err)
			}
		}
		return UpdateRepoResult{Dir: p.CheckoutDir, Refs: p.Refs}, nil
	}
}

type PublishResult struct {
	Refs map[string]string `json:"refs"`
}

func publishHandler(backend repo.Backend) func(context.Context, *jobs.Job, jobs.Params) (interface{}, error) {
	return func(ctx context.Context, job *jobs.Job, params jobs.Params) (interface{}, error) {
		p, ok := params.(*jobs.PublishParams)
		if !ok {
			return nil, wrongParams(job, params)
		}
		refs := make([]string, 0, len(p.Refs))
		for ref := range p.Refs {
			refs = append(refs, ref)
		}
		sort.Strings(refs)
		for _, ref := range refs {
			if err := backend.UpdateRef(ctx, p.Repo, ref, p.Refs[ref]); err != nil {
				return nil, repo.Classify(err)
			}
		}
		return PublishResult{Refs: p.Refs}, nil
	}
}
