// Package memrepo is an in-memory repo.Backend. It records every call and
// notices when two mutating calls overlap on the same repository.
package memrepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/deltapub/deltapub/repo"
)

// Call is one recorded backend invocation.
type Call struct {
	Op     string
	Repo   string
	Object string
}

// FailFunc can inject an error into a call before it takes effect.
type FailFunc func(op, repo, object string) error

type repository struct {
	refs    map[string]string
	commits map[string]string // commit -> parent
	deltas  map[string]repo.DeltaInfo
}

type Backend struct {
	// Delay is how long each call sleeps while holding the repository, so
	// overlapping calls have a window to be observed.
	Delay time.Duration
	Fail  FailFunc

	mu       sync.Mutex
	repos    map[string]*repository
	active   map[string]int
	overlaps int
	calls    []Call
	seq      int
}

var _ repo.Backend = (*Backend)(nil)

func NewBackend() *Backend {
	return &Backend{
		repos:  make(map[string]*repository),
		active: make(map[string]int),
	}
}

// Overlaps counts mutating calls that found another one already running on
// the same repository.
func (b *Backend) Overlaps() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overlaps
}

func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Ref returns the commit ref points at in name.
func (b *Backend) Ref(name, ref string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.repos[name]
	if !ok {
		return "", false
	}
	c, ok := r.refs[ref]
	return c, ok
}

func (b *Backend) HasDelta(name, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.repos[name]
	if !ok {
		return false
	}
	_, ok = r.deltas[id]
	return ok
}

// enter records the call and returns a func to leave it. Only mutating calls
// count towards Overlaps.
func (b *Backend) enter(ctx context.Context, op, name, object string, mutating bool) (func(), error) {
	b.mu.Lock()
	b.calls = append(b.calls, Call{Op: op, Repo: name, Object: object})
	fail := b.Fail
	if mutating {
		if b.active[name] > 0 {
			b.overlaps++
		}
		b.active[name]++
	}
	b.mu.Unlock()

	leave := func() {
		if mutating {
			b.mu.Lock()
			b.active[name]--
			b.mu.Unlock()
		}
	}
	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-ctx.Done():
			leave()
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(op, name, object); err != nil {
			leave()
			return nil, err
		}
	}
	return leave, nil
}

// lookup must be called with mu held.
func (b *Backend) lookup(op, name string) (*repository, error) {
	r, ok := b.repos[name]
	if !ok {
		return nil, &repo.ObjectError{Op: op, Repo: name, Err: errors.New("no such repository")}
	}
	return r, nil
}

func (b *Backend) Commit(ctx context.Context, name string, req repo.CommitRequest) (string, error) {
	leave, err := b.enter(ctx, "commit", name, req.Ref, true)
	if err != nil {
		return "", err
	}
	defer leave()

	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.repos[name]
	if !ok {
		r = &repository{
			refs:    make(map[string]string),
			commits: make(map[string]string),
			deltas:  make(map[string]repo.DeltaInfo),
		}
		b.repos[name] = r
	}
	b.seq++
	parent := r.refs[req.Ref]
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%s\x00%d", name, req.Ref, req.Source, parent, b.seq)))
	commit := hex.EncodeToString(sum[:])
	r.commits[commit] = parent
	r.refs[req.Ref] = commit
	return commit, nil
}

func (b *Backend) ComputeDelta(ctx context.Context, name string, spec repo.DeltaSpec) (*repo.DeltaInfo, error) {
	leave, err := b.enter(ctx, "static-delta", name, spec.DeltaID(), false)
	if err != nil {
		return nil, err
	}
	defer leave()

	b.mu.Lock()
	defer b.mu.Unlock()
	r, err := b.lookup("static-delta", name)
	if err != nil {
		return nil, err
	}
	for _, c := range []string{spec.From, spec.To} {
		if _, ok := r.commits[c]; c != "" && !ok {
			return nil, &repo.ObjectError{Op: "static-delta", Repo: name, Object: c, Err: errors.New("no such commit")}
		}
	}
	info := repo.DeltaInfo{ID: spec.DeltaID(), From: spec.From, To: spec.To, Size: int64(len(spec.DeltaID()))}
	r.deltas[info.ID] = info
	return &info, nil
}

func (b *Backend) Checkout(ctx context.Context, name, ref, dest string) error {
	leave, err := b.enter(ctx, "checkout", name, ref, true)
	if err != nil {
		return err
	}
	defer leave()

	b.mu.Lock()
	defer b.mu.Unlock()
	r, err := b.lookup("checkout", name)
	if err != nil {
		return err
	}
	if _, ok := r.refs[ref]; !ok {
		return &repo.ObjectError{Op: "checkout", Repo: name, Object: ref, Err: errors.New("no such ref")}
	}
	return nil
}

func (b *Backend) UpdateRef(ctx context.Context, name, ref, commit string) error {
	leave, err := b.enter(ctx, "update-ref", name, ref, true)
	if err != nil {
		return err
	}
	defer leave()

	b.mu.Lock()
	defer b.mu.Unlock()
	r, err := b.lookup("update-ref", name)
	if err != nil {
		return err
	}
	if _, ok := r.commits[commit]; !ok {
		return &repo.ObjectError{Op: "update-ref", Repo: name, Object: commit, Err: errors.New("no such commit")}
	}
	r.refs[ref] = commit
	return nil
}
