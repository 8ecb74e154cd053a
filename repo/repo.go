// Package repo defines the repository backend the executor drives: the
// content-addressed store that holds commits, refs and static deltas.
//
// Every Backend operation must be safe to repeat. A job interrupted by a
// crash is run again from the start after recovery.
package repo

//go:generate mockgen -source=repo.go -package=repo -destination=repo_mock.go

import (
	"context"
	"fmt"
)

// CommitRequest imports the tree at Source as a new commit on Ref.
type CommitRequest struct {
	Ref     string
	Source  string
	Subject string
	Body    string
}

// DeltaSpec names a static delta. An empty From means a from-scratch delta.
type DeltaSpec struct {
	Ref  string `json:"ref" msgpack:"ref"`
	From string `json:"from,omitempty" msgpack:"from,omitempty"`
	To   string `json:"to" msgpack:"to"`
}

func (d DeltaSpec) String() string {
	if d.From == "" {
		return fmt.Sprintf("%s:%s", d.Ref, d.To)
	}
	return fmt.Sprintf("%s:%s-%s", d.Ref, d.From, d.To)
}

// DeltaID is the identifier a backend files a delta under.
func (d DeltaSpec) DeltaID() string {
	if d.From == "" {
		return d.To
	}
	return d.From + "-" + d.To
}

// DeltaInfo describes a generated delta.
type DeltaInfo struct {
	ID   string `json:"id" msgpack:"id"`
	From string `json:"from,omitempty" msgpack:"from,omitempty"`
	To   string `json:"to" msgpack:"to"`
	Size int64  `json:"size,omitempty" msgpack:"size,omitempty"`
}

type Backend interface {
	// Commit returns the id of the new commit.
	Commit(ctx context.Context, repo string, req CommitRequest) (string, error)

	ComputeDelta(ctx context.Context, repo string, spec DeltaSpec) (*DeltaInfo, error)

	// Checkout materializes ref under dest.
	Checkout(ctx context.Context, repo, ref, dest string) error

	// UpdateRef points ref at commit.
	UpdateRef(ctx context.Context, repo, ref, commit string) error
}
