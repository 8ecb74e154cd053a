package memrepo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltapub/deltapub/repo"
)

func TestCommitDeltaPublish(t *testing.T) {
	ctx := context.Background()
	b := NewBackend()
	c1, err := b.Commit(ctx, "stable", repo.CommitRequest{Ref: "app/x", Source: "/b1"})
	require.NoError(t, err)
	c2, err := b.Commit(ctx, "stable", repo.CommitRequest{Ref: "app/x", Source: "/b2"})
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)

	info, err := b.ComputeDelta(ctx, "stable", repo.DeltaSpec{Ref: "app/x", From: c1, To: c2})
	require.NoError(t, err)
	assert.Equal(t, c1+"-"+c2, info.ID)
	assert.True(t, b.HasDelta("stable", info.ID))

	require.NoError(t, b.UpdateRef(ctx, "stable", "app/x/stable", c1))
	ref, ok := b.Ref("stable", "app/x/stable")
	assert.True(t, ok)
	assert.Equal(t, c1, ref)
	require.NoError(t, b.Checkout(ctx, "stable", "app/x", "/srv"))
}

func TestUnknownObjectsArePermanent(t *testing.T) {
	ctx := context.Background()
	b := NewBackend()
	_, err := b.ComputeDelta(ctx, "stable", repo.DeltaSpec{Ref: "app/x", To: "c1"})
	assert.Error(t, err)
	assert.False(t, repo.IsRetryable(err))

	_, err = b.Commit(ctx, "stable", repo.CommitRequest{Ref: "app/x", Source: "/b1"})
	require.NoError(t, err)
	err = b.UpdateRef(ctx, "stable", "app/x", "nope")
	assert.Error(t, err)
	assert.False(t, repo.IsRetryable(err))
}

func TestOverlapDetection(t *testing.T) {
	ctx := context.Background()
	b := NewBackend()
	b.Delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Commit(ctx, "stable", repo.CommitRequest{Ref: "app/x", Source: "/b"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, b.Overlaps())
	assert.Len(t, b.Calls(), 2)
}

func TestFailInjection(t *testing.T) {
	b := NewBackend()
	b.Fail = func(op, name, object string) error {
		return &repo.ObjectError{Op: op, Repo: name, Retryable: true}
	}
	_, err := b.Commit(context.Background(), "stable", repo.CommitRequest{Ref: "app/x"})
	assert.True(t, repo.IsRetryable(err))
	_, ok := b.Ref("stable", "app/x")
	assert.False(t, ok)
}
