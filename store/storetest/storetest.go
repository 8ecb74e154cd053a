// Package storetest holds the behavioral contract every store.Store must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltapub/deltapub/jobs"
	"github.com/deltapub/deltapub/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// RunSuite runs the contract tests against stores made by newStore.
func RunSuite(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"InsertDefaults", testInsertDefaults},
		{"UnknownDependency", testUnknownDependency},
		{"ClaimableOrderAndDeps", testClaimableOrderAndDeps},
		{"ClaimIsExclusive", testClaimIsExclusive},
		{"ConcurrentClaims", testConcurrentClaims},
		{"FinishNeedsLease", testFinishNeedsLease},
		{"RequeueDelaysEligibility", testRequeueDelaysEligibility},
		{"PropagateFailures", testPropagateFailures},
		{"ListStartedForLease", testListStartedForLease},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tc.fn(t, s)
		})
	}
}

func params(repo string) json.RawMessage {
	return json.RawMessage(`{"repo":"` + repo + `","refs":{"app/x":"c1"}}`)
}

func insert(t *testing.T, s store.Store, repo string, deps ...jobs.ID) jobs.ID {
	id, err := s.Insert(context.Background(), &jobs.Submission{
		Kind:         jobs.KindPublish,
		Repo:         repo,
		Params:       params(repo),
		Dependencies: deps,
		MaxRetries:   3,
	})
	require.NoError(t, err)
	return id
}

func later() time.Time {
	return time.Now().Add(time.Second)
}

func testInsertDefaults(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := insert(t, s, "stable")
	b := insert(t, s, "stable", a)
	assert.True(t, b > a)

	j, err := s.Get(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusNew, j.Status)
	assert.Equal(t, jobs.KindPublish, j.Kind)
	assert.Equal(t, "stable", j.Repo)
	assert.Equal(t, []jobs.ID{a}, j.Dependencies)
	assert.Equal(t, 0, j.RetryCount)
	assert.Equal(t, 3, j.MaxRetries)
	assert.Empty(t, j.Lease)
	assert.Empty(t, j.Results)
	assert.Nil(t, j.StartedAt)
	assert.JSONEq(t, string(params("stable")), string(j.Params))

	_, err = s.Get(ctx, b+100)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testUnknownDependency(t *testing.T, s store.Store) {
	_, err := s.Insert(context.Background(), &jobs.Submission{
		Kind:         jobs.KindPublish,
		Repo:         "stable",
		Params:       params("stable"),
		Dependencies: []jobs.ID{4242},
	})
	assert.True(t, errors.Is(err, store.ErrUnknownDependency), "got %v", err)
}

func ids(js []*jobs.Job) []jobs.ID {
	out := []jobs.ID{}
	for _, j := range js {
		out = append(out, j.ID)
	}
	return out
}

func testClaimableOrderAndDeps(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := insert(t, s, "stable")
	b := insert(t, s, "stable", a)
	c := insert(t, s, "beta")

	js, err := s.ListClaimable(ctx, later(), 10)
	require.NoError(t, err)
	assert.Equal(t, []jobs.ID{a, c}, ids(js))

	js, err = s.ListClaimable(ctx, later(), 1)
	require.NoError(t, err)
	assert.Equal(t, []jobs.ID{a}, ids(js))

	_, err = s.Claim(ctx, b, "host/1", later())
	assert.True(t, errors.Is(err, store.ErrNotClaimable), "got %v", err)

	_, err = s.Claim(ctx, a, "host/1", later())
	require.NoError(t, err)
	js, err = s.ListClaimable(ctx, later(), 10)
	require.NoError(t, err)
	assert.Equal(t, []jobs.ID{c}, ids(js))

	require.NoError(t, s.Finish(ctx, a, "host/1", jobs.StatusSuccess, `{"ok":true}`, later()))
	js, err = s.ListClaimable(ctx, later(), 10)
	require.NoError(t, err)
	assert.Equal(t, []jobs.ID{b, c}, ids(js))
}

func testClaimIsExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := insert(t, s, "stable")
	now := later()

	j, err := s.Claim(ctx, a, "host/1", now)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusStarted, j.Status)
	assert.Equal(t, "host/1", j.Lease)
	require.NotNil(t, j.StartedAt)
	assert.WithinDuration(t, now, *j.StartedAt, time.Millisecond)

	_, err = s.Claim(ctx, a, "host/2", now)
	assert.True(t, errors.Is(err, store.ErrNotClaimable), "got %v", err)

	_, err = s.Claim(ctx, a+100, "host/2", now)
	assert.Error(t, err)
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	const jobCount, claimers = 5, 8
	for i := 0; i < jobCount; i++ {
		insert(t, s, "stable")
	}

	var mu sync.Mutex
	winners := map[jobs.ID][]string{}
	var wg sync.WaitGroup
	for c := 0; c < claimers; c++ {
		lease := "host/" + string(rune('a'+c))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := jobs.ID(1); id <= jobCount; id++ {
				_, err := s.Claim(ctx, id, lease, later())
				if err == nil {
					mu.Lock()
					winners[id] = append(winners[id], lease)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, winners, jobCount)
	for id, leases := range winners {
		assert.Len(t, leases, 1, "job %d claimed by %v", id, leases)
		j, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, leases[0], j.Lease)
	}
}

func testFinishNeedsLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := insert(t, s, "stable")

	err := s.Finish(ctx, a, "host/1", jobs.StatusSuccess, "", later())
	assert.True(t, errors.Is(err, store.ErrLeaseLost), "got %v", err)

	_, err = s.Claim(ctx, a, "host/1", later())
	require.NoError(t, err)
	err = s.Finish(ctx, a, "host/2", jobs.StatusSuccess, "", later())
	assert.True(t, errors.Is(err, store.ErrLeaseLost), "got %v", err)

	require.NoError(t, s.Finish(ctx, a, "host/1", jobs.StatusFailure, "commit rejected", later()))
	j, err := s.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailure, j.Status)
	assert.Equal(t, "commit rejected", j.Results)
	require.NotNil(t, j.EndedAt)
	assert.False(t, j.EndedAt.Before(*j.StartedAt))

	// Results are written once.
	err = s.Finish(ctx, a, "host/1", jobs.StatusSuccess, "again", later())
	assert.True(t, errors.Is(err, store.ErrLeaseLost), "got %v", err)
}

func testRequeueDelaysEligibility(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := insert(t, s, "stable")
	_, err := s.Claim(ctx, a, "host/1", later())
	require.NoError(t, err)

	runAt := time.Now().Add(time.Hour)
	require.NoError(t, s.Requeue(ctx, a, "host/1", 1, runAt))
	assert.True(t, errors.Is(s.Requeue(ctx, a, "host/1", 2, runAt), store.ErrLeaseLost))

	j, err := s.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusNew, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.Empty(t, j.Lease)
	assert.Nil(t, j.StartedAt)

	js, err := s.ListClaimable(ctx, later(), 10)
	require.NoError(t, err)
	assert.Empty(t, js)
	_, err = s.Claim(ctx, a, "host/2", later())
	assert.True(t, errors.Is(err, store.ErrNotClaimable))

	js, err = s.ListClaimable(ctx, runAt.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []jobs.ID{a}, ids(js))
}

func testPropagateFailures(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := insert(t, s, "stable")
	b := insert(t, s, "stable", a)
	c := insert(t, s, "stable", b)
	d := insert(t, s, "beta")

	failed, err := s.PropagateFailures(ctx, later())
	require.NoError(t, err)
	assert.Empty(t, failed)

	_, err = s.Claim(ctx, a, "host/1", later())
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, a, "host/1", jobs.StatusBroken, "bad params", later()))

	failed, err = s.PropagateFailures(ctx, later())
	require.NoError(t, err)
	assert.ElementsMatch(t, []jobs.ID{b, c}, failed)

	for _, id := range []jobs.ID{b, c} {
		j, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusFailure, j.Status)
		assert.Nil(t, j.StartedAt, "job %d must never start", id)
		assert.NotEmpty(t, j.Results)
	}
	j, err := s.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusNew, j.Status)
}

func testListStartedForLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := insert(t, s, "stable")
	b := insert(t, s, "stable")
	c := insert(t, s, "stable")
	insert(t, s, "stable")

	_, err := s.Claim(ctx, a, "host/old", later())
	require.NoError(t, err)
	_, err = s.Claim(ctx, b, "host/new", later())
	require.NoError(t, err)
	_, err = s.Claim(ctx, c, "hostile/x", later())
	require.NoError(t, err)

	js, err := s.ListStartedForLease(ctx, "host")
	require.NoError(t, err)
	assert.Equal(t, []jobs.ID{a, b}, ids(js))
	assert.Equal(t, "host/old", js[0].Lease)
}
