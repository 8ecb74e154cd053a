package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/deltapub/deltapub/common/stats"
	"github.com/deltapub/deltapub/jobs"
	"github.com/deltapub/deltapub/store/memory"
)

// Each seed byte describes one job: its low bits pick dependencies among the
// four jobs before it and seed%5 == 0 makes it fail.
func TestDependencyGraphsRunInOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	properties.Property("jobs run only after their dependencies succeed", prop.ForAll(
		func(seeds []uint8) bool {
			ctx := context.Background()
			st := memory.NewStore()
			h := newRecordingHandler(t, st)
			e, err := NewWithHandlers(testConfig(3), st, allKinds(h), stats.NilStatsReceiver())
			require.NoError(t, err)
			defer e.Stop(ctx, false)

			ids := make([]jobs.ID, len(seeds))
			deps := make([][]jobs.ID, len(seeds))
			for i, seed := range seeds {
				for back := 1; back <= 4 && back <= i; back++ {
					if seed&(1<<uint(back-1)) != 0 {
						deps[i] = append(deps[i], ids[i-back])
					}
				}
				id, err := e.Submit(ctx, jobs.KindCommit, commit("os", "/tree"), deps[i], WithMaxRetries(0))
				require.NoError(t, err)
				ids[i] = id
				if seed%5 == 0 {
					h.fail[id] = errors.New("boom")
				}
			}
			require.NoError(t, e.Start(ctx))

			want := make(map[jobs.ID]jobs.Status)
			for i, id := range ids {
				status := jobs.StatusSuccess
				if h.fail[id] != nil {
					status = jobs.StatusFailure
				}
				for _, dep := range deps[i] {
					if want[dep] != jobs.StatusSuccess {
						status = jobs.StatusFailure
					}
				}
				want[id] = status
			}

			deadline := time.Now().Add(5 * time.Second)
			for _, id := range ids {
				for {
					job, err := st.Get(ctx, id)
					require.NoError(t, err)
					if job.Status.IsTerminal() {
						break
					}
					if time.Now().After(deadline) {
						return false
					}
					time.Sleep(2 * time.Millisecond)
				}
			}
			require.NoError(t, e.Stop(ctx, true))

			for i, id := range ids {
				job, err := st.Get(ctx, id)
				require.NoError(t, err)
				if job.Status != want[id] {
					return false
				}
				ranAfterFailedDep := false
				for _, dep := range deps[i] {
					if want[dep] != jobs.StatusSuccess {
						ranAfterFailedDep = true
					}
				}
				if ranAfterFailedDep && (h.count(id) != 0 || job.StartedAt != nil) {
					return false
				}
				if !ranAfterFailedDep && h.count(id) != 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(12, gen.UInt8()),
	))

	properties.TestingRun(t)
}
