package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltapub/deltapub/jobs"

	"github.com/deltapub/deltapub/store"
	"github.com/deltapub/deltapub/store/storetest"
)

// Set to a disposable database to run these tests; its tables are truncated.
const databaseURLEnv = "DELTAPUB_TEST_DATABASE_URL"

func openTestStore(t *testing.T, url string) *Store {
	ctx := context.Background()
	s, err := New(ctx, url, 16)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	_, err = s.pool.Exec(ctx, `TRUNCATE job_dependencies, jobs RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return s
}

func testURL(t *testing.T) string {
	url := os.Getenv(databaseURLEnv)
	if url == "" {
		t.Skipf("%s not set", databaseURLEnv)
	}
	return url
}

func TestPostgresStore(t *testing.T) {
	url := testURL(t)
	storetest.RunSuite(t, func(t *testing.T) store.Store {
		return openTestStore(t, url)
	})
}

func TestClaimSkipsLockedRow(t *testing.T) {
	s := openTestStore(t, testURL(t))
	defer s.Close()
	ctx := context.Background()

	id, err := s.Insert(ctx, &jobs.Submission{
		Kind:   jobs.KindCommit,
		Repo:   "os",
		Params: json.RawMessage(`{"repo":"os","ref":"stable","source":"/tree"}`),
	})
	require.NoError(t, err)

	// Another transaction holds the row, as a competing claim would.
	tx, err := s.pool.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, `SELECT id FROM jobs WHERE id = $1 FOR UPDATE`, int64(id))
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_, err = s.Claim(cctx, id, "a/1", time.Now())
	cancel()
	assert.True(t, errors.Is(err, store.ErrNotClaimable), "got %v", err)

	require.NoError(t, tx.Rollback(ctx))
	job, err := s.Claim(ctx, id, "a/1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusStarted, job.Status)
}
