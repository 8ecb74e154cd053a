package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltapub/deltapub/store"
	"github.com/deltapub/deltapub/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.RunSuite(t, func(t *testing.T) store.Store {
		return newTestStore(t)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	require.NoError(t, s.Migrate(context.Background()))
}
