// Package sqlite is a single-node Store on an SQLite file.
//
// All state changes run in serializable transactions over a single
// connection, and every transition is a conditional UPDATE on id, status
// and lease.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/deltapub/deltapub/jobs"
	"github.com/deltapub/deltapub/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ store.Store = (*Store)(nil)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. The schema is not
// touched, call Migrate for that.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening sqlite db %s", path)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "applying %s", pragma)
		}
	}
	return &Store{db: db}, nil
}

// Migrate applies the embedded migrations not yet recorded in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return errors.Wrap(err, "creating migrations table")
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "reading migrations")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var applied int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, entry.Name()).Scan(&applied); err != nil {
			return errors.Wrapf(err, "checking migration %s", entry.Name())
		}
		if applied > 0 {
			continue
		}
		data, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return errors.Wrapf(err, "reading migration %s", entry.Name())
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return errors.Wrapf(err, "executing migration %s", entry.Name())
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`,
			entry.Name(), time.Now().UnixNano()); err != nil {
			return errors.Wrapf(err, "recording migration %s", entry.Name())
		}
		log.WithFields(log.Fields{"migration": entry.Name()}).Info("applied sqlite migration")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a serializable transaction. Errors fn returns are passed
// through unchanged, failures of the transaction itself are Internal.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return store.Internal(errors.Wrap(err, "beginning transaction"))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return store.Internal(errors.Wrap(err, "committing transaction"))
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, sub *jobs.Submission) (jobs.ID, error) {
	if err := sub.Validate(); err != nil {
		return 0, err
	}
	j := sub.NewJob(time.Now())
	var id jobs.ID
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, dep := range j.Dependencies {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, int64(dep)).Scan(&n); err != nil {
				return store.Internal(errors.Wrap(err, "checking dependency"))
			}
			if n == 0 {
				return errors.Wrapf(store.ErrUnknownDependency, "job %d", dep)
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (kind, repo, params, status, retry_count, max_retries, created_at, run_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
			string(j.Kind), j.Repo, string(j.Params), string(jobs.StatusNew),
			j.MaxRetries, j.CreatedAt.UnixNano(), j.RunAt.UnixNano())
		if err != nil {
			return store.Internal(errors.Wrap(err, "inserting job"))
		}
		last, err := res.LastInsertId()
		if err != nil {
			return store.Internal(errors.Wrap(err, "reading job id"))
		}
		id = jobs.ID(last)
		for i, dep := range j.Dependencies {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO job_dependencies (job_id, depends_on, position) VALUES (?, ?, ?)`,
				last, int64(dep), i); err != nil {
				return store.Internal(errors.Wrap(err, "inserting dependency"))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

const jobColumns = `id, kind, repo, params, status, results, lease, retry_count, max_retries,
	created_at, run_at, started_at, ended_at`

// Eligibility of the row aliased jobs, given run_at bound as the single parameter.
const claimableCond = `jobs.status = 'new' AND jobs.run_at <= ? AND NOT EXISTS (
	SELECT 1 FROM job_dependencies d JOIN jobs dj ON dj.id = d.depends_on
	WHERE d.job_id = jobs.id AND dj.status != 'success')`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		j              jobs.Job
		id             int64
		kind, status   string
		params         string
		created, runAt int64
		started, ended sql.NullInt64
	)
	if err := row.Scan(&id, &kind, &j.Repo, &params, &status, &j.Results, &j.Lease,
		&j.RetryCount, &j.MaxRetries, &created, &runAt, &started, &ended); err != nil {
		return nil, err
	}
	j.ID = jobs.ID(id)
	j.Kind = jobs.Kind(kind)
	j.Status = jobs.Status(status)
	j.Params = []byte(params)
	j.CreatedAt = time.Unix(0, created)
	j.RunAt = time.Unix(0, runAt)
	if started.Valid {
		t := time.Unix(0, started.Int64)
		j.StartedAt = &t
	}
	if ended.Valid {
		t := time.Unix(0, ended.Int64)
		j.EndedAt = &t
	}
	return &j, nil
}

func (s *Store) queryJobs(ctx context.Context, q queryer, query string, args ...interface{}) ([]*jobs.Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Internal(errors.Wrap(err, "querying jobs"))
	}
	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, store.Internal(errors.Wrap(err, "scanning job"))
		}
		out = append(out, j)
	}
	// Close before the dependency queries, the single connection is still held otherwise.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, store.Internal(errors.Wrap(err, "iterating jobs"))
	}
	for _, j := range out {
		if err := s.loadDependencies(ctx, q, j); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadDependencies(ctx context.Context, q queryer, j *jobs.Job) error {
	rows, err := q.QueryContext(ctx,
		`SELECT depends_on FROM job_dependencies WHERE job_id = ? ORDER BY position`, int64(j.ID))
	if err != nil {
		return store.Internal(errors.Wrap(err, "querying dependencies"))
	}
	defer rows.Close()
	j.Dependencies = nil
	for rows.Next() {
		var dep int64
		if err := rows.Scan(&dep); err != nil {
			return store.Internal(errors.Wrap(err, "scanning dependency"))
		}
		j.Dependencies = append(j.Dependencies, jobs.ID(dep))
	}
	if err := rows.Err(); err != nil {
		return store.Internal(errors.Wrap(err, "iterating dependencies"))
	}
	return nil
}

func (s *Store) get(ctx context.Context, q queryer, id jobs.ID) (*jobs.Job, error) {
	js, err := s.queryJobs(ctx, q, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, int64(id))
	if err != nil {
		return nil, err
	}
	if len(js) == 0 {
		return nil, errors.Wrapf(store.ErrNotFound, "job %d", id)
	}
	return js[0], nil
}

func (s *Store) Get(ctx context.Context, id jobs.ID) (*jobs.Job, error) {
	return s.get(ctx, s.db, id)
}

func (s *Store) ListClaimable(ctx context.Context, now time.Time, limit int) ([]*jobs.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryJobs(ctx, s.db,
		`SELECT `+jobColumns+` FROM jobs WHERE `+claimableCond+` ORDER BY id LIMIT ?`,
		now.UnixNano(), limit)
}

func (s *Store) Claim(ctx context.Context, id jobs.ID, lease string, now time.Time) (*jobs.Job, error) {
	var claimed *jobs.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'started', lease = ?, started_at = ? WHERE id = ? AND `+claimableCond,
			lease, now.UnixNano(), int64(id), now.UnixNano())
		if err != nil {
			return store.Internal(errors.Wrap(err, "claiming job"))
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return store.Internal(errors.Wrap(err, "claiming job"))
		}
		if affected == 0 {
			if _, err := s.get(ctx, tx, id); err != nil {
				return err
			}
			return errors.Wrapf(store.ErrNotClaimable, "job %d", id)
		}
		claimed, err = s.get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// transition runs a conditional update on a job Started under lease.
func (s *Store) transition(ctx context.Context, id jobs.ID, lease, set string, args ...interface{}) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		args = append(args, int64(id), lease)
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET `+set+` WHERE id = ? AND status = 'started' AND lease = ?`, args...)
		if err != nil {
			return store.Internal(errors.Wrapf(err, "updating job %d", id))
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return store.Internal(errors.Wrapf(err, "updating job %d", id))
		}
		if affected == 0 {
			if _, err := s.get(ctx, tx, id); err != nil {
				return err
			}
			return errors.Wrapf(store.ErrLeaseLost, "job %d", id)
		}
		return nil
	})
}

func (s *Store) Finish(ctx context.Context, id jobs.ID, lease string, status jobs.Status, results string, now time.Time) error {
	if !status.IsTerminal() {
		return errors.Errorf("cannot finish job %d with status %s", id, status)
	}
	return s.transition(ctx, id, lease,
		`status = ?, results = ?, lease = '', ended_at = MAX(?, COALESCE(started_at, 0))`,
		string(status), results, now.UnixNano())
}

func (s *Store) Requeue(ctx context.Context, id jobs.ID, lease string, retryCount int, runAt time.Time) error {
	return s.transition(ctx, id, lease,
		`status = 'new', lease = '', started_at = NULL, retry_count = ?, run_at = ?`,
		retryCount, runAt.UnixNano())
}

func (s *Store) PropagateFailures(ctx context.Context, now time.Time) ([]jobs.ID, error) {
	var failed []jobs.ID
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for {
			rows, err := tx.QueryContext(ctx, `
				SELECT jobs.id, dj.id, dj.status
				FROM jobs
				JOIN job_dependencies d ON d.job_id = jobs.id
				JOIN jobs dj ON dj.id = d.depends_on
				WHERE jobs.status = 'new' AND dj.status IN ('failure', 'broken')
				ORDER BY jobs.id, d.position`)
			if err != nil {
				return store.Internal(errors.Wrap(err, "finding failed dependencies"))
			}
			type hit struct {
				id, dep jobs.ID
				status  jobs.Status
			}
			var hits []hit
			seen := map[jobs.ID]bool{}
			for rows.Next() {
				var id, dep int64
				var status string
				if err := rows.Scan(&id, &dep, &status); err != nil {
					rows.Close()
					return store.Internal(errors.Wrap(err, "scanning failed dependency"))
				}
				if !seen[jobs.ID(id)] {
					seen[jobs.ID(id)] = true
					hits = append(hits, hit{jobs.ID(id), jobs.ID(dep), jobs.Status(status)})
				}
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return store.Internal(errors.Wrap(err, "iterating failed dependencies"))
			}
			if len(hits) == 0 {
				return nil
			}
			for _, h := range hits {
				if _, err := tx.ExecContext(ctx,
					`UPDATE jobs SET status = 'failure', results = ?, ended_at = ? WHERE id = ? AND status = 'new'`,
					store.DependencyFailedResult(h.dep, h.status), now.UnixNano(), int64(h.id)); err != nil {
					return store.Internal(errors.Wrapf(err, "failing job %d", h.id))
				}
				failed = append(failed, h.id)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

func (s *Store) ListStartedForLease(ctx context.Context, instance string) ([]*jobs.Job, error) {
	prefix := store.LeasePrefix(instance)
	return s.queryJobs(ctx, s.db,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'started' AND substr(lease, 1, ?) = ? ORDER BY id`,
		len(prefix), prefix)
}
