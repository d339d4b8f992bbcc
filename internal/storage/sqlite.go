package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const jobColumns = `id, name, priority, deadline, estimated_minutes, start_time, end_time, status, owner, created_at, err`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrap("open", 0, err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, wrap("open", 0, err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, wrap("migrate", 0, err)
	}
	return st, nil
}

// sqliteDSN carries every connection setting in the DSN so the driver
// reapplies them to each new connection. Immediate transactions take the
// write lock up front so another process cannot interleave between the read
// and the write in Update.
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, j job.Job) (job.Job, error) {
	j = j.Clone()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(name, priority, deadline, estimated_minutes, start_time, end_time, status, owner, created_at, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		j.Name, string(j.Priority), nullTime(j.Deadline), j.EstimatedMinutes,
		nullTime(j.StartTime), nullTime(j.EndTime), string(j.Status), j.Owner,
		j.CreatedAt.UTC().Format(time.RFC3339Nano), nullStr(j.Error),
	)
	if err != nil {
		return job.Job{}, wrap("create", 0, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return job.Job{}, wrap("create", 0, err)
	}
	j.ID = id
	return j, nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (job.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	return j, wrap("get", id, err)
}

func (s *sqliteStore) Update(ctx context.Context, id int64, u job.Update) (out job.Job, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job.Job{}, wrap("update", id, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cur, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return job.Job{}, wrap("update", id, err)
	}
	next, err := u.Apply(cur)
	if err != nil {
		return cur, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET name=?, priority=?, deadline=?, start_time=?, end_time=?, status=?, err=? WHERE id=?`,
		next.Name, string(next.Priority), nullTime(next.Deadline), nullTime(next.StartTime),
		nullTime(next.EndTime), string(next.Status), nullStr(next.Error), id,
	)
	if err != nil {
		return cur, wrap("update", id, err)
	}
	if err = tx.Commit(); err != nil {
		return cur, wrap("update", id, err)
	}
	return next, nil
}

func (s *sqliteStore) QueryPending(ctx context.Context, scope job.Scope) ([]job.Job, error) {
	st := job.StatusPending
	out, _, err := s.List(ctx, job.Query{Owner: scope.Owner, Status: &st})
	return out, err
}

func (s *sqliteStore) List(ctx context.Context, q job.Query) ([]job.Job, int, error) {
	var (
		where []string
		args  []any
	)
	if q.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, q.Owner)
	}
	if q.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*q.Status))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+cond, args...).Scan(&total); err != nil {
		return nil, 0, wrap("list", 0, err)
	}
	lo, hi := q.Bounds(total)
	if hi <= lo {
		return []job.Job{}, total, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+cond+` ORDER BY id LIMIT ? OFFSET ?`,
		append(args, hi-lo, lo)...)
	if err != nil {
		return nil, 0, wrap("list", 0, err)
	}
	defer rows.Close()

	out := make([]job.Job, 0, hi-lo)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, wrap("list", 0, err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrap("list", 0, err)
	}
	return out, total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (job.Job, error) {
	var (
		j                         job.Job
		priority, status, created string
		deadline, start, end, e   sql.NullString
	)
	err := r.Scan(&j.ID, &j.Name, &priority, &deadline, &j.EstimatedMinutes, &start, &end, &status, &j.Owner, &created, &e)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, ErrNotFound
	}
	if err != nil {
		return job.Job{}, err
	}
	j.Priority = job.Priority(priority)
	j.Status = job.Status(status)
	j.Error = e.String
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return job.Job{}, fmt.Errorf("job %d created_at: %w", j.ID, err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{{deadline, &j.Deadline}, {start, &j.StartTime}, {end, &j.EndTime}} {
		if !f.src.Valid {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, f.src.String)
		if err != nil {
			return job.Job{}, fmt.Errorf("job %d: %w", j.ID, err)
		}
		*f.dst = &t
	}
	return j, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
