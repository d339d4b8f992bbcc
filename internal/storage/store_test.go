package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

type driverCase struct {
	name string
	open func(t *testing.T) Store
}

func drivers(t *testing.T) []driverCase {
	t.Helper()
	cases := []driverCase{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"file", func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file: %v", err)
			}
			return st
		}},
		{"sqlite", func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.sqlite")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		}},
	}
	if addr := os.Getenv("JOBSCHED_TEST_REDIS"); addr != "" {
		cases = append(cases, driverCase{"redis", func(t *testing.T) Store {
			rdb := redis.NewClient(&redis.Options{Addr: addr})
			prefix := "jobsched-test-" + strconv.FormatInt(time.Now().UnixNano(), 36)
			t.Cleanup(func() {
				ctx := context.Background()
				keys, _ := rdb.Keys(ctx, prefix+":*").Result()
				if len(keys) > 0 {
					rdb.Del(ctx, keys...)
				}
				_ = rdb.Close()
			})
			return NewRedis(rdb, prefix, logx.Nop())
		}})
	}
	return cases
}

func pending(name, owner string) job.Job {
	return job.Job{Name: name, Owner: owner, Priority: job.PriorityMedium, EstimatedMinutes: 1, Status: job.StatusPending}
}

func TestStoreConformance(t *testing.T) {
	for _, dc := range drivers(t) {
		t.Run(dc.name, func(t *testing.T) {
			t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, dc.open(t)) })
			t.Run("UpdateLifecycle", func(t *testing.T) { testUpdateLifecycle(t, dc.open(t)) })
			t.Run("ConditionalRace", func(t *testing.T) { testConditionalRace(t, dc.open(t)) })
			t.Run("QueryAndList", func(t *testing.T) { testQueryAndList(t, dc.open(t)) })
		})
	}
}

func testCreateGet(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	deadline := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	a := pending("a", "alice")
	a.Deadline = &deadline
	a, err := st.Create(ctx, a)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := st.Create(ctx, pending("b", "bob"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID <= 0 || b.ID <= a.ID {
		t.Fatalf("ids not ascending: %d, %d", a.ID, b.ID)
	}
	if a.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}

	got, err := st.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "a" || got.Owner != "alice" || got.Status != job.StatusPending || got.Priority != job.PriorityMedium {
		t.Fatalf("Get = %+v", got)
	}
	if got.Deadline == nil || !got.Deadline.Equal(deadline) {
		t.Fatalf("Deadline = %v, want %v", got.Deadline, deadline)
	}

	if _, err := st.Get(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing err = %v, want ErrNotFound", err)
	}
}

func testUpdateLifecycle(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	j, err := st.Create(ctx, pending("a", "alice"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	start := time.Now().UTC()
	run, err := st.Update(ctx, j.ID, job.Update{
		IfStatus:  job.StatusPtr(job.StatusPending),
		Status:    job.StatusPtr(job.StatusRunning),
		StartTime: &start,
	})
	if err != nil {
		t.Fatalf("to RUNNING: %v", err)
	}
	if run.Status != job.StatusRunning || run.StartTime == nil {
		t.Fatalf("after start: %+v", run)
	}

	// Second claim sees a stale precondition.
	_, err = st.Update(ctx, j.ID, job.Update{IfStatus: job.StatusPtr(job.StatusPending), Status: job.StatusPtr(job.StatusRunning)})
	var stale *job.StaleError
	if !errors.As(err, &stale) || stale.Actual != job.StatusRunning {
		t.Fatalf("second claim err = %v, want StaleError(actual RUNNING)", err)
	}

	end := start.Add(time.Second)
	done, err := st.Update(ctx, j.ID, job.Update{Status: job.StatusPtr(job.StatusCompleted), EndTime: &end})
	if err != nil {
		t.Fatalf("to COMPLETED: %v", err)
	}
	if done.ExecutionTime() != time.Second {
		t.Fatalf("ExecutionTime = %v", done.ExecutionTime())
	}

	// Terminal states do not move.
	_, err = st.Update(ctx, j.ID, job.Update{Status: job.StatusPtr(job.StatusRunning)})
	if !errors.Is(err, job.ErrInvalidTransition) {
		t.Fatalf("COMPLETED->RUNNING err = %v", err)
	}
	got, err := st.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusCompleted || got.EndTime == nil || !got.EndTime.Equal(end) {
		t.Fatalf("stored = %+v", got)
	}

	if _, err := st.Update(ctx, 9999, job.Update{Name: job.StringPtr("x")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing err = %v", err)
	}
}

func testConditionalRace(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	j, err := st.Create(ctx, pending("a", "alice"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now()
			_, err := st.Update(ctx, j.ID, job.Update{
				IfStatus:  job.StatusPtr(job.StatusPending),
				Status:    job.StatusPtr(job.StatusRunning),
				StartTime: &now,
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, job.ErrStale):
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want 1", wins.Load())
	}
}

func testQueryAndList(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	var ids []int64
	for i, owner := range []string{"alice", "bob", "alice", "alice", "bob"} {
		j, err := st.Create(ctx, pending("j"+strconv.Itoa(i), owner))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, j.ID)
	}
	// Fail alice's second job.
	if _, err := st.Update(ctx, ids[2], job.Update{Status: job.StatusPtr(job.StatusFailed), Error: job.StringPtr("cancelled")}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	all, err := st.QueryPending(ctx, job.Scope{})
	if err != nil || len(all) != 4 {
		t.Fatalf("QueryPending(*) = %d jobs, err %v", len(all), err)
	}
	alice, err := st.QueryPending(ctx, job.Scope{Owner: "alice"})
	if err != nil || len(alice) != 2 || alice[0].ID != ids[0] || alice[1].ID != ids[3] {
		t.Fatalf("QueryPending(alice) = %+v, err %v", alice, err)
	}

	failed := job.StatusFailed
	tests := []struct {
		name    string
		q       job.Query
		wantIDs []int64
		total   int
	}{
		{"all", job.Query{}, ids, 5},
		{"owner", job.Query{Owner: "bob"}, []int64{ids[1], ids[4]}, 2},
		{"status", job.Query{Status: &failed}, []int64{ids[2]}, 1},
		{"owner+status", job.Query{Owner: "alice", Status: &failed}, []int64{ids[2]}, 1},
		{"page 2", job.Query{Page: 2, PageSize: 2}, []int64{ids[2], ids[3]}, 5},
		{"past end", job.Query{Page: 9, PageSize: 2}, nil, 5},
	}
	for _, tc := range tests {
		got, total, err := st.List(ctx, tc.q)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if total != tc.total || len(got) != len(tc.wantIDs) {
			t.Fatalf("%s: got %d rows (total %d), want %d (total %d)", tc.name, len(got), total, len(tc.wantIDs), tc.total)
		}
		for i := range got {
			if got[i].ID != tc.wantIDs[i] {
				t.Fatalf("%s: row %d id = %d, want %d", tc.name, i, got[i].ID, tc.wantIDs[i])
			}
		}
	}
	if got, _, _ := st.List(ctx, job.Query{Status: &failed}); got[0].Error != "cancelled" {
		t.Fatalf("Error = %q", got[0].Error)
	}
}

func TestFileStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	a, _ := st.Create(ctx, pending("a", "alice"))
	b, _ := st.Create(ctx, pending("b", "alice"))
	if _, err := st.Update(ctx, a.ID, job.Update{Status: job.StatusPtr(job.StatusRunning)}); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash: drop the handle without compacting.
	fs := st.(*fileStore)
	fs.mu.Lock()
	_ = fs.journal.Close()
	fs.journal = nil
	fs.mu.Unlock()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, err := st.Get(ctx, a.ID)
	if err != nil || got.Status != job.StatusRunning {
		t.Fatalf("after reopen a = %+v, err %v", got, err)
	}
	c, err := st.Create(ctx, pending("c", "alice"))
	if err != nil {
		t.Fatal(err)
	}
	if c.ID <= b.ID {
		t.Fatalf("id reused after reopen: %d <= %d", c.ID, b.ID)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestPersistenceErrorUnwrap(t *testing.T) {
	err := wrap("update", 7, errors.New("disk full"))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("%v should match ErrPersistence", err)
	}
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.ID != 7 || pe.Op != "update" {
		t.Fatalf("As = %+v", pe)
	}
	if wrap("get", 1, ErrNotFound) != ErrNotFound {
		t.Fatal("ErrNotFound must pass through unwrapped")
	}
}

func TestSQLiteSettingsSurviveReconnect(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.sqlite"), BusyTimeout: 1500 * time.Millisecond}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	db := st.(*sqliteStore).db
	// No idle connections: every query below runs on a fresh connection.
	db.SetMaxIdleConns(0)

	for i := 0; i < 2; i++ {
		var busy int
		if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil || busy != 1500 {
			t.Fatalf("busy_timeout = %d, %v", busy, err)
		}
		var mode string
		if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil || mode != "wal" {
			t.Fatalf("journal_mode = %q, %v", mode, err)
		}
	}
}
