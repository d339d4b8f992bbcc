package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/job"
	"jobsched/internal/scheduler"
	logx "jobsched/pkg/logx"
)

func waitStatus(t *testing.T, a *App, id int64, want job.Status) job.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		j, err := a.Store().Get(context.Background(), id)
		if err == nil && j.Status == want {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %d status = %s, want %s (err %v)", id, j.Status, want, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartResumesStoredWork(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.db")
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{MaxWorkers: 2, DurationUnit: "1ms", RecoverOnStart: true},
		Storage:   config.StorageConfig{Driver: "sqlite", Path: path},
	}

	// A previous process left one job RUNNING and two PENDING.
	prev, err := OpenStore(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	orphan, _ := prev.Create(ctx, job.Job{Name: "orphan", Owner: "alice", Status: job.StatusPending})
	now := time.Now()
	if _, err := prev.Update(ctx, orphan.ID, job.Update{Status: job.StatusPtr(job.StatusRunning), StartTime: &now}); err != nil {
		t.Fatal(err)
	}
	a1, _ := prev.Create(ctx, job.Job{Name: "a", Owner: "alice", Status: job.StatusPending, EstimatedMinutes: 1})
	b1, _ := prev.Create(ctx, job.Job{Name: "b", Owner: "bob", Status: job.StatusPending, Priority: job.PriorityHigh})
	if err := prev.Close(); err != nil {
		t.Fatal(err)
	}

	a, err := NewFromConfig(cfg, WithLogger(logx.Nop()))
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopUnknown) }()

	got := waitStatus(t, a, orphan.ID, job.StatusFailed)
	if got.Error != scheduler.ErrInterrupted.Error() {
		t.Fatalf("orphan error = %q", got.Error)
	}
	waitStatus(t, a, a1.ID, job.StatusCompleted)
	waitStatus(t, a, b1.ID, job.StatusCompleted)

	// New work through intake runs too.
	c, err := a.Intake().Create(ctx, job.Draft{Name: "c", Owner: "carol", Priority: "low", EstimatedMinutes: 2})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, a, c.ID, job.StatusCompleted)

	ok, detail := a.health()
	if !ok {
		t.Fatalf("unhealthy: %+v", detail)
	}
}

func TestStopInterruptsRunningKeepsQueued(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{MaxWorkers: 1},
		Storage:   config.StorageConfig{Driver: "file", Path: filepath.Join(t.TempDir(), "jobs")},
	}
	started := make(chan int64, 4)
	hook := scheduler.HookFunc(func(ctx context.Context, j job.Job) error {
		started <- j.ID
		<-ctx.Done()
		return context.Cause(ctx)
	})
	a, err := NewFromConfig(cfg, WithLogger(logx.Nop()), WithHook(hook))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	running, _ := a.Intake().Create(ctx, job.Draft{Name: "long", Owner: "alice"})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
	queued, _ := a.Intake().Create(ctx, job.Draft{Name: "next", Owner: "alice"})

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Reopen the file store to see what the next process will find.
	reopened, err := OpenStore(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	r, _ := reopened.Get(ctx, running.ID)
	q, _ := reopened.Get(ctx, queued.ID)
	if r.Status != job.StatusFailed || r.Error != scheduler.ErrInterrupted.Error() {
		t.Fatalf("running job after stop = %+v", r)
	}
	if q.Status != job.StatusPending {
		t.Fatalf("queued job after stop = %s", q.Status)
	}
}

func TestConfigReloadAppliesMaxWorkers(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobsched.yaml")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("scheduler:\n  max_workers: 1\nstorage:\n  driver: memory\n")

	a, err := New(path, WithLogger(logx.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = a.Stop(context.Background(), StopUnknown) }()
	time.Sleep(100 * time.Millisecond)

	write("scheduler:\n  max_workers: 4\nstorage:\n  driver: memory\n")
	deadline := time.Now().Add(3 * time.Second)
	for a.Scheduler().Snapshot().MaxWorkers != 4 {
		if time.Now().After(deadline) {
			t.Fatalf("max workers = %d", a.Scheduler().Snapshot().MaxWorkers)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.StorageConfig
		want    string
		wantErr bool
	}{
		{"default memory", config.StorageConfig{}, "memory", false},
		{"sqlite busy default", config.StorageConfig{Driver: "SQLite", Path: "x.db"}, "sqlite", false},
		{"file needs path", config.StorageConfig{Driver: "file"}, "", true},
		{"redis", config.StorageConfig{Driver: "redis", Redis: config.RedisConfig{Addr: "localhost:6379"}}, "redis", false},
		{"unknown", config.StorageConfig{Driver: "etcd"}, "", true},
	}
	for _, tc := range tests {
		sc, err := mapStorageConfig(&config.Config{Storage: tc.in})
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err = %v", tc.name, err)
		}
		if err == nil && sc.Driver != tc.want {
			t.Fatalf("%s: driver = %q", tc.name, sc.Driver)
		}
		if tc.want == "sqlite" && sc.BusyTimeout != 5*time.Second {
			t.Fatalf("%s: busy = %v", tc.name, sc.BusyTimeout)
		}
	}
}
