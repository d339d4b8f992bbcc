package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"jobsched/internal/job"
	"jobsched/internal/scheduler"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

// blockingHook holds every job until release is closed or ctx ends.
type blockingHook struct {
	started chan int64
	release chan struct{}
}

func (h *blockingHook) Run(ctx context.Context, j job.Job) error {
	h.started <- j.ID
	select {
	case <-h.release:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func setup(t *testing.T, maxWorkers int) (*Service, *scheduler.Scheduler, storage.Store, *blockingHook) {
	t.Helper()
	st := storage.NewMemory()
	h := &blockingHook{started: make(chan int64, 32), release: make(chan struct{})}
	sched := scheduler.New(scheduler.Config{MaxWorkers: maxWorkers}, st, logx.Nop(), scheduler.WithHook(h))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Close(ctx)
	})
	return New(Config{DefaultPageSize: 2, MaxPageSize: 3}, st, sched, logx.Nop()), sched, st, h
}

func waitStarted(t *testing.T, h *blockingHook) int64 {
	t.Helper()
	select {
	case id := <-h.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no job started")
		return 0
	}
}

func waitStatus(t *testing.T, st storage.Store, id int64, want job.Status) job.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		j, err := st.Get(context.Background(), id)
		if err == nil && j.Status == want {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %d status = %s, want %s", id, j.Status, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := setup(t, 1)
	long := make([]byte, job.MaxNameLen+1)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name   string
		draft  job.Draft
		fields []string
	}{
		{"empty name", job.Draft{Owner: "alice", Priority: "high"}, []string{"name"}},
		{"long name", job.Draft{Name: string(long), Owner: "alice"}, []string{"name"}},
		{"bad priority", job.Draft{Name: "x", Owner: "alice", Priority: "urgent"}, []string{"priority"}},
		{"negative estimate", job.Draft{Name: "x", Owner: "alice", EstimatedMinutes: -1}, []string{"estimated_minutes"}},
		{"no owner", job.Draft{Name: "x"}, []string{"owner"}},
		{"several", job.Draft{Priority: "zzz"}, []string{"priority", "name", "owner"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tc.draft)
			var verr *job.ValidationError
			if !errors.As(err, &verr) || !errors.Is(err, job.ErrValidation) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if len(verr.Fields) != len(tc.fields) {
				t.Fatalf("fields = %v, want %v", verr.Fields, tc.fields)
			}
			for i, f := range tc.fields {
				if verr.Fields[i].Field != f {
					t.Fatalf("field[%d] = %s, want %s", i, verr.Fields[i].Field, f)
				}
			}
		})
	}
}

func TestCreateSubmitsAndNormalizesPriority(t *testing.T) {
	t.Parallel()
	svc, _, st, h := setup(t, 1)
	j, err := svc.Create(context.Background(), job.Draft{Name: " report ", Priority: "High", Owner: "alice", EstimatedMinutes: 5})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if j.Priority != job.PriorityHigh || j.Name != "report" || j.Status != job.StatusPending {
		t.Fatalf("created = %+v", j)
	}
	if id := waitStarted(t, h); id != j.ID {
		t.Fatalf("started %d, want %d", id, j.ID)
	}
	waitStatus(t, st, j.ID, job.StatusRunning)
	close(h.release)
	got := waitStatus(t, st, j.ID, job.StatusCompleted)
	if got.StartTime == nil || got.EndTime == nil || got.EndTime.Before(*got.StartTime) {
		t.Fatalf("times = %v..%v", got.StartTime, got.EndTime)
	}
}

func TestUpdatePriorityReordersQueue(t *testing.T) {
	t.Parallel()
	svc, sched, _, h := setup(t, 1)
	ctx := context.Background()
	blocker, _ := svc.Create(ctx, job.Draft{Name: "blocker", Owner: "alice", Priority: "LOW"})
	waitStarted(t, h)
	a, _ := svc.Create(ctx, job.Draft{Name: "a", Owner: "alice", Priority: "MEDIUM"})
	b, _ := svc.Create(ctx, job.Draft{Name: "b", Owner: "alice", Priority: "LOW"})

	updated, err := svc.Update(ctx, b.ID, Edit{Priority: job.StringPtr("high")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Priority != job.PriorityHigh {
		t.Fatalf("priority = %s", updated.Priority)
	}
	q := sched.Snapshot().Queued
	if len(q) != 2 || q[0].ID != b.ID || q[1].ID != a.ID {
		t.Fatalf("queue = %+v, want [b a]", q)
	}

	// The running blocker can no longer be edited.
	_, err = svc.Update(ctx, blocker.ID, Edit{Name: job.StringPtr("renamed")})
	if !errors.Is(err, job.ErrStale) {
		t.Fatalf("edit running err = %v, want ErrStale", err)
	}
	_, err = svc.Update(ctx, a.ID, Edit{Name: job.StringPtr("  ")})
	if !errors.Is(err, job.ErrValidation) {
		t.Fatalf("blank rename err = %v, want ErrValidation", err)
	}
	_, err = svc.Update(ctx, a.ID, Edit{Priority: job.StringPtr("asap")})
	if !errors.Is(err, job.ErrValidation) {
		t.Fatalf("bad priority err = %v", err)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	svc, sched, st, h := setup(t, 1)
	ctx := context.Background()
	running, _ := svc.Create(ctx, job.Draft{Name: "running", Owner: "alice"})
	waitStarted(t, h)
	waitStatus(t, st, running.ID, job.StatusRunning)
	queued, _ := svc.Create(ctx, job.Draft{Name: "queued", Owner: "alice"})

	got, err := svc.Cancel(ctx, queued.ID)
	if err != nil || got.Status != job.StatusFailed || got.Error != "cancelled" {
		t.Fatalf("cancel pending = %+v, %v", got, err)
	}
	if n := len(sched.Snapshot().Queued); n != 0 {
		t.Fatalf("queue still holds %d entries", n)
	}

	if _, err := svc.Cancel(ctx, running.ID); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	failed := waitStatus(t, st, running.ID, job.StatusFailed)
	if failed.Error != scheduler.ErrCancelled.Error() {
		t.Fatalf("Error = %q", failed.Error)
	}

	_, err = svc.Cancel(ctx, running.ID)
	var terr *job.InvalidTransitionError
	if !errors.As(err, &terr) || terr.From != job.StatusFailed {
		t.Fatalf("cancel terminal err = %v", err)
	}
	if _, err := svc.Cancel(ctx, 999); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("cancel missing err = %v", err)
	}
}

func TestListJobsPaging(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	svc := New(Config{DefaultPageSize: 2, MaxPageSize: 3}, st, nil, logx.Nop())
	ctx := context.Background()
	for _, owner := range []string{"alice", "alice", "bob", "alice", "alice", "alice"} {
		if _, err := svc.Create(ctx, job.Draft{Name: "j", Owner: owner}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name        string
		owner       string
		page, size  int
		wantLen     int
		wantSize    int
		wantTotal   int
		wantPages   int
		wantFirstID int64
	}{
		{"default size", "alice", 0, 0, 2, 2, 5, 3, 1},
		{"clamped size", "alice", 1, 50, 3, 3, 5, 2, 1},
		{"second page", "alice", 2, 2, 2, 2, 5, 3, 4},
		{"last partial", "alice", 3, 2, 1, 2, 5, 3, 6},
		{"past end", "alice", 9, 2, 0, 2, 5, 3, 0},
		{"all owners", "", 1, 3, 3, 3, 6, 2, 1},
		{"unknown owner", "carol", 1, 2, 0, 2, 0, 1, 0},
	}
	for _, tc := range tests {
		p, err := svc.ListJobs(ctx, tc.owner, nil, tc.page, tc.size)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(p.Jobs) != tc.wantLen || p.PageSize != tc.wantSize || p.Total != tc.wantTotal || p.Pages() != tc.wantPages {
			t.Fatalf("%s: got len %d size %d total %d pages %d", tc.name, len(p.Jobs), p.PageSize, p.Total, p.Pages())
		}
		if tc.wantLen > 0 && p.Jobs[0].ID != tc.wantFirstID {
			t.Fatalf("%s: first id = %d, want %d", tc.name, p.Jobs[0].ID, tc.wantFirstID)
		}
	}

	pending := job.StatusPending
	p, err := svc.ListJobs(ctx, "bob", &pending, 1, 10)
	if err != nil || p.Total != 1 || p.Jobs[0].Owner != "bob" {
		t.Fatalf("status filter = %+v, %v", p, err)
	}
	// Offline intake never touches job state.
	all, _, _ := st.List(ctx, job.Query{Status: &pending})
	if len(all) != 6 {
		t.Fatalf("pending = %d, want 6", len(all))
	}
}
