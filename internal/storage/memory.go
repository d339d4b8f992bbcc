package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobsched/internal/job"
)

// memStore keeps jobs in a map. It backs tests and the "memory" driver.
type memStore struct {
	mu     sync.Mutex
	jobs   map[int64]job.Job
	nextID int64
	closed bool
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memStore{jobs: map[int64]job.Job{}}
}

func (s *memStore) Create(ctx context.Context, j job.Job) (job.Job, error) {
	if err := ctx.Err(); err != nil {
		return job.Job{}, wrap("create", 0, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return job.Job{}, wrap("create", 0, ErrClosed)
	}
	s.nextID++
	j = j.Clone()
	j.ID = s.nextID
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	s.jobs[j.ID] = j
	return j.Clone(), nil
}

func (s *memStore) Get(ctx context.Context, id int64) (job.Job, error) {
	if err := ctx.Err(); err != nil {
		return job.Job{}, wrap("get", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return job.Job{}, wrap("get", id, ErrClosed)
	}
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *memStore) Update(ctx context.Context, id int64, u job.Update) (job.Job, error) {
	if err := ctx.Err(); err != nil {
		return job.Job{}, wrap("update", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return job.Job{}, wrap("update", id, ErrClosed)
	}
	cur, ok := s.jobs[id]
	if !ok {
		return job.Job{}, ErrNotFound
	}
	next, err := u.Apply(cur)
	if err != nil {
		return cur.Clone(), err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *memStore) QueryPending(ctx context.Context, scope job.Scope) ([]job.Job, error) {
	st := job.StatusPending
	out, _, err := s.List(ctx, job.Query{Owner: scope.Owner, Status: &st})
	return out, err
}

func (s *memStore) List(ctx context.Context, q job.Query) ([]job.Job, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, wrap("list", 0, err)
	}
	s.mu.Lock()
	all := make([]job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if q.Match(j) {
			all = append(all, j.Clone())
		}
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, 0, wrap("list", 0, ErrClosed)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].ID < all[k].ID })
	return page(all, q), len(all), nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
