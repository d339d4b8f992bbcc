package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobsched/internal/job"
)

var (
	ErrNotFound    = errors.New("job not found")
	ErrPersistence = errors.New("persistence failure")
	ErrClosed      = errors.New("store closed")
)

// Store is the job persistence API used by the scheduler and intake.
//
// Drivers assign ids on Create (ascending in creation order) and set
// CreatedAt. Update applies a job.Update atomically: the precondition,
// transition check and field writes happen in one critical section, so two
// callers racing PENDING->RUNNING see exactly one winner.
//
// Drivers do not validate user input; intake does that before Create.
type Store interface {
	Create(ctx context.Context, j job.Job) (job.Job, error)
	Get(ctx context.Context, id int64) (job.Job, error)
	Update(ctx context.Context, id int64, u job.Update) (job.Job, error)
	QueryPending(ctx context.Context, scope job.Scope) ([]job.Job, error)
	// List returns the page selected by q and the total number of matches.
	List(ctx context.Context, q job.Query) ([]job.Job, int, error)
	Close() error
}

// PersistenceError wraps a driver failure. Errors from job.Update.Apply
// (stale precondition, invalid transition, validation) and ErrNotFound are
// returned unwrapped so callers can branch on them directly.
type PersistenceError struct {
	Op  string
	ID  int64
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("storage: %s job %d: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

func wrap(op string, id int64, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || isDomainErr(err) {
		return err
	}
	return &PersistenceError{Op: op, ID: id, Err: err}
}

func isDomainErr(err error) bool {
	return errors.Is(err, job.ErrStale) || errors.Is(err, job.ErrInvalidTransition) || errors.Is(err, job.ErrValidation)
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on exit (tests, dry runs)
//   - "file": snapshot + JSON Lines journal next to Path
//   - "sqlite": SQLite database file at Path
//   - "redis": shared store on a Redis server
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key prefix; default "jobsched"
}

// page slices a sorted result according to q.
func page(all []job.Job, q job.Query) []job.Job {
	lo, hi := q.Bounds(len(all))
	return all[lo:hi]
}
