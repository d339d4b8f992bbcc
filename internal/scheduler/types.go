package scheduler

import (
	"time"

	"jobsched/internal/job"
)

const (
	DefaultMaxWorkers     = 3
	DefaultPersistTimeout = 5 * time.Second
)

// Config controls slot accounting and execution.
type Config struct {
	// MaxWorkers bounds concurrently RUNNING jobs. 0 means DefaultMaxWorkers.
	MaxWorkers int
	// DurationUnit is the wall time of one estimated minute for SleepHook.
	// 0 means time.Minute; tests and demos shrink it.
	DurationUnit time.Duration
	// PersistTimeout bounds each store write made by a worker.
	PersistTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.DurationUnit <= 0 {
		c.DurationUnit = time.Minute
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	return c
}

// JobEvent is the payload of job.* events on the bus.
type JobEvent struct {
	ID       int64         `json:"id"`
	Name     string        `json:"name"`
	Owner    string        `json:"owner"`
	Priority job.Priority  `json:"priority"`
	RunID    string        `json:"run_id,omitempty"`
	Error    string        `json:"error,omitempty"`
	Took     time.Duration `json:"took,omitempty"`
}

func eventOf(j job.Job, runID string) JobEvent {
	return JobEvent{ID: j.ID, Name: j.Name, Owner: j.Owner, Priority: j.Priority, RunID: runID, Error: j.Error}
}

// RunningJob describes one held slot.
type RunningJob struct {
	ID       int64        `json:"id"`
	Name     string       `json:"name"`
	Priority job.Priority `json:"priority"`
	RunID    string       `json:"run_id"`
	Since    time.Time    `json:"since"`
}

// Snapshot is a point-in-time view of slots and queue.
type Snapshot struct {
	Active     int          `json:"active"`
	MaxWorkers int          `json:"max_workers"`
	Running    []RunningJob `json:"running"`
	Queued     []job.Job    `json:"queued"`
}
