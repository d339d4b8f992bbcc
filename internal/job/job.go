// Package job defines the job record shared by the scheduler, the stores and
// the intake surface: identity, priority, deadline, lifecycle status and
// timestamps.
package job

import (
	"strings"
	"time"
)

// Priority is a closed enum. Parse it at the boundary with ParsePriority.
type Priority string

const (
	PriorityUnset  Priority = ""
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// ParsePriority normalizes s case-insensitively ("High", "high" -> HIGH).
// Empty input yields PriorityUnset. ok is false for unknown values.
func ParsePriority(s string) (p Priority, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return PriorityUnset, true
	case "HIGH":
		return PriorityHigh, true
	case "MEDIUM":
		return PriorityMedium, true
	case "LOW":
		return PriorityLow, true
	default:
		return Priority(s), false
	}
}

// Rank orders priorities: HIGH=3, MEDIUM=2, LOW=1, anything else 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

func (p Priority) Valid() bool {
	_, ok := ParsePriority(string(p))
	return ok && strings.ToUpper(string(p)) == string(p)
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// ParseStatus is case-insensitive. ok is false for unknown values.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return st, true
	default:
		return Status(s), false
	}
}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Job is the persisted record. StartTime and EndTime are owned by the
// scheduler; submitters never set them.
type Job struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	Priority         Priority   `json:"priority"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	Status           Status     `json:"status"`
	Owner            string     `json:"owner"`
	CreatedAt        time.Time  `json:"created_at"`
	Error            string     `json:"error,omitempty"`
}

// ExecutionTime is EndTime-StartTime when both are set, else zero.
func (j Job) ExecutionTime() time.Duration {
	if j.StartTime == nil || j.EndTime == nil {
		return 0
	}
	d := j.EndTime.Sub(*j.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

// EstimatedDuration converts EstimatedMinutes using unit as one minute.
// A zero unit means time.Minute.
func (j Job) EstimatedDuration(unit time.Duration) time.Duration {
	if unit <= 0 {
		unit = time.Minute
	}
	if j.EstimatedMinutes <= 0 {
		return 0
	}
	return time.Duration(j.EstimatedMinutes) * unit
}

// Clone returns a deep copy so callers can't mutate a store's time pointers.
func (j Job) Clone() Job {
	j.Deadline = cloneTime(j.Deadline)
	j.StartTime = cloneTime(j.StartTime)
	j.EndTime = cloneTime(j.EndTime)
	return j
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Scope selects the jobs a Reload or pending query applies to.
// The zero Scope matches every owner.
type Scope struct {
	Owner string
}

func (s Scope) Match(j Job) bool {
	return s.Owner == "" || s.Owner == j.Owner
}

func (s Scope) String() string {
	if s.Owner == "" {
		return "*"
	}
	return "owner:" + s.Owner
}

// Query is the read-only listing filter. PageSize <= 0 returns everything.
// Page is 1-based.
type Query struct {
	Owner    string
	Status   *Status
	Page     int
	PageSize int
}

func (q Query) Match(j Job) bool {
	if q.Owner != "" && q.Owner != j.Owner {
		return false
	}
	if q.Status != nil && *q.Status != j.Status {
		return false
	}
	return true
}

// Bounds returns the [lo, hi) slice window for total matching rows.
func (q Query) Bounds(total int) (lo, hi int) {
	if q.PageSize <= 0 {
		return 0, total
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	lo = (page - 1) * q.PageSize
	if lo > total {
		lo = total
	}
	hi = lo + q.PageSize
	if hi > total {
		hi = total
	}
	return lo, hi
}
