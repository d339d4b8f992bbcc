package job

import (
	"strings"
	"time"
	"unicode/utf8"
)

const MaxNameLen = 100

// Draft is what a submitter provides. Priority is a raw string so that the
// boundary can normalize casing and reject unknown values.
type Draft struct {
	Name             string     `json:"name" yaml:"name"`
	Priority         string     `json:"priority" yaml:"priority"`
	Deadline         *time.Time `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	EstimatedMinutes int        `json:"estimated_minutes" yaml:"estimated_minutes"`
	Owner            string     `json:"owner" yaml:"owner"`
}

// Build validates d and returns a PENDING job ready for Store.Create.
func (d Draft) Build() (Job, error) {
	verr := &ValidationError{}
	p, ok := ParsePriority(d.Priority)
	if !ok {
		verr.add("priority", "must be one of HIGH, MEDIUM, LOW")
		p = PriorityUnset
	}
	j := Job{
		Name:             strings.TrimSpace(d.Name),
		Priority:         p,
		Deadline:         cloneTime(d.Deadline),
		EstimatedMinutes: d.EstimatedMinutes,
		Status:           StatusPending,
		Owner:            strings.TrimSpace(d.Owner),
	}
	if err := Validate(j); err != nil {
		verr.Fields = append(verr.Fields, err.(*ValidationError).Fields...)
	}
	if err := verr.orNil(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Validate checks a full record. It returns nil or a *ValidationError.
func Validate(j Job) error {
	verr := &ValidationError{}
	name := strings.TrimSpace(j.Name)
	switch {
	case name == "":
		verr.add("name", "must not be empty")
	case utf8.RuneCountInString(name) > MaxNameLen:
		verr.add("name", "must be at most 100 characters")
	}
	if !j.Priority.Valid() {
		verr.add("priority", "must be one of HIGH, MEDIUM, LOW")
	}
	if j.EstimatedMinutes < 0 {
		verr.add("estimated_minutes", "must not be negative")
	}
	if _, ok := ParseStatus(string(j.Status)); !ok || Status(strings.ToUpper(string(j.Status))) != j.Status {
		verr.add("status", "unknown status")
	}
	if strings.TrimSpace(j.Owner) == "" {
		verr.add("owner", "must not be empty")
	}
	if j.StartTime != nil && j.EndTime != nil && j.EndTime.Before(*j.StartTime) {
		verr.add("end_time", "must not be before start_time")
	}
	if j.StartTime != nil && j.Deadline != nil && j.Deadline.Before(*j.StartTime) {
		verr.add("deadline", "must not be before start_time")
	}
	return verr.orNil()
}
