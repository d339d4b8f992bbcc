package job

import "time"

// Update is a partial, atomic change to one record. Nil fields are left
// untouched. Stores apply it with Apply inside their own atomic section so
// every driver enforces the same lifecycle rules.
type Update struct {
	// IfStatus makes the update conditional on the stored status.
	IfStatus *Status

	Name          *string
	Priority      *Priority
	Deadline      *time.Time
	ClearDeadline bool
	Status        *Status
	StartTime     *time.Time
	EndTime       *time.Time
	Error         *string
}

// Apply returns cur with u applied. It fails with *StaleError when the
// precondition does not hold, *InvalidTransitionError for an illegal status
// change and *ValidationError when EndTime would precede StartTime.
func (u Update) Apply(cur Job) (Job, error) {
	if u.IfStatus != nil && cur.Status != *u.IfStatus {
		return cur, &StaleError{ID: cur.ID, Expected: *u.IfStatus, Actual: cur.Status}
	}
	next := cur.Clone()
	if u.Status != nil {
		var err error
		if next, err = next.Transition(*u.Status); err != nil {
			return cur, err
		}
	}
	if u.Name != nil {
		next.Name = *u.Name
	}
	if u.Priority != nil {
		next.Priority = *u.Priority
	}
	if u.ClearDeadline {
		next.Deadline = nil
	}
	if u.Deadline != nil {
		next.Deadline = cloneTime(u.Deadline)
	}
	if u.StartTime != nil {
		next.StartTime = cloneTime(u.StartTime)
	}
	if u.EndTime != nil {
		next.EndTime = cloneTime(u.EndTime)
	}
	if u.Error != nil {
		next.Error = *u.Error
	}
	if next.StartTime != nil && next.EndTime != nil && next.EndTime.Before(*next.StartTime) {
		return cur, &ValidationError{Fields: []FieldError{{Field: "end_time", Message: "must not be before start_time"}}}
	}
	return next, nil
}

// StatusPtr and friends keep Update literals short at call sites.
func StatusPtr(s Status) *Status       { return &s }
func PriorityPtr(p Priority) *Priority { return &p }
func StringPtr(s string) *string       { return &s }
func TimePtr(t time.Time) *time.Time   { return &t }
