package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"jobsched/internal/intake"
	"jobsched/internal/job"
)

func TestParseDeadline(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2026-03-02T08:00:00Z", time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), false},
		{"90m", now.Add(90 * time.Minute), false},
		{"tomorrow", time.Time{}, true},
	}
	for _, tc := range tests {
		got, err := parseDeadline(tc.in, now)
		if (err != nil) != tc.wantErr || !got.Equal(tc.want) {
			t.Fatalf("parseDeadline(%q) = %v, %v", tc.in, got, err)
		}
	}
}

func TestDescribeValidation(t *testing.T) {
	t.Parallel()
	_, err := job.Draft{Priority: "urgent"}.Build()
	msg := describe(err).Error()
	for _, want := range []string{"invalid job", "name:", "priority:", "owner:"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
	plain := errors.New("boom")
	if describe(plain) != plain {
		t.Fatal("non-validation errors pass through")
	}
}

func TestPrintPage(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-time.Hour)
	end := start.Add(1500 * time.Millisecond)
	deadline := now.Add(2 * time.Hour)
	p := intake.Page{
		Jobs: []job.Job{
			{ID: 7, Name: "report", Owner: "alice", Priority: job.PriorityHigh, Status: job.StatusCompleted,
				EstimatedMinutes: 5, CreatedAt: now.Add(-2 * time.Hour), StartTime: &start, EndTime: &end},
			{ID: 8, Name: "backup", Owner: "bob", Status: job.StatusPending, Deadline: &deadline, CreatedAt: now},
		},
		Total: 1200, Page: 1, PageSize: 2,
	}
	var buf bytes.Buffer
	printPage(&buf, p, now)
	out := buf.String()
	for _, want := range []string{"report", "HIGH", "1.5s", "2 hours ago", "2 hours from now", "page 1/600, 1,200 jobs"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
