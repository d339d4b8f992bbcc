package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	yaml "go.yaml.in/yaml/v3"

	"jobsched/internal/app"
	"jobsched/internal/config"
	"jobsched/internal/intake"
	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

// offline opens the configured store behind an intake service with no
// scheduler attached; a running daemon picks new jobs up on its next
// reconcile pass.
func offline(cfgPath string) (*intake.Service, func(), error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	log := logx.NewConsole("WARN")
	st, err := app.OpenStore(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	svc := intake.New(intake.Config{DefaultPageSize: cfg.Intake.DefaultPageSize, MaxPageSize: cfg.Intake.MaxPageSize}, st, nil, log)
	return svc, func() { _ = st.Close() }, nil
}

func submit(cfgPath string, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	var d job.Draft
	var deadline string
	fs.StringVar(&d.Name, "name", "", "job name")
	fs.StringVar(&d.Priority, "priority", "", "HIGH, MEDIUM or LOW")
	fs.StringVar(&d.Owner, "owner", os.Getenv("USER"), "owner")
	fs.IntVar(&d.EstimatedMinutes, "minutes", 0, "estimated duration in minutes")
	fs.StringVar(&deadline, "deadline", "", "RFC3339 time or a duration from now (e.g. 2h)")
	_ = fs.Parse(args)

	if deadline != "" {
		t, err := parseDeadline(deadline, time.Now())
		if err != nil {
			return err
		}
		d.Deadline = &t
	}

	svc, closeFn, err := offline(cfgPath)
	if err != nil {
		return err
	}
	defer closeFn()
	j, err := svc.Create(context.Background(), d)
	if err != nil {
		return describe(err)
	}
	fmt.Printf("created job %d (%s, %s)\n", j.ID, j.Name, orDash(string(j.Priority)))
	return nil
}

func list(cfgPath string, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	owner := fs.String("owner", "", "only this owner's jobs")
	status := fs.String("status", "", "PENDING, RUNNING, COMPLETED or FAILED")
	page := fs.Int("page", 1, "page number")
	size := fs.Int("size", 0, "page size (0 = configured default)")
	_ = fs.Parse(args)

	var sp *job.Status
	if *status != "" {
		s, ok := job.ParseStatus(*status)
		if !ok {
			return fmt.Errorf("unknown status %q", *status)
		}
		sp = &s
	}

	svc, closeFn, err := offline(cfgPath)
	if err != nil {
		return err
	}
	defer closeFn()
	p, err := svc.ListJobs(context.Background(), *owner, sp, *page, *size)
	if err != nil {
		return err
	}
	printPage(os.Stdout, p, time.Now())
	return nil
}

func printPage(w io.Writer, p intake.Page, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tOWNER\tPRIORITY\tSTATUS\tDEADLINE\tEST\tCREATED\tRAN")
	for _, j := range p.Jobs {
		deadline := "-"
		if j.Deadline != nil {
			deadline = humanize.RelTime(*j.Deadline, now, "ago", "from now")
		}
		ran := "-"
		if d := j.ExecutionTime(); d > 0 {
			ran = d.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%dm\t%s\t%s\n",
			j.ID, j.Name, j.Owner, orDash(string(j.Priority)), j.Status,
			deadline, j.EstimatedMinutes, humanize.RelTime(j.CreatedAt, now, "ago", "from now"), ran)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "page %d/%d, %s jobs\n", p.Page, p.Pages(), humanize.Comma(int64(p.Total)))
}

func cancel(cfgPath string, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: jobsched cancel <id>")
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", fs.Arg(0))
	}

	svc, closeFn, err := offline(cfgPath)
	if err != nil {
		return err
	}
	defer closeFn()
	j, err := svc.Cancel(context.Background(), id)
	if err != nil {
		return describe(err)
	}
	fmt.Printf("job %d is %s\n", j.ID, j.Status)
	return nil
}

// seedFile is the YAML accepted by seed:
//
//	jobs:
//	  - name: nightly report
//	    priority: high
//	    estimated_minutes: 30
//	    owner: alice
//	    deadline: 2026-01-02T15:04:05Z
type seedFile struct {
	Jobs []job.Draft `yaml:"jobs"`
}

func seed(cfgPath string, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	owner := fs.String("owner", "", "owner for entries that have none")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: jobsched seed [-owner name] <file.yaml>")
	}
	b, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	var sf seedFile
	if err := yaml.Unmarshal(b, &sf); err != nil {
		return fmt.Errorf("parse %s: %w", fs.Arg(0), err)
	}

	svc, closeFn, err := offline(cfgPath)
	if err != nil {
		return err
	}
	defer closeFn()

	var failed int
	for i, d := range sf.Jobs {
		if d.Owner == "" {
			d.Owner = *owner
		}
		j, err := svc.Create(context.Background(), d)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "entry %d: %v\n", i+1, describe(err))
			continue
		}
		fmt.Printf("created job %d (%s)\n", j.ID, j.Name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d entries rejected", failed, len(sf.Jobs))
	}
	return nil
}

func parseDeadline(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("deadline %q: want RFC3339 or a duration", s)
	}
	return now.Add(d), nil
}

// describe flattens validation errors into one readable line.
func describe(err error) error {
	var verr *job.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	parts := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return errors.New("invalid job: " + strings.Join(parts, "; "))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
