package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

// fileStore persists jobs without a database.
//
// Files:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only, one full record per write)
//
// On open the snapshot is loaded and the journal replayed on top; the journal
// is then compacted into a fresh snapshot. Compaction also runs every
// compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	jobs         map[int64]job.Job
	nextID       int64

	writes       int
	compactEvery int
}

type fileSnapshot struct {
	NextID int64     `json:"next_id"`
	Jobs   []job.Job `json:"jobs"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrap("open", 0, err)
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		jobs:         map[int64]job.Job{},
		compactEvery: 1000,
	}
	journalPath := prefix + ".journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrap("open", 0, err)
	}
	replayed, err := s.replayJournal(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrap("open", 0, err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, wrap("open", 0, err)
	}
	s.journal = jf

	if replayed > 0 {
		if err := s.compactLocked(); err != nil {
			log.Warn("file store compact failed", logx.Err(err))
		}
	}
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("jobs", len(s.jobs)), logx.Int("replayed", replayed))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) Create(ctx context.Context, j job.Job) (job.Job, error) {
	if err := ctx.Err(); err != nil {
		return job.Job{}, wrap("create", 0, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j = j.Clone()
	j.ID = s.nextID + 1
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	s.nextID = j.ID
	if err := s.appendLocked(j); err != nil {
		s.nextID--
		return job.Job{}, wrap("create", 0, err)
	}
	return j.Clone(), nil
}

func (s *fileStore) Get(ctx context.Context, id int64) (job.Job, error) {
	if err := ctx.Err(); err != nil {
		return job.Job{}, wrap("get", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return job.Job{}, wrap("get", id, ErrClosed)
	}
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *fileStore) Update(ctx context.Context, id int64, u job.Update) (job.Job, error) {
	if err := ctx.Err(); err != nil {
		return job.Job{}, wrap("update", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[id]
	if !ok {
		if s.journal == nil {
			return job.Job{}, wrap("update", id, ErrClosed)
		}
		return job.Job{}, ErrNotFound
	}
	next, err := u.Apply(cur)
	if err != nil {
		return cur.Clone(), err
	}
	if err := s.appendLocked(next); err != nil {
		return cur.Clone(), wrap("update", id, err)
	}
	return next.Clone(), nil
}

func (s *fileStore) QueryPending(ctx context.Context, scope job.Scope) ([]job.Job, error) {
	st := job.StatusPending
	out, _, err := s.List(ctx, job.Query{Owner: scope.Owner, Status: &st})
	return out, err
}

func (s *fileStore) List(ctx context.Context, q job.Query) ([]job.Job, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, wrap("list", 0, err)
	}
	s.mu.Lock()
	if s.journal == nil {
		s.mu.Unlock()
		return nil, 0, wrap("list", 0, ErrClosed)
	}
	all := make([]job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if q.Match(j) {
			all = append(all, j.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(all, func(i, k int) bool { return all[i].ID < all[k].ID })
	return page(all, q), len(all), nil
}

// appendLocked journals j and, once the write succeeded, installs it.
func (s *fileStore) appendLocked(j job.Job) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(j); err != nil {
		return err
	}
	s.jobs[j.ID] = j
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort; the journal still holds every write.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("file store compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{NextID: s.nextID, Jobs: make([]job.Job, 0, len(s.jobs))}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, j)
	}
	sort.Slice(snap.Jobs, func(i, k int) bool { return snap.Jobs[i].ID < snap.Jobs[k].ID })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	s.nextID = snap.NextID
	for _, j := range snap.Jobs {
		s.jobs[j.ID] = j
		if j.ID > s.nextID {
			s.nextID = j.ID
		}
	}
	return nil
}

// replayJournal applies journal records on top of the snapshot. A torn last
// line (crash mid-write) is skipped.
func (s *fileStore) replayJournal(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		var j job.Job
		if err := json.Unmarshal(sc.Bytes(), &j); err != nil || j.ID <= 0 {
			continue
		}
		s.jobs[j.ID] = j
		if j.ID > s.nextID {
			s.nextID = j.ID
		}
		n++
	}
	return n, sc.Err()
}
