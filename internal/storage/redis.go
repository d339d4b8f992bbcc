package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

// redisStore shares jobs between processes through a Redis server.
//
// Keys (P = prefix):
//   - P:seq              INCR counter for ids
//   - P:job:<id>         JSON record
//   - P:all              ZSET of every id (score = id)
//   - P:owner:<owner>    ZSET of the owner's ids
//   - P:status:<STATUS>  ZSET of ids currently in STATUS
//
// Updates run under WATCH on the record key and retry when another client
// wrote it between read and EXEC.
type redisStore struct {
	rdb    redis.UniversalClient
	prefix string
	log    logx.Logger
	owned  bool
}

const redisUpdateRetries = 8

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	rc := cfg.Redis
	if strings.TrimSpace(rc.Addr) == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, wrap("open", 0, err)
	}
	st := NewRedis(rdb, rc.Prefix, log).(*redisStore)
	st.owned = true
	return st, nil
}

// NewRedis wraps an existing client. Close does not close rdb.
func NewRedis(rdb redis.UniversalClient, prefix string, log logx.Logger) Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "jobsched"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *redisStore) jobKey(id int64) string { return s.key("job", strconv.FormatInt(id, 10)) }

func (s *redisStore) Close() error {
	if s.owned {
		return s.rdb.Close()
	}
	return nil
}

func (s *redisStore) Create(ctx context.Context, j job.Job) (job.Job, error) {
	id, err := s.rdb.Incr(ctx, s.key("seq")).Result()
	if err != nil {
		return job.Job{}, wrap("create", 0, err)
	}
	j = j.Clone()
	j.ID = id
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(j)
	if err != nil {
		return job.Job{}, wrap("create", id, err)
	}
	member := redis.Z{Score: float64(id), Member: id}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(id), b, 0)
		pipe.ZAdd(ctx, s.key("all"), member)
		pipe.ZAdd(ctx, s.key("owner", j.Owner), member)
		pipe.ZAdd(ctx, s.key("status", string(j.Status)), member)
		return nil
	})
	if err != nil {
		return job.Job{}, wrap("create", id, err)
	}
	return j, nil
}

func (s *redisStore) Get(ctx context.Context, id int64) (job.Job, error) {
	j, err := s.load(ctx, s.rdb, id)
	return j, wrap("get", id, err)
}

func (s *redisStore) load(ctx context.Context, c redis.Cmdable, id int64) (job.Job, error) {
	b, err := c.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return job.Job{}, ErrNotFound
	}
	if err != nil {
		return job.Job{}, err
	}
	var j job.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return job.Job{}, fmt.Errorf("decode job %d: %w", id, err)
	}
	return j, nil
}

func (s *redisStore) Update(ctx context.Context, id int64, u job.Update) (job.Job, error) {
	key := s.jobKey(id)
	var out job.Job
	txf := func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := u.Apply(cur)
		if err != nil {
			out = cur
			return err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			if next.Status != cur.Status {
				pipe.ZRem(ctx, s.key("status", string(cur.Status)), id)
				pipe.ZAdd(ctx, s.key("status", string(next.Status)), redis.Z{Score: float64(id), Member: id})
			}
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for i := 0; i < redisUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, wrap("update", id, err)
	}
	return job.Job{}, wrap("update", id, fmt.Errorf("too much contention after %d attempts", redisUpdateRetries))
}

func (s *redisStore) QueryPending(ctx context.Context, scope job.Scope) ([]job.Job, error) {
	st := job.StatusPending
	out, _, err := s.List(ctx, job.Query{Owner: scope.Owner, Status: &st})
	return out, err
}

func (s *redisStore) List(ctx context.Context, q job.Query) ([]job.Job, int, error) {
	// Single-index queries page in Redis; owner+status filters the owner's
	// set client-side.
	var index string
	switch {
	case q.Owner != "" && q.Status == nil:
		index = s.key("owner", q.Owner)
	case q.Owner == "" && q.Status != nil:
		index = s.key("status", string(*q.Status))
	case q.Owner == "" && q.Status == nil:
		index = s.key("all")
	}

	if index != "" {
		total, err := s.rdb.ZCard(ctx, index).Result()
		if err != nil {
			return nil, 0, wrap("list", 0, err)
		}
		lo, hi := q.Bounds(int(total))
		if hi <= lo {
			return []job.Job{}, int(total), nil
		}
		ids, err := s.rdb.ZRange(ctx, index, int64(lo), int64(hi-1)).Result()
		if err != nil {
			return nil, 0, wrap("list", 0, err)
		}
		jobs, err := s.mget(ctx, ids)
		if err != nil {
			return nil, 0, wrap("list", 0, err)
		}
		return jobs, int(total), nil
	}

	ids, err := s.rdb.ZRange(ctx, s.key("owner", q.Owner), 0, -1).Result()
	if err != nil {
		return nil, 0, wrap("list", 0, err)
	}
	all, err := s.mget(ctx, ids)
	if err != nil {
		return nil, 0, wrap("list", 0, err)
	}
	matched := all[:0]
	for _, j := range all {
		if q.Match(j) {
			matched = append(matched, j)
		}
	}
	return page(matched, q), len(matched), nil
}

// mget loads records in ids order, skipping ids whose record vanished.
func (s *redisStore) mget(ctx context.Context, ids []string) ([]job.Job, error) {
	if len(ids) == 0 {
		return []job.Job{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key("job", id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]job.Job, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var j job.Job
		if err := json.Unmarshal([]byte(str), &j); err != nil {
			s.log.Warn("redis store: skipping undecodable record", logx.String("key", keys[i]), logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	return out, nil
}
