package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "jobsched/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	rewatchMin      = 250 * time.Millisecond
	rewatchMax      = 5 * time.Second
	validateTimeout = 5 * time.Second
)

var errUnchanged = errors.New("config unchanged")

// Manager holds the committed config. While Watch runs, every edit of the
// file that decodes and validates is committed and sent to subscribers.
type Manager struct {
	path string
	log  logx.Logger

	mu          sync.RWMutex
	cfg         *Config
	fingerprint uint64

	// fanMu covers sends as well as membership changes.
	fanMu sync.Mutex
	fan   map[chan *Config]struct{}

	validator func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), fan: map[chan *Config]struct{}{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log.With(logx.String("comp", "config"), logx.String("path", m.path))
}

// SetValidator adds a check that runs after Config.Validate on every
// watched change. Load does not call it.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, raw)
}

// Decode parses JSON or YAML config bytes; name picks the format by its
// extension. Unknown keys and anything after the document are errors.
func Decode(name string, data []byte) (*Config, error) {
	doc, format, err := coerceToJSONBytes(name, data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	if rest := bytes.TrimSpace(doc[dec.InputOffset():]); len(rest) > 0 {
		return nil, fmt.Errorf("%s config: unexpected data after document", format)
	}
	return cfg, nil
}

// Load parses, validates and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	fp := fingerprint(cfg)
	m.mu.Lock()
	m.cfg, m.fingerprint = cfg, fp
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.fanMu.Lock()
	m.fan[ch] = struct{}{}
	m.fanMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.fanMu.Lock()
	defer m.fanMu.Unlock()
	if _, ok := m.fan[ch]; ok {
		delete(m.fan, ch)
		close(ch)
	}
}

// publish hands cfg to every subscriber. A subscriber whose buffer is full
// loses its oldest pending config; only the latest one matters.
func (m *Manager) publish(cfg *Config) {
	m.fanMu.Lock()
	defer m.fanMu.Unlock()
	for ch := range m.fan {
		if !offerLatest(ch, cfg) {
			m.log.Debug("subscriber kept full, update dropped", logx.Int("cap", cap(ch)))
		}
	}
}

func offerLatest(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// next parses the file and runs every check. It returns errUnchanged when
// the content matches the committed config.
func (m *Manager) next(ctx context.Context) (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	m.mu.RLock()
	same := m.fingerprint != 0 && fingerprint(cfg) == m.fingerprint
	m.mu.RUnlock()
	if same {
		return nil, errUnchanged
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		defer cancel()
		if err := m.validator(vctx, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.next(ctx)
	switch {
	case errors.Is(err, errUnchanged):
		m.log.Debug("config file touched, content unchanged")
	case err != nil:
		m.log.Warn("config change ignored", logx.Err(err))
	default:
		m.Commit(cfg)
		m.publish(cfg)
		m.log.Debug("config change committed")
	}
}

// Watch follows the file until ctx ends, always returning nil. The parent
// directory is watched so editors that write a new file and rename it over
// the old one are seen. A broken watcher is rebuilt after a jittered delay.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	var (
		delay rewatchDelay
		deb   = newDebouncer(reloadDebounce, func() { m.reload(ctx) })
	)
	defer deb.stop()

	for {
		if err := m.watchOnce(ctx, dir, file, deb.trigger); err != nil {
			m.log.Warn("config watcher failed", logx.String("dir", dir), logx.Err(err))
		} else {
			delay.reset()
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay.next()):
		}
	}
}

// watchOnce runs one watcher until ctx ends or the watcher breaks. A nil
// return means the watcher was running before it stopped.
func (m *Manager) watchOnce(ctx context.Context, dir, file string, changed func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("watching config", logx.String("dir", dir))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config events lost, reloading", logx.Err(err))
				changed()
				continue
			}
			if err != nil {
				m.log.Warn("config watcher error", logx.Err(err))
			}
		}
	}
}

// rewatchDelay doubles from rewatchMin to rewatchMax, plus up to half again
// in jitter.
type rewatchDelay struct{ cur time.Duration }

func (d *rewatchDelay) next() time.Duration {
	if d.cur == 0 {
		d.cur = rewatchMin
	}
	wait := d.cur + rand.N(d.cur/2+1)
	d.cur = min(d.cur*2, rewatchMax)
	return wait
}

func (d *rewatchDelay) reset() { d.cur = 0 }

// debouncer runs fn once a burst of triggers has been quiet for wait.
type debouncer struct {
	mu    sync.Mutex
	wait  time.Duration
	fn    func()
	timer *time.Timer
}

func newDebouncer(wait time.Duration, fn func()) *debouncer {
	return &debouncer{wait: wait, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer == nil {
		d.timer = time.AfterFunc(d.wait, d.fn)
		return
	}
	d.timer.Reset(d.wait)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// fingerprint is zero only when cfg is nil or cannot be encoded.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	h := fnv.New64a()
	if err := json.NewEncoder(h).Encode(cfg); err != nil {
		return 0
	}
	return h.Sum64()
}
