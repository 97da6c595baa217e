package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"shopkeeper/pkg/logx"
)

// Manager owns the config file: initial load, strict parsing, and
// republishing the whole validated Config when the file changes on disk.
// What a subscriber applies from an update is its business; the daemon
// hot-applies logging and warns about sections that need a restart.
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	current  *Config
	checksum uint64

	// smu guards subs so a publish can never race a close.
	smu  sync.Mutex
	subs map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, subs: make(map[chan *Config]struct{})}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// Parse reads and strictly decodes the file without committing it.
// Unknown fields are errors: a typo in a job key must fail loudly, not
// silently run with defaults.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	doc, err := jsonForm(m.path, raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	case err != io.EOF:
		return nil, err
	}
	return &cfg, nil
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
	m.mu.Lock()
	m.current = cfg
	m.checksum = fingerprint(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.smu.Lock()
	m.subs[ch] = struct{}{}
	m.smu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.smu.Lock()
	defer m.smu.Unlock()
	if _, ok := m.subs[ch]; !ok {
		return
	}
	delete(m.subs, ch)
	close(ch)
}

// publish hands cfg to every subscriber. A full buffer loses its oldest
// queued update, never the newest.
func (m *Manager) publish(cfg *Config) {
	m.smu.Lock()
	defer m.smu.Unlock()
	for ch := range m.subs {
		if trySend(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		if !trySend(ch, cfg) {
			m.log.Debug("config update dropped", logx.Int("buffer", cap(ch)))
		}
	}
}

func trySend(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// reload re-parses after a file event. Unchanged content and invalid
// content both leave the committed config alone.
func (m *Manager) reload() {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Any("err", err))
		return
	}

	sum := fingerprint(cfg)
	m.mu.RLock()
	committed := m.checksum
	m.mu.RUnlock()
	if sum != 0 && sum == committed {
		return
	}

	if err := cfg.Validate(); err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Any("err", err))
		return
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}

// Watch follows the config file until ctx is done. inotify watches can
// wedge after editor rename-on-save or a filesystem remount, so a broken
// watcher is rebuilt with jittered backoff instead of giving up.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	base := filepath.Base(m.path)

	var tmu sync.Mutex
	var settle *time.Timer
	kick := func() {
		tmu.Lock()
		defer tmu.Unlock()
		if settle != nil {
			settle.Stop()
		}
		// Editors write in bursts (truncate, write, rename); wait them out.
		settle = time.AfterFunc(250*time.Millisecond, m.reload)
	}
	defer func() {
		tmu.Lock()
		if settle != nil {
			settle.Stop()
		}
		tmu.Unlock()
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	delay := 250 * time.Millisecond
	const maxDelay = 5 * time.Second

	for {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err == nil {
			delay = 250 * time.Millisecond
			err = m.pumpEvents(ctx, w, base, kick)
			_ = w.Close()
			if ctx.Err() != nil {
				return nil
			}
			m.log.Warn("config watcher down, rebuilding", logx.String("dir", dir), logx.Any("err", err))
		} else {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Warn("config watch init failed", logx.String("dir", dir), logx.Any("err", err))
		}

		jittered := delay + time.Duration(rng.Int63n(int64(delay/2)+1))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jittered):
		}
		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
}

// pumpEvents drains one watcher until it breaks or ctx ends. Only events
// whose basename matches the config file count; editors that save via
// rename emit Create or Rename rather than Write, so no op filter.
func (m *Manager) pumpEvents(ctx context.Context, w *fsnotify.Watcher, base string, kick func()) error {
	m.log.Debug("config watcher started", logx.String("file", base))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), base) {
				kick()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "overflow") {
				// Missed events; re-read once things settle.
				kick()
				continue
			}
			m.log.Warn("config watch error", logx.Any("err", err))
			if strings.Contains(msg, "closed") {
				return err
			}
		}
	}
}

// fingerprint hashes the canonical JSON form so duplicate write events
// (editors often fire several per save) don't republish an unchanged
// config. Zero means unhashable and never suppresses a reload.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	sum := fnv.New64a()
	_, _ = sum.Write(b)
	return sum.Sum64()
}
