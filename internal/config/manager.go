package config

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 250 * time.Millisecond

// Manager owns the live configuration and republishes it when the file changes.
type Manager struct {
	path   string
	getenv func(string) string

	mu       sync.RWMutex
	cur      *Settings
	lastHash uint64

	// subsMu is held while sending so Unsubscribe never closes a channel mid-send.
	subsMu sync.Mutex
	subs   []chan *Settings

	validator func(ctx context.Context, s *Settings) error
}

// NewManager reads path (JSON or YAML). An empty path means defaults plus environment.
func NewManager(path string) *Manager {
	return &Manager{path: path, getenv: os.Getenv}
}

func (m *Manager) Path() string { return m.path }

// SetValidator installs a hook that must accept a reloaded config before it is published.
func (m *Manager) SetValidator(fn func(ctx context.Context, s *Settings) error) {
	m.validator = fn
}

// Parse reads, decodes and resolves the config without committing it.
func (m *Manager) Parse() (*Settings, error) {
	c := &Config{}
	if m.path != "" {
		b, err := os.ReadFile(m.path)
		if err != nil {
			return nil, err
		}
		if c, err = Decode(m.path, b); err != nil {
			return nil, err
		}
	}
	c.ApplyEnv(m.getenv)
	return c.Resolve()
}

func (m *Manager) Load() (*Settings, error) {
	s, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(s)
	return s, nil
}

func (m *Manager) Get() *Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

func (m *Manager) commit(s *Settings) {
	m.mu.Lock()
	m.cur = s
	m.lastHash = hashSettings(s)
	m.mu.Unlock()
}

func hashSettings(s *Settings) uint64 {
	b, err := json.Marshal(s)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *Manager) Subscribe(buffer int) chan *Settings {
	ch := make(chan *Settings, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Settings) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

// publish delivers s to every subscriber. A full buffer loses its oldest entry.
func (m *Manager) publish(s *Settings) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
			log.Debug().Int("queue_cap", cap(ch)).Msg("config update dropped (subscriber slow)")
		}
	}
}

// Reload parses the file and publishes it if the content changed and the validator accepts it.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	s, err := m.Parse()
	if err != nil {
		return false, err
	}
	h := hashSettings(s)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return false, nil
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, s)
		cancel()
		if err != nil {
			return false, err
		}
	}
	m.commit(s)
	m.publish(s)
	return true, nil
}

// Watch reloads on file changes until ctx is done. A broken watcher is recreated with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			changed, err := m.Reload(ctx)
			switch {
			case err != nil:
				log.Warn().Err(err).Str("path", m.path).Msg("config reload rejected")
			case changed:
				log.Info().Str("path", m.path).Msg("config reloaded")
			}
		})
	}

	restart := backoff.NewExponentialBackOff()
	restart.InitialInterval = 250 * time.Millisecond
	restart.MaxInterval = 5 * time.Second
	restart.MaxElapsedTime = 0

	for {
		err := m.watchOnce(ctx, dir, file, debounce, restart.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := restart.NextBackOff()
		log.Warn().Err(err).Str("dir", dir).Dur("backoff", wait).Msg("config watcher stopped; restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (m *Manager) watchOnce(ctx context.Context, dir, file string, changed, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	started()
	log.Debug().Str("dir", dir).Str("file", file).Msg("config watcher started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn().Err(err).Msg("config watch overflow; forcing reload")
				changed()
				continue
			}
			log.Warn().Err(err).Str("dir", dir).Msg("config watch error")
		}
	}
}
