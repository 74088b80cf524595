package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "courier/pkg/logx"
)

const (
	// settleDelay lets an editor finish writing before the file is read.
	settleDelay   = 250 * time.Millisecond
	acceptTimeout = 5 * time.Second
	rewatchMin    = 250 * time.Millisecond
	rewatchMax    = 5 * time.Second
)

// Manager owns the active Config. Load reads the file once; Watch reloads it
// on change and hands each accepted Config to subscribers.
type Manager struct {
	path    string
	overlay func(cfg *Config) error
	accept  func(ctx context.Context, cfg *Config) error
	log     logx.Logger

	mu  sync.RWMutex
	cfg *Config

	subsMu sync.Mutex
	subs   []chan *Config
}

func NewManager(path string) *Manager {
	return &Manager{path: path, overlay: ApplyEnv, log: logx.Nop()}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log.With(logx.String("path", m.path)) }

// SetValidator installs a check that a reloaded Config must pass before it
// replaces the active one.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.accept = fn
}

// Parse reads the file (YAML or JSON), applies environment overrides and
// validates. Unknown keys and trailing data are errors.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("trailing data")
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if m.overlay != nil {
		if err := m.overlay(&cfg); err != nil {
			return nil, err
		}
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.set(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) set(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Subscribe returns a channel that receives every accepted reload. A slow
// subscriber loses its oldest pending Config, never the newest.
func (m *Manager) Subscribe(buffer int) chan *Config {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Watch follows the config file until ctx ends. A broken watcher is rebuilt
// with a doubling delay that resets once a watcher starts cleanly.
func (m *Manager) Watch(ctx context.Context) error {
	wait := rewatchMin
	for {
		started, err := m.watch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			wait = rewatchMin
		}
		m.log.Warn("config watcher stopped; restarting", logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = min(wait*2, rewatchMax)
	}
}

// watch runs one fsnotify watcher on the file's directory. It reports
// whether the watcher came up, and why it stopped.
func (m *Manager) watch(ctx context.Context) (bool, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return false, fmt.Errorf("watch dir: %w", err)
	}
	name := filepath.Base(m.path)
	m.log.Debug("config watcher started")

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) {
				settle.Reset(settleDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true, errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				settle.Reset(settleDelay)
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		case <-settle.C:
			m.reload(ctx)
		}
	}
}

// reload parses the file and, when it differs from the active Config and
// passes the validator, makes it active and publishes it.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.Err(err))
		return
	}
	if reflect.DeepEqual(cfg, m.Get()) {
		m.log.Debug("config unchanged")
		return
	}
	if m.accept != nil {
		actx, cancel := context.WithTimeout(ctx, acceptTimeout)
		err := m.accept(actx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.Err(err))
			return
		}
	}
	m.set(cfg)
	m.publish(cfg)
	m.log.Debug("config published")
}
