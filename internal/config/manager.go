package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sync"
	"time"

	logx "postpilot/pkg/logx"
)

// Manager holds the committed configuration for one file. One-shot commands
// call Load; serve mode also runs Watch and listens on Subscribe.
type Manager struct {
	path     string
	debounce time.Duration
	validate func(*Config) error

	mu     sync.RWMutex
	cfg    *Config
	digest uint64

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}

	log logx.Logger
}

func NewManager(path string) *Manager {
	return &Manager{
		path:     path,
		debounce: 250 * time.Millisecond,
		validate: func(cfg *Config) error {
			_, err := Resolve(cfg)
			return err
		},
		subs: map[chan *Config]struct{}{},
		log:  logx.Nop(),
	}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// Decode strictly decodes JSON or YAML (see detectFormat). Unknown keys and
// trailing documents are errors.
func Decode(name string, data []byte) (*Config, error) {
	jb, err := normalize(name, data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == io.EOF:
		return &cfg, nil
	case err == nil:
		return nil, errors.New("trailing data after config")
	default:
		return nil, err
	}
}

// read returns the decoded file and a digest of its bytes. Errors wrap
// ErrConfiguration.
func (m *Manager) read() (*Config, uint64, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read %s: %v", ErrConfiguration, m.path, err)
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrConfiguration, m.path, err)
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return cfg, h.Sum64(), nil
}

// Load reads, validates and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, digest, err := m.read()
	if err != nil {
		return nil, err
	}
	if err := m.validate(cfg); err != nil {
		return nil, err
	}
	m.commit(cfg, digest)
	return cfg, nil
}

func (m *Manager) commit(cfg *Config, digest uint64) {
	m.mu.Lock()
	m.cfg, m.digest = cfg, digest
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives each config Watch commits.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(1, buffer))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown or nil channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// broadcast delivers cfg to every subscriber. A full channel has its oldest
// entry replaced; listeners only care about the newest config.
func (m *Manager) broadcast(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		offer(ch, cfg)
	}
}

// offer must be called with subsMu held, so no other sender competes for
// the slot freed by the drain.
func offer(ch chan *Config, cfg *Config) {
	for {
		select {
		case ch <- cfg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// refresh re-reads the file after a change notification and commits it when
// the bytes differ and the new config validates.
func (m *Manager) refresh() {
	cfg, digest, err := m.read()
	if err != nil {
		m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.mu.RLock()
	same := digest == m.digest
	m.mu.RUnlock()
	if same {
		return
	}
	if err := m.validate(cfg); err != nil {
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.commit(cfg, digest)
	m.broadcast(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}
