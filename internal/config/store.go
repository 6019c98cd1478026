package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 250 * time.Millisecond

// Store holds the live configuration. Readers call Current on every use so
// that a reload takes effect at the next cycle of whatever reads it.
type Store struct {
	path    string
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewStore loads path and returns a store holding the result.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(cfg)
	return s, nil
}

// NewStaticStore wraps an already built configuration. Reload keeps it.
func NewStaticStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

func (s *Store) Current() *Config {
	return s.current.Load()
}

func (s *Store) Path() string {
	return s.path
}

// OnReload registers fn to run after every successful reload.
func (s *Store) OnReload(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload re-reads the config file. An invalid file leaves the current
// configuration in place.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	cfg, err := Load(s.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	s.current.Store(cfg)

	s.mu.Lock()
	listeners := append([]func(*Config){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	log.Infof("config: reloaded %s", s.path)
	return nil
}

// Watch reloads the config whenever its file changes. It returns when ctx
// is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	name := filepath.Base(s.path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("config: watcher: %v", err)
		case <-pending:
			pending = nil
			if err := s.Reload(); err != nil {
				log.Errorf("config: %v", err)
			}
		}
	}
}

// Lookup resolves a dotted option name such as "auto_save.enabled".
func (s *Store) Lookup(name string) (any, bool) {
	data, err := yaml.Marshal(s.Current())
	if err != nil {
		return nil, false
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, false
	}
	var node any = tree
	for _, part := range strings.Split(name, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = m[part]; !ok {
			return nil, false
		}
	}
	return node, true
}

func (s *Store) String(name string) string {
	v, ok := s.Lookup(name)
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func (s *Store) Int(name string) int {
	v, _ := s.Lookup(name)
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func (s *Store) Bool(name string) bool {
	v, _ := s.Lookup(name)
	b, _ := v.(bool)
	return b
}
