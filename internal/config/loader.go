package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// reloadDebounce collapses the burst of events editors produce on save.
const reloadDebounce = 100 * time.Millisecond

// Loader owns the active configuration of a long-running process and
// replaces it when the file changes. Subscribers registered with OnChange
// see every accepted configuration; a file that fails to parse or validate
// leaves the active one in place.
type Loader struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	onChange []func(prev, next *Config)

	fsw  *fsnotify.Watcher
	errs chan error
	stop chan struct{}
	done chan struct{}
}

// NewLoader returns a loader for path, or for ConfigPath when path is empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	return &Loader{
		path: path,
		errs: make(chan error, 1),
		stop: make(chan struct{}),
	}
}

// Load reads and validates the file and makes it the active configuration
// without notifying subscribers.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the active configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Reload reads the file again and, if it is valid, swaps it in and
// notifies subscribers.
func (l *Loader) Reload() error {
	next, err := l.read()
	if err != nil {
		return err
	}

	l.mu.Lock()
	prev := l.cfg
	l.cfg = next
	subs := append([]func(prev, next *Config){}, l.onChange...)
	l.mu.Unlock()

	for _, fn := range subs {
		fn(prev, next)
	}
	return nil
}

func (l *Loader) read() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", l.path, err)
	}
	return cfg, nil
}

// OnChange subscribes fn to accepted reloads.
func (l *Loader) OnChange(fn func(prev, next *Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

// Errors delivers reload failures seen by Watch. Failures are dropped
// while a previous one is still unread.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Watch reloads the configuration whenever the file is written, created
// or renamed into place.
func (l *Loader) Watch() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// The directory, so editors that save by rename are seen.
	if err := fsw.Add(filepath.Dir(l.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}
	l.fsw = fsw
	l.done = make(chan struct{})
	go l.watch()
	return nil
}

func (l *Loader) watch() {
	defer close(l.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	name := filepath.Base(l.path)
	for {
		select {
		case <-l.stop:
			return
		case ev, ok := <-l.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, l.reloadFromWatch)
		case err, ok := <-l.fsw.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

func (l *Loader) reloadFromWatch() {
	select {
	case <-l.stop:
		return
	default:
	}
	// Mid-rename; the Create that follows triggers another reload.
	if _, err := os.Stat(l.path); err != nil {
		return
	}
	if err := l.Reload(); err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Close stops watching. It is safe to call without Watch.
func (l *Loader) Close() error {
	select {
	case <-l.stop:
		return nil
	default:
		close(l.stop)
	}
	if l.fsw == nil {
		return nil
	}
	err := l.fsw.Close()
	<-l.done
	return err
}

// loadConfigFromFile decodes path over the defaults. A missing file yields
// the defaults.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := decodeConfig(data, filepath.Ext(path), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeConfig picks the format by extension and tries TOML, JSON then
// YAML for anything else.
func decodeConfig(data []byte, ext string, cfg *Config) error {
	switch ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
		return nil
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
		return nil
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
		return nil
	}

	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return errors.New("parse config: not TOML, JSON or YAML")
}
