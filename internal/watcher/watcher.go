// Package watcher monitors corpus directories laid out as
// <root>/<author>/<sample> and reports samples that are new or changed once
// they have stopped changing.
package watcher

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"

	"scribe/internal/security"
)

// DefaultDebounce is how long a file must stay unchanged before it is
// reported.
const DefaultDebounce = 2 * time.Second

// Event is a sample ready to be ingested.
type Event struct {
	Path      string
	Root      string
	AuthorID  string
	Hash      [32]byte
	Size      int64
	Timestamp time.Time
}

// Config configures a Watcher.
type Config struct {
	// Roots are corpus directories. Each immediate subdirectory is an author.
	Roots []string

	// Include lists base-name globs of sample files. Empty accepts every file.
	Include []string

	// Exclude lists base-name globs that are never samples.
	Exclude []string

	Debounce time.Duration

	// InitialScan reports the samples already present at Start.
	InitialScan bool

	// MaxSampleBytes skips larger files. Zero uses the security default.
	MaxSampleBytes int64

	Logger *slog.Logger
}

// tracked is a file waiting to stabilize.
type tracked struct {
	root    string
	author  string
	lastMod time.Time
}

// Watcher monitors corpus roots for sample changes.
type Watcher struct {
	cfg       Config
	fsWatcher *fsnotify.Watcher
	validator *security.PathValidator
	logger    *slog.Logger
	roots     []string

	// path -> pending change
	state   map[string]tracked
	stateMu sync.Mutex

	// path -> hash of the last reported content
	seen map[string][32]byte

	events chan Event
	errors chan error

	now  func() time.Time
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a new corpus watcher.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Roots) == 0 {
		return nil, errors.New("watcher: no corpus roots")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MaxSampleBytes <= 0 {
		cfg.MaxSampleBytes = security.DefaultMaxSampleSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	roots := make([]string, 0, len(cfg.Roots))
	for _, r := range cfg.Roots {
		abs, err := security.DefaultPathValidator().ValidatePath(r)
		if err != nil {
			return nil, fmt.Errorf("corpus root %s: %w", r, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("corpus root %s: %w", r, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("corpus root %s is not a directory", r)
		}
		roots = append(roots, abs)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		cfg:       cfg,
		fsWatcher: fsWatcher,
		validator: &security.PathValidator{AllowedRoots: roots, MaxPathLength: 4096},
		logger:    logger.With("component", "watcher"),
		roots:     roots,
		state:     make(map[string]tracked),
		seen:      make(map[string][32]byte),
		events:    make(chan Event, 100),
		errors:    make(chan error, 10),
		now:       time.Now,
		done:      make(chan struct{}),
	}, nil
}

// Events returns the channel of ready samples.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start watches every root and author directory and begins reporting.
func (w *Watcher) Start() error {
	for _, root := range w.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && w.excluded(d.Name()) {
					return filepath.SkipDir
				}
				return w.fsWatcher.Add(path)
			}
			if !w.cfg.InitialScan {
				w.markSeen(path)
				return nil
			}
			w.trackExisting(path)
			return nil
		})
		if err != nil {
			return fmt.Errorf("watch %s: %w", root, err)
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	w.logger.Info("watching corpus", "roots", w.roots, "debounce", w.cfg.Debounce)
	return nil
}

// Stop shuts the watcher down and closes its channels.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
		w.wg.Wait()
		close(w.events)
		close(w.errors)
	})
	return err
}

// classify returns the root and author of a sample path, or ok=false when
// the path is not a sample: outside every root, directly inside a root, or
// filtered by the include and exclude patterns.
func (w *Watcher) classify(path string) (root, author string, ok bool) {
	base := filepath.Base(path)
	if w.excluded(base) || !w.included(base) {
		return "", "", false
	}
	for _, r := range w.roots {
		rel, err := filepath.Rel(r, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) < 2 {
			return "", "", false
		}
		return r, parts[0], true
	}
	return "", "", false
}

func (w *Watcher) included(base string) bool {
	if len(w.cfg.Include) == 0 {
		return true
	}
	return matchAny(w.cfg.Include, base)
}

func (w *Watcher) excluded(base string) bool {
	return matchAny(w.cfg.Exclude, base)
}

func matchAny(patterns []string, base string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

// trackExisting queues a file found by the initial scan using its
// modification time, so it is reported on the first debounce tick.
func (w *Watcher) trackExisting(path string) {
	root, author, ok := w.classify(path)
	if !ok {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	w.stateMu.Lock()
	w.state[path] = tracked{root: root, author: author, lastMod: info.ModTime()}
	w.stateMu.Unlock()
}

// markSeen records the current content of path without reporting it.
func (w *Watcher) markSeen(path string) {
	if _, _, ok := w.classify(path); !ok {
		return
	}
	hash, _, err := HashFile(path)
	if err != nil {
		return
	}
	w.stateMu.Lock()
	w.seen[path] = hash
	w.stateMu.Unlock()
}

// eventLoop handles fsnotify events.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.sendError(err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.stateMu.Lock()
		delete(w.state, event.Name)
		delete(w.seen, event.Name)
		w.stateMu.Unlock()
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 && !w.excluded(filepath.Base(event.Name)) {
			if err := w.fsWatcher.Add(event.Name); err != nil {
				w.sendError(fmt.Errorf("watch %s: %w", event.Name, err))
			}
			w.scanNewDir(event.Name)
		}
		return
	}

	root, author, ok := w.classify(event.Name)
	if !ok {
		return
	}
	w.stateMu.Lock()
	w.state[event.Name] = tracked{root: root, author: author, lastMod: w.now()}
	w.stateMu.Unlock()
}

// scanNewDir queues files that landed in a directory before its watch was
// added, such as an author directory moved into a root.
func (w *Watcher) scanNewDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		root, author, ok := w.classify(path)
		if !ok {
			continue
		}
		w.stateMu.Lock()
		w.state[path] = tracked{root: root, author: author, lastMod: w.now()}
		w.stateMu.Unlock()
	}
}

// debounceLoop periodically reports files that have stopped changing.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.cfg.Debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case <-ticker.C:
			w.checkStableFiles(w.now())
		}
	}
}

type stableFile struct {
	path string
	tracked
}

// checkStableFiles hashes files that have not changed for the debounce
// interval and reports those whose content differs from the last report.
// The lock is released during file I/O.
func (w *Watcher) checkStableFiles(now time.Time) {
	threshold := now.Add(-w.cfg.Debounce)

	var stable []stableFile
	w.stateMu.Lock()
	for path, t := range w.state {
		if !t.lastMod.After(threshold) {
			stable = append(stable, stableFile{path: path, tracked: t})
		}
	}
	w.stateMu.Unlock()

	for _, sf := range stable {
		event, err := w.prepare(sf, now)

		w.stateMu.Lock()
		current, exists := w.state[sf.path]
		if !exists || current.lastMod != sf.lastMod {
			// removed or modified while hashing; let it stabilize again
			w.stateMu.Unlock()
			continue
		}
		if err != nil {
			delete(w.state, sf.path)
			w.stateMu.Unlock()
			w.sendError(err)
			continue
		}
		if prev, ok := w.seen[sf.path]; ok && prev == event.Hash {
			delete(w.state, sf.path)
			w.stateMu.Unlock()
			continue
		}

		select {
		case w.events <- event:
			delete(w.state, sf.path)
			w.seen[sf.path] = event.Hash
		default:
			// event channel full, retry on the next tick
		}
		w.stateMu.Unlock()
	}
}

func (w *Watcher) prepare(sf stableFile, now time.Time) (Event, error) {
	if err := security.ValidateID(sf.author); err != nil {
		return Event{}, fmt.Errorf("author directory %q: %w", sf.author, err)
	}
	if _, err := w.validator.ValidatePath(sf.path); err != nil {
		return Event{}, fmt.Errorf("sample %s: %w", sf.path, err)
	}
	info, err := os.Stat(sf.path)
	if err != nil {
		return Event{}, err
	}
	if info.Size() > w.cfg.MaxSampleBytes {
		return Event{}, fmt.Errorf("sample %s: %w", sf.path, security.ErrFileTooLarge)
	}
	hash, size, err := HashFile(sf.path)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Path:      sf.path,
		Root:      sf.root,
		AuthorID:  sf.author,
		Hash:      hash,
		Size:      size,
		Timestamp: now,
	}, nil
}

func (w *Watcher) sendError(err error) {
	select {
	case w.errors <- err:
	default:
		w.logger.Warn("watcher error dropped", "error", err)
	}
}

// HashFile computes the BLAKE2b-256 hash of a file using streaming.
func HashFile(path string) ([32]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, 0, err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return [32]byte{}, 0, err
	}
	size, err := io.Copy(h, f)
	if err != nil {
		return [32]byte{}, 0, err
	}

	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return hash, size, nil
}

// Roots returns the absolute corpus roots being watched.
func (w *Watcher) Roots() []string {
	return w.roots
}
