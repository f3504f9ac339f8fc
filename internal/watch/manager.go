// Package watch triggers group syncs from filesystem events on the
// master tree.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/keepsakefs/keepsake/internal/engine"
	"github.com/keepsakefs/keepsake/internal/filter"
	"github.com/keepsakefs/keepsake/internal/group"
)

// ErrObserver marks filesystem observer failures. A group whose
// observer fails is dropped from the manager; other groups keep
// running.
var ErrObserver = errors.New("filesystem observer error")

// ErrStopped is returned by Watch after the manager has shut down.
var ErrStopped = errors.New("watch manager stopped")

// Syncer is the slice of the engine the watcher drives.
type Syncer interface {
	Busy(groupID string) bool
	Synchronize(ctx context.Context, g *group.Group, cfg engine.Config) (*engine.Result, error)
}

// Manager watches each group's master tree and schedules a debounced
// sync when events quiesce. Backup trees are never watched; the engine
// owns all writes there.
type Manager struct {
	syncer Syncer
	cfg    engine.Config
	log    *slog.Logger

	// OnError receives observer failures after the affected group has
	// been dropped. Set before Start; may be nil.
	OnError func(groupID string, err error)

	ctx    context.Context
	cancel context.CancelFunc

	clock clockwork.Clock

	mu      sync.Mutex
	watches map[string]*watchState
	started bool
	stopped bool
	wg      sync.WaitGroup
}

type watchState struct {
	group   *group.Group
	rules   *filter.Rules
	watcher *fsnotify.Watcher
	done    chan struct{}
	running bool
}

// New builds a manager; groups are registered with Watch and begin
// reporting once Start is called.
func New(syncer Syncer, cfg engine.Config, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		syncer:  syncer,
		cfg:     cfg,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		clock:   clockwork.NewRealClock(),
		watches: make(map[string]*watchState),
	}
}

// Watch registers a group and establishes recursive watches over its
// master tree. An unreadable root fails here, before anything runs.
func (m *Manager) Watch(g *group.Group) error {
	if err := g.Validate(); err != nil {
		return err
	}
	rules, err := filter.Compile(g.Excludes)
	if err != nil {
		return fmt.Errorf("exclude patterns: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if _, ok := m.watches[g.ID]; ok {
		return fmt.Errorf("group %s is already watched", g.ID)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrObserver, err)
	}
	st := &watchState{group: g, rules: rules, watcher: w, done: make(chan struct{})}
	if err := addTree(w, g.MasterRoot, g.MasterRoot, rules); err != nil {
		w.Close()
		return fmt.Errorf("%w: watch %s: %v", ErrObserver, g.MasterRoot, err)
	}

	m.watches[g.ID] = st
	m.log.Info("watching", "group", g.ID, "root", g.MasterRoot)
	if m.started {
		m.launch(st)
	}
	return nil
}

// Unwatch stops watching a group. Unknown IDs are a no-op.
func (m *Manager) Unwatch(groupID string) {
	m.mu.Lock()
	st, ok := m.watches[groupID]
	if ok {
		delete(m.watches, groupID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	close(st.done)
	st.watcher.Close()
	m.log.Info("watch removed", "group", groupID)
}

// Watching reports whether a group currently has a live observer.
func (m *Manager) Watching(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[groupID]
	return ok
}

// Start begins event processing for all registered groups.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	for _, st := range m.watches {
		m.launch(st)
	}
}

// Stop shuts down every observer, cancels any in-flight sync, and
// waits for the loops to drain. The manager cannot be restarted.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	states := make([]*watchState, 0, len(m.watches))
	for id, st := range m.watches {
		states = append(states, st)
		delete(m.watches, id)
	}
	m.mu.Unlock()

	m.cancel()
	for _, st := range states {
		if st.running {
			close(st.done)
		}
		st.watcher.Close()
	}
	m.wg.Wait()
}

// launch starts one group's event loop. Caller holds m.mu.
func (m *Manager) launch(st *watchState) {
	st.running = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(st)
	}()
}

// drop removes a failed group and reports the failure.
func (m *Manager) drop(st *watchState, err error) {
	g := st.group
	m.mu.Lock()
	if cur, ok := m.watches[g.ID]; ok && cur == st {
		delete(m.watches, g.ID)
	}
	m.mu.Unlock()
	st.watcher.Close()

	werr := fmt.Errorf("%w: group %s: %v", ErrObserver, g.ID, err)
	m.log.Error("observer failed, group dropped", "group", g.ID, "error", err)
	if m.OnError != nil {
		m.OnError(g.ID, werr)
	}
}

// loop coalesces events into debounced sync runs. One loop per group;
// the group's own events during a run simply re-arm the timer.
func (m *Manager) loop(st *watchState) {
	g := st.group
	debounce := g.EffectiveDebounce()

	var timer clockwork.Timer
	var timerC <-chan time.Time
	arm := func() {
		if timer == nil {
			timer = m.clock.NewTimer(debounce)
			timerC = timer.Chan()
			return
		}
		timer.Reset(debounce)
	}

	for {
		select {
		case <-st.done:
			return

		case ev, ok := <-st.watcher.Events:
			if !ok {
				return
			}
			if !m.relevant(st, ev) {
				continue
			}
			m.log.Debug("fs event", "group", g.ID, "op", ev.Op.String(), "path", ev.Name)
			arm()

		case err, ok := <-st.watcher.Errors:
			if !ok {
				return
			}
			m.drop(st, err)
			return

		case <-timerC:
			if m.syncer.Busy(g.ID) {
				// Another run holds the group; try again after one
				// more quiet window.
				timer.Reset(debounce)
				continue
			}
			m.runSync(g)
		}
	}
}

// relevant filters one event and handles watch expansion for new
// directories.
func (m *Manager) relevant(st *watchState, ev fsnotify.Event) bool {
	g := st.group
	if ev.Name == "" {
		return false
	}
	if within(ev.Name, g.BackupRoot) {
		return false
	}
	rel, err := filepath.Rel(g.MasterRoot, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	if strings.HasSuffix(rel, engine.TmpSuffix) {
		return false
	}

	if ev.Op.Has(fsnotify.Create) {
		if fi, err := os.Lstat(ev.Name); err == nil && fi.IsDir() {
			if st.rules.Excluded(rel, true) {
				return false
			}
			// mkdir -p may have raced ahead of us; pick up any
			// children created before the watch existed.
			if err := addTree(st.watcher, ev.Name, g.MasterRoot, st.rules); err != nil {
				m.log.Warn("watch new directory", "group", g.ID, "path", ev.Name, "error", err)
			}
			return true
		}
	}
	return !st.rules.ExcludedPath(rel)
}

func (m *Manager) runSync(g *group.Group) {
	res, err := m.syncer.Synchronize(m.ctx, g, m.cfg)
	switch {
	case errors.Is(err, engine.ErrSyncInFlight):
		m.log.Info("realtime sync dropped", "group", g.ID, "reason", "sync already running")
	case errors.Is(err, context.Canceled):
		m.log.Info("realtime sync cancelled", "group", g.ID)
	case err != nil:
		m.log.Error("realtime sync failed", "group", g.ID, "error", err)
	default:
		m.log.Info("realtime sync finished",
			"group", g.ID,
			"status", res.Status.String(),
			"changed", res.Stats.Changed())
	}
}

// addTree walks a directory and watches every non-excluded directory
// under it, root included.
func addTree(w *fsnotify.Watcher, dir, masterRoot string, rules *filter.Rules) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil // unreadable subtree, skip
		}
		if !d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(masterRoot, path)
		if rerr == nil && rel != "." && rules.Excluded(filepath.ToSlash(rel), true) {
			return filepath.SkipDir
		}
		if werr := w.Add(path); werr != nil {
			if path == dir {
				return werr
			}
			return nil
		}
		return nil
	})
}

func within(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
