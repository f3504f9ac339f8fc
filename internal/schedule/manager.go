// Package schedule fires group syncs on cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/keepsakefs/keepsake/internal/engine"
	"github.com/keepsakefs/keepsake/internal/group"
)

// ErrInvalidExpression reports a cron expression that failed to parse.
// Nothing is scheduled when Add returns it.
var ErrInvalidExpression = errors.New("invalid cron expression")

// Syncer is the slice of the engine the scheduler drives.
type Syncer interface {
	Busy(groupID string) bool
	Synchronize(ctx context.Context, g *group.Group, cfg engine.Config) (*engine.Result, error)
}

// Entry describes one scheduled group. Next is zero until the manager
// has started.
type Entry struct {
	GroupID string
	Expr    string
	Next    time.Time
}

// Manager runs one cron schedule per group. A trigger that lands while
// the group is already syncing is dropped, never queued, so schedules
// cannot pile up behind a slow run.
type Manager struct {
	syncer Syncer
	cfg    engine.Config
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	cron *cron.Cron
	jobs map[string]job
}

type job struct {
	id    cron.EntryID
	expr  string
	group *group.Group
}

// New builds a stopped manager; call Start to begin firing.
func New(syncer Syncer, cfg engine.Config, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		syncer: syncer,
		cfg:    cfg,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		cron:   cron.New(),
		jobs:   make(map[string]job),
	}
}

// Add schedules a group using a standard 5-field cron expression
// (descriptors like @hourly and @every also work). The expression is
// validated here; adding a group twice replaces its schedule.
func (m *Manager) Add(g *group.Group, expr string) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.jobs[g.ID]; ok {
		m.cron.Remove(old.id)
	}
	id, err := m.cron.AddFunc(expr, func() { m.trigger(g) })
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}
	m.jobs[g.ID] = job{id: id, expr: expr, group: g}
	m.log.Info("schedule added", "group", g.ID, "expr", expr)
	return nil
}

// Remove drops a group's schedule. Unknown IDs are a no-op.
func (m *Manager) Remove(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[groupID]
	if !ok {
		return
	}
	m.cron.Remove(j.id)
	delete(m.jobs, groupID)
	m.log.Info("schedule removed", "group", groupID)
}

// List returns the current schedules sorted by group ID.
func (m *Manager) List() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.jobs))
	for id, j := range m.jobs {
		out = append(out, Entry{GroupID: id, Expr: j.expr, Next: m.cron.Entry(j.id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// Start begins firing schedules in the background.
func (m *Manager) Start() {
	m.cron.Start()
}

// Stop halts scheduling, cancels any in-flight run, and waits for
// triggers to return.
func (m *Manager) Stop() {
	m.cancel()
	<-m.cron.Stop().Done()
}

func (m *Manager) trigger(g *group.Group) {
	if m.syncer.Busy(g.ID) {
		m.log.Info("scheduled sync dropped", "group", g.ID, "reason", "sync already running")
		return
	}
	res, err := m.syncer.Synchronize(m.ctx, g, m.cfg)
	switch {
	case errors.Is(err, engine.ErrSyncInFlight):
		// Lost the race to a manual or realtime run.
		m.log.Info("scheduled sync dropped", "group", g.ID, "reason", "sync already running")
	case errors.Is(err, context.Canceled):
		m.log.Info("scheduled sync cancelled", "group", g.ID)
	case err != nil:
		m.log.Error("scheduled sync failed", "group", g.ID, "error", err)
	default:
		m.log.Info("scheduled sync finished",
			"group", g.ID,
			"status", res.Status.String(),
			"changed", res.Stats.Changed())
	}
}
