// Package display owns the single coordinator-wide "ready to render"
// tab list. It rebuilds on registry changes, publishes wholesale to
// every presentation sink, and persists with a debounced write-behind.
package display

import (
	"sync"
	"time"

	"github.com/lotas/tabzentrale/internal/applog"
	"github.com/lotas/tabzentrale/internal/merge"
	"github.com/lotas/tabzentrale/internal/registry"
	"github.com/lotas/tabzentrale/internal/types"
)

// DefaultDebounce is the coalescing window for cache writes, bounding
// disk traffic under event bursts.
const DefaultDebounce = time.Second

// Sink is an external presentation surface. Publish receives a fresh
// DisplayState; the previous one is never mutated. Publish runs under
// the builder's lock and must not block or call back into the Builder.
type Sink interface {
	Publish(state *types.DisplayState)
}

// Store persists the display cache. Writes are fire-and-forget from the
// builder's perspective.
type Store interface {
	SaveDisplayCache(state *types.DisplayState, at time.Time) error
}

// Builder merges all active sessions into one sorted display list.
type Builder struct {
	sessions func() []merge.SessionInput
	store    Store
	debounce time.Duration

	mu       sync.Mutex
	strategy types.SortStrategy
	state    *types.DisplayState
	sinks    []Sink
	timer    *time.Timer
}

// New creates a builder over the given session source (normally the
// registry's ActiveSessions). store may be nil to disable persistence.
func New(sessions func() []merge.SessionInput, strategy types.SortStrategy, store Store, debounce time.Duration) *Builder {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Builder{
		sessions: sessions,
		store:    store,
		debounce: debounce,
		strategy: types.ParseSortStrategy(string(strategy)),
		state:    &types.DisplayState{Strategy: types.ParseSortStrategy(string(strategy))},
	}
}

// AddSink registers a presentation surface and immediately publishes
// the current state to it.
func (b *Builder) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	s.Publish(b.state)
	b.mu.Unlock()
}

// OnChange is the registry notification hook. Every change that can
// affect ordering, visible content, or the active-session set triggers
// a rebuild; the rebuild is cheap because all session state is already
// cached in memory.
func (b *Builder) OnChange(c registry.Change) {
	b.Rebuild()
}

// Rebuild recomputes the merged list from all active sessions, replaces
// the cached state wholesale, publishes it, and schedules a persist.
// The session read, the install, and the sink publication share one
// critical section: registry notifications arrive on per-connection
// goroutines, and a rebuild for an earlier mutation must not overwrite
// the state computed from a later one.
func (b *Builder) Rebuild() {
	b.mu.Lock()
	inputs := b.sessions()
	state := merge.Sessions(inputs, b.strategy)
	state.ActiveSessions = len(inputs)
	b.state = state
	b.schedulePersistLocked()
	for _, s := range b.sinks {
		s.Publish(state)
	}
	b.mu.Unlock()

	applog.Info("display.rebuilt", "tabs", len(state.Tabs), "sessions", state.ActiveSessions, "strategy", string(state.Strategy))
}

// SetStrategy switches the sort strategy at runtime and re-runs the
// merge against already-cached session state — no network round trip.
func (b *Builder) SetStrategy(s types.SortStrategy) {
	b.mu.Lock()
	b.strategy = types.ParseSortStrategy(string(s))
	b.mu.Unlock()
	b.Rebuild()
}

// Strategy returns the operator's currently configured strategy.
func (b *Builder) Strategy() types.SortStrategy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategy
}

// State returns the latest published state.
func (b *Builder) State() *types.DisplayState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// schedulePersistLocked arms the trailing-edge debounce timer. A write
// burst is fully coalesced into the last value, which is safe because
// the state is always replaced wholesale.
func (b *Builder) schedulePersistLocked() {
	if b.store == nil {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.debounce, b.persist)
}

func (b *Builder) persist() {
	b.mu.Lock()
	state := b.state
	b.mu.Unlock()

	if err := b.store.SaveDisplayCache(state, time.Now()); err != nil {
		applog.Error("display.persist", err)
		return
	}
	applog.Info("display.persisted", "tabs", len(state.Tabs))
}

// Flush cancels any pending debounce and persists immediately. Used at
// shutdown.
func (b *Builder) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	if b.store != nil {
		b.persist()
	}
}
