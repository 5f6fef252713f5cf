// Package tracker owns the browser-side view of one browser instance's
// tabs and windows. It converts native browser callbacks into protocol
// events, maintains the activation bookkeeping that produces the MRU
// signal, and executes coordinator commands against the browser.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lotas/tabzentrale/internal/applog"
	"github.com/lotas/tabzentrale/internal/merge"
	"github.com/lotas/tabzentrale/internal/protocol"
	"github.com/lotas/tabzentrale/internal/types"
)

// Browser is the native browser API boundary: tab/window queries and
// the commands the coordinator can route back.
type Browser interface {
	Tabs(ctx context.Context) ([]types.BrowserTab, error)
	Windows(ctx context.Context) ([]types.BrowserWindow, error)
	ActivateTab(ctx context.Context, tabID, windowID int) error
	CloseTab(ctx context.Context, tabID int) error
	MoveTab(ctx context.Context, tabID, newIndex, targetWindowID int) error
	CreateWindow(ctx context.Context, urls []string) error
}

// CommandResult reports command execution. Browser-API failures are
// caught here and reported as {ok:false, error}, never thrown across
// the wire.
type CommandResult struct {
	OK    bool
	Error string
}

// Tracker holds the only state that needs no network round trip.
type Tracker struct {
	browser      Browser
	browserType  string
	version      string
	favicons     *faviconCache
	enrichTitles bool

	mu             sync.Mutex
	tabs           []types.BrowserTab
	windows        []types.BrowserWindow
	aug            map[int]types.TabAugmentation
	recentlyClosed []types.ClosedTab
	otherDevices   []types.RemoteDevice
	activeTabID    int
	strategy       types.SortStrategy
	emit           func(protocol.EventPayload)
	now            func() time.Time
}

// New creates a tracker for one browser instance.
func New(browser Browser, browserType, version string) *Tracker {
	return &Tracker{
		browser:     browser,
		browserType: browserType,
		version:     version,
		favicons:    newFaviconCache(),
		aug:         make(map[int]types.TabAugmentation),
		strategy:    types.SortLastActivated,
		now:         time.Now,
	}
}

// SetEmit wires the event sink (the wire client). Events emitted before
// this is called are lost, which is fine — a snapshot always follows.
func (t *Tracker) SetEmit(fn func(protocol.EventPayload)) {
	t.mu.Lock()
	t.emit = fn
	t.mu.Unlock()
}

// EnrichTitles enables best-effort readable-title fetching for tabs
// that arrive without one (e.g. discarded tabs).
func (t *Tracker) EnrichTitles(on bool) {
	t.mu.Lock()
	t.enrichTitles = on
	t.mu.Unlock()
}

// BrowserType returns the browser this tracker fronts.
func (t *Tracker) BrowserType() string { return t.browserType }

// Version returns the extension version string.
func (t *Tracker) Version() string { return t.version }

// Strategy returns the last known sort preference.
func (t *Tracker) Strategy() types.SortStrategy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.strategy
}

// Initialize queries all current tabs and windows, seeds augmentation
// from the browser-native lastAccessed signal, marks the focused tab as
// just-activated so it sorts first immediately, and kicks off
// best-effort favicon prefetching without blocking snapshot emission.
func (t *Tracker) Initialize(ctx context.Context) error {
	tabs, err := t.browser.Tabs(ctx)
	if err != nil {
		return fmt.Errorf("query tabs: %w", err)
	}
	windows, err := t.browser.Windows(ctx)
	if err != nil {
		return fmt.Errorf("query windows: %w", err)
	}

	focused := make(map[int]bool, len(windows))
	for _, w := range windows {
		if w.Focused {
			focused[w.ID] = true
		}
	}

	nowMs := t.nowMs()

	t.mu.Lock()
	t.tabs = tabs
	t.windows = windows
	t.aug = make(map[int]types.TabAugmentation, len(tabs))
	t.activeTabID = 0
	for _, tab := range tabs {
		// lastAccessed is the fallback MRU signal until real
		// activations are observed.
		t.aug[tab.ID] = types.TabAugmentation{LastActivated: tab.LastAccessed}
		if tab.Active && focused[tab.WindowID] {
			t.activeTabID = tab.ID
		}
	}
	if t.activeTabID != 0 {
		a := t.aug[t.activeTabID]
		a.LastActivated = nowMs
		t.aug[t.activeTabID] = a
	}
	enrich := t.enrichTitles
	t.mu.Unlock()

	applog.Info("tracker.init", "tabs", len(tabs), "windows", len(windows))

	go t.prefetchFavicons(ctx, tabs)
	if enrich {
		go t.enrichMissingTitles(ctx, tabs)
	}
	return nil
}

// Refresh clears local state and re-runs Initialize, used after a
// coordinator-requested resync.
func (t *Tracker) Refresh(ctx context.Context) error {
	t.mu.Lock()
	t.tabs = nil
	t.windows = nil
	t.aug = make(map[int]types.TabAugmentation)
	t.activeTabID = 0
	t.mu.Unlock()
	return t.Initialize(ctx)
}

// Snapshot returns a full-state copy suitable for wholesale replacement
// on the coordinator side.
func (t *Tracker) Snapshot() protocol.SnapshotPayload {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := protocol.SnapshotPayload{
		SessionTabs:    append([]types.BrowserTab(nil), t.tabs...),
		SessionWindows: append([]types.BrowserWindow(nil), t.windows...),
		Augmentation:   make(map[int]types.TabAugmentation, len(t.aug)),
		RecentlyClosed: append([]types.ClosedTab(nil), t.recentlyClosed...),
		OtherDevices:   append([]types.RemoteDevice(nil), t.otherDevices...),
	}
	if p.SessionTabs == nil {
		p.SessionTabs = []types.BrowserTab{}
	}
	for id, a := range t.aug {
		p.Augmentation[id] = a
	}
	return p
}

// OnTabActivated is the activation bookkeeping: the activated tab gets
// lastActivated=now, the previously active one gets lastDeactivated=now.
// This derived signal is what the sort engine consumes.
func (t *Tracker) OnTabActivated(tabID, windowID int) {
	nowMs := t.nowMs()

	t.mu.Lock()
	if prev := t.activeTabID; prev != 0 && prev != tabID {
		a := t.aug[prev]
		a.LastDeactivated = nowMs
		t.aug[prev] = a
		for i := range t.tabs {
			if t.tabs[i].ID == prev {
				t.tabs[i].Active = false
			}
		}
	}
	a := t.aug[tabID]
	a.LastActivated = nowMs
	t.aug[tabID] = a
	t.activeTabID = tabID
	for i := range t.tabs {
		if t.tabs[i].ID == tabID {
			t.tabs[i].Active = true
			if windowID != 0 {
				t.tabs[i].WindowID = windowID
			}
		}
	}
	t.mu.Unlock()

	t.send(protocol.EventPayload{
		Kind:     protocol.EventTabActivated,
		At:       nowMs,
		TabID:    tabID,
		WindowID: windowID,
	})
}

// OnTabCreated registers a new tab; a duplicate id updates in place.
func (t *Tracker) OnTabCreated(tab types.BrowserTab) {
	t.mu.Lock()
	replaced := false
	for i := range t.tabs {
		if t.tabs[i].ID == tab.ID {
			t.tabs[i] = tab
			replaced = true
			break
		}
	}
	if !replaced {
		t.tabs = append(t.tabs, tab)
	}
	t.mu.Unlock()

	t.send(protocol.EventPayload{
		Kind: protocol.EventTabCreated,
		At:   t.nowMs(),
		Tab:  &tab,
	})
}

// OnTabRemoved deletes the tab and its augmentation atomically and
// records it on the recently-closed ring.
func (t *Tracker) OnTabRemoved(tabID int) {
	nowMs := t.nowMs()

	t.mu.Lock()
	for i, tab := range t.tabs {
		if tab.ID == tabID {
			t.recentlyClosed = append([]types.ClosedTab{{
				URL:      tab.URL,
				Title:    tab.Title,
				ClosedAt: nowMs,
			}}, t.recentlyClosed...)
			if len(t.recentlyClosed) > merge.MaxRecentlyClosed {
				t.recentlyClosed = t.recentlyClosed[:merge.MaxRecentlyClosed]
			}
			t.tabs = append(t.tabs[:i], t.tabs[i+1:]...)
			break
		}
	}
	delete(t.aug, tabID)
	if t.activeTabID == tabID {
		t.activeTabID = 0
	}
	t.mu.Unlock()

	t.send(protocol.EventPayload{
		Kind:  protocol.EventTabRemoved,
		At:    nowMs,
		TabID: tabID,
	})
}

// OnTabUpdated stores the new tab state but only emits when url, title,
// favicon, or pinned state changed — pure loading-state churn is
// suppressed to bound event volume.
func (t *Tracker) OnTabUpdated(tab types.BrowserTab) {
	t.mu.Lock()
	changed := true
	found := false
	for i := range t.tabs {
		if t.tabs[i].ID == tab.ID {
			old := t.tabs[i]
			changed = old.URL != tab.URL ||
				old.Title != tab.Title ||
				old.FavIconURL != tab.FavIconURL ||
				old.Pinned != tab.Pinned
			t.tabs[i] = tab
			found = true
			break
		}
	}
	if !found {
		t.tabs = append(t.tabs, tab)
	}
	t.mu.Unlock()

	if !changed {
		return
	}
	t.send(protocol.EventPayload{
		Kind: protocol.EventTabUpdated,
		At:   t.nowMs(),
		Tab:  &tab,
	})
}

// OnWindowFocused marks the focused window.
func (t *Tracker) OnWindowFocused(windowID int) {
	t.mu.Lock()
	for i := range t.windows {
		t.windows[i].Focused = t.windows[i].ID == windowID
	}
	t.mu.Unlock()

	t.send(protocol.EventPayload{
		Kind:     protocol.EventWindowFocused,
		At:       t.nowMs(),
		WindowID: windowID,
	})
}

// OnWindowCreated registers a new window.
func (t *Tracker) OnWindowCreated(w types.BrowserWindow) {
	t.mu.Lock()
	replaced := false
	for i := range t.windows {
		if t.windows[i].ID == w.ID {
			t.windows[i] = w
			replaced = true
			break
		}
	}
	if !replaced {
		t.windows = append(t.windows, w)
	}
	t.mu.Unlock()

	t.send(protocol.EventPayload{
		Kind:   protocol.EventWindowCreated,
		At:     t.nowMs(),
		Window: &w,
	})
}

// OnWindowRemoved drops a window; its tabs are removed by their own
// tab.removed callbacks.
func (t *Tracker) OnWindowRemoved(windowID int) {
	t.mu.Lock()
	for i, w := range t.windows {
		if w.ID == windowID {
			t.windows = append(t.windows[:i], t.windows[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	t.send(protocol.EventPayload{
		Kind:     protocol.EventWindowRemoved,
		At:       t.nowMs(),
		WindowID: windowID,
	})
}

// Execute runs one coordinator command against the browser.
func (t *Tracker) Execute(ctx context.Context, cmd *protocol.CommandPayload) CommandResult {
	var err error
	switch cmd.Action {
	case protocol.CommandActivateTab:
		err = t.browser.ActivateTab(ctx, cmd.TabID, cmd.WindowID)
	case protocol.CommandCloseTab:
		err = t.browser.CloseTab(ctx, cmd.TabID)
	case protocol.CommandReorderTab:
		err = t.browser.MoveTab(ctx, cmd.TabID, cmd.NewIndex, cmd.TargetWindowID)
	case protocol.CommandCreateWindow:
		err = t.browser.CreateWindow(ctx, cmd.URLs)
	case protocol.CommandRefresh:
		err = t.Refresh(ctx)
	case protocol.CommandSetSortStrategy:
		t.mu.Lock()
		t.strategy = types.ParseSortStrategy(string(cmd.Strategy))
		t.mu.Unlock()
	default:
		err = fmt.Errorf("unknown action %q", cmd.Action)
	}
	if err != nil {
		applog.Error("tracker.command", err, "action", cmd.Action)
		return CommandResult{OK: false, Error: err.Error()}
	}
	return CommandResult{OK: true}
}

// prefetchFavicons fetches each distinct favicon once and announces the
// inlined data URL with an augmentation.updated event once resolved.
// Fetch failures are swallowed; the cache hands back a placeholder.
func (t *Tracker) prefetchFavicons(ctx context.Context, tabs []types.BrowserTab) {
	for _, tab := range tabs {
		if tab.FavIconURL == "" {
			continue
		}
		dataURL := t.favicons.fetch(ctx, tab.FavIconURL)

		t.mu.Lock()
		a, ok := t.aug[tab.ID]
		if ok {
			a.FaviconDataURL = dataURL
			t.aug[tab.ID] = a
		}
		t.mu.Unlock()
		if !ok {
			continue // tab closed while fetching
		}

		t.send(protocol.EventPayload{
			Kind:         protocol.EventAugmentation,
			At:           t.nowMs(),
			TabID:        tab.ID,
			Augmentation: &types.TabAugmentation{FaviconDataURL: dataURL},
		})
	}
}

// enrichMissingTitles fills in readable document titles for tabs that
// arrived without one, announcing each via a filtered tab.updated.
func (t *Tracker) enrichMissingTitles(ctx context.Context, tabs []types.BrowserTab) {
	for _, tab := range tabs {
		if tab.Title != "" || tab.URL == "" {
			continue
		}
		title, err := fetchReadableTitle(ctx, tab.URL)
		if err != nil || title == "" {
			continue
		}

		t.mu.Lock()
		var updated *types.BrowserTab
		for i := range t.tabs {
			if t.tabs[i].ID == tab.ID && t.tabs[i].Title == "" {
				t.tabs[i].Title = title
				cp := t.tabs[i]
				updated = &cp
				break
			}
		}
		t.mu.Unlock()

		if updated != nil {
			t.send(protocol.EventPayload{
				Kind: protocol.EventTabUpdated,
				At:   t.nowMs(),
				Tab:  updated,
			})
		}
	}
}

func (t *Tracker) send(ev protocol.EventPayload) {
	t.mu.Lock()
	emit := t.emit
	t.mu.Unlock()
	if emit != nil {
		emit(ev)
	}
}

func (t *Tracker) nowMs() int64 {
	return t.now().UnixMilli()
}
