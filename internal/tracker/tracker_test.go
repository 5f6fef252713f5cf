package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lotas/tabzentrale/internal/protocol"
	"github.com/lotas/tabzentrale/internal/types"
)

// fakeBrowser is a scripted Browser that records the commands it receives.
type fakeBrowser struct {
	mu      sync.Mutex
	tabs    []types.BrowserTab
	windows []types.BrowserWindow
	calls   []string
	fail    bool
}

func (f *fakeBrowser) record(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("browser says no")
	}
	return nil
}

func (f *fakeBrowser) Tabs(ctx context.Context) ([]types.BrowserTab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.BrowserTab(nil), f.tabs...), nil
}

func (f *fakeBrowser) Windows(ctx context.Context) ([]types.BrowserWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.BrowserWindow(nil), f.windows...), nil
}

func (f *fakeBrowser) ActivateTab(ctx context.Context, tabID, windowID int) error {
	return f.record(fmt.Sprintf("activate %d/%d", tabID, windowID))
}

func (f *fakeBrowser) CloseTab(ctx context.Context, tabID int) error {
	return f.record(fmt.Sprintf("close %d", tabID))
}

func (f *fakeBrowser) MoveTab(ctx context.Context, tabID, newIndex, targetWindowID int) error {
	return f.record(fmt.Sprintf("move %d->%d/%d", tabID, newIndex, targetWindowID))
}

func (f *fakeBrowser) CreateWindow(ctx context.Context, urls []string) error {
	return f.record(fmt.Sprintf("createWindow %d urls", len(urls)))
}

func newTestTracker(t *testing.T, fb *fakeBrowser) (*Tracker, *[]protocol.EventPayload) {
	t.Helper()
	tr := New(fb, "firefox", "0.1-test")
	tr.now = func() time.Time { return time.UnixMilli(10_000) }

	var mu sync.Mutex
	events := &[]protocol.EventPayload{}
	tr.SetEmit(func(ev protocol.EventPayload) {
		mu.Lock()
		*events = append(*events, ev)
		mu.Unlock()
	})
	return tr, events
}

func TestInitializeSeedsAugmentation(t *testing.T) {
	fb := &fakeBrowser{
		tabs: []types.BrowserTab{
			{ID: 1, WindowID: 1, LastAccessed: 500, Active: true},
			{ID: 2, WindowID: 1, LastAccessed: 300},
		},
		windows: []types.BrowserWindow{{ID: 1, Focused: true}},
	}
	tr, _ := newTestTracker(t, fb)

	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	snap := tr.Snapshot()
	if len(snap.SessionTabs) != 2 {
		t.Fatalf("got %d tabs, want 2", len(snap.SessionTabs))
	}
	// Background tab keeps lastAccessed as the seed.
	if got := snap.Augmentation[2].LastActivated; got != 300 {
		t.Errorf("tab 2 seeded with %d, want 300", got)
	}
	// The focused active tab is marked just-activated so it sorts first.
	if got := snap.Augmentation[1].LastActivated; got != 10_000 {
		t.Errorf("active tab seeded with %d, want 10000", got)
	}
}

func TestSnapshotTabsNeverNil(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeBrowser{})
	snap := tr.Snapshot()
	if snap.SessionTabs == nil {
		t.Error("empty snapshot carries nil tabs; wire format requires an empty array")
	}
}

func TestActivationBookkeeping(t *testing.T) {
	fb := &fakeBrowser{
		tabs:    []types.BrowserTab{{ID: 1, WindowID: 1, Active: true}, {ID: 2, WindowID: 1}},
		windows: []types.BrowserWindow{{ID: 1, Focused: true}},
	}
	tr, events := newTestTracker(t, fb)
	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	tr.now = func() time.Time { return time.UnixMilli(20_000) }
	tr.OnTabActivated(2, 1)

	snap := tr.Snapshot()
	if got := snap.Augmentation[2].LastActivated; got != 20_000 {
		t.Errorf("tab 2 lastActivated = %d, want 20000", got)
	}
	if got := snap.Augmentation[1].LastDeactivated; got != 20_000 {
		t.Errorf("tab 1 lastDeactivated = %d, want 20000", got)
	}

	var ev *protocol.EventPayload
	for i := range *events {
		if (*events)[i].Kind == protocol.EventTabActivated {
			ev = &(*events)[i]
		}
	}
	if ev == nil {
		t.Fatal("no tab.activated emitted")
	}
	if ev.TabID != 2 || ev.At != 20_000 {
		t.Errorf("got event %+v, want tabId=2 at=20000", ev)
	}
}

func TestOnTabUpdatedSuppressesChurn(t *testing.T) {
	fb := &fakeBrowser{tabs: []types.BrowserTab{{ID: 1, URL: "https://example.com", Title: "Hi"}}}
	tr, events := newTestTracker(t, fb)
	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	before := len(*events)

	// Loading-state churn: same url/title/favicon/pinned.
	tr.OnTabUpdated(types.BrowserTab{ID: 1, URL: "https://example.com", Title: "Hi"})
	if len(*events) != before {
		t.Errorf("churn emitted an event: %+v", (*events)[len(*events)-1])
	}

	// A real title change must emit.
	tr.OnTabUpdated(types.BrowserTab{ID: 1, URL: "https://example.com", Title: "Changed"})
	if len(*events) != before+1 {
		t.Fatal("title change did not emit")
	}
	last := (*events)[len(*events)-1]
	if last.Kind != protocol.EventTabUpdated || last.Tab.Title != "Changed" {
		t.Errorf("got %+v", last)
	}
}

func TestOnTabRemovedRecordsRecentlyClosed(t *testing.T) {
	fb := &fakeBrowser{tabs: []types.BrowserTab{
		{ID: 1, URL: "https://example.com", Title: "Doomed", Active: true, WindowID: 1},
	},
		windows: []types.BrowserWindow{{ID: 1, Focused: true}}}
	tr, _ := newTestTracker(t, fb)
	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	tr.OnTabRemoved(1)

	snap := tr.Snapshot()
	if len(snap.SessionTabs) != 0 {
		t.Errorf("tab survived removal: %v", snap.SessionTabs)
	}
	if _, ok := snap.Augmentation[1]; ok {
		t.Error("augmentation survived removal")
	}
	if len(snap.RecentlyClosed) != 1 || snap.RecentlyClosed[0].Title != "Doomed" {
		t.Errorf("got recently closed %v", snap.RecentlyClosed)
	}
}

func TestExecuteRoutesToBrowser(t *testing.T) {
	fb := &fakeBrowser{}
	tr, _ := newTestTracker(t, fb)

	res := tr.Execute(context.Background(), &protocol.CommandPayload{
		Action: protocol.CommandActivateTab, TabID: 7, WindowID: 2,
	})
	if !res.OK {
		t.Fatalf("got %+v, want ok", res)
	}
	if len(fb.calls) != 1 || fb.calls[0] != "activate 7/2" {
		t.Errorf("got calls %v", fb.calls)
	}
}

func TestExecuteReportsBrowserFailure(t *testing.T) {
	fb := &fakeBrowser{fail: true}
	tr, _ := newTestTracker(t, fb)

	res := tr.Execute(context.Background(), &protocol.CommandPayload{
		Action: protocol.CommandCloseTab, TabID: 7,
	})
	if res.OK || res.Error == "" {
		t.Errorf("got %+v, want failure with message", res)
	}
}

func TestExecuteUnknownAction(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeBrowser{})
	res := tr.Execute(context.Background(), &protocol.CommandPayload{Action: "teleport"})
	if res.OK {
		t.Error("unknown action reported ok")
	}
}

func TestExecuteSetSortStrategy(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeBrowser{})
	res := tr.Execute(context.Background(), &protocol.CommandPayload{
		Action: protocol.CommandSetSortStrategy, Strategy: types.SortWindowGrouped,
	})
	if !res.OK {
		t.Fatalf("got %+v", res)
	}
	if tr.Strategy() != types.SortWindowGrouped {
		t.Errorf("got strategy %q", tr.Strategy())
	}
}

func TestRefreshRebuildsFromBrowser(t *testing.T) {
	fb := &fakeBrowser{tabs: []types.BrowserTab{{ID: 1}}}
	tr, _ := newTestTracker(t, fb)
	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	fb.mu.Lock()
	fb.tabs = []types.BrowserTab{{ID: 2}, {ID: 3}}
	fb.mu.Unlock()

	if err := tr.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	snap := tr.Snapshot()
	if len(snap.SessionTabs) != 2 || snap.SessionTabs[0].ID != 2 {
		t.Errorf("got %v, want fresh browser state", snap.SessionTabs)
	}
}
