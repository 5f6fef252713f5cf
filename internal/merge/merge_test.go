package merge

import (
	"reflect"
	"testing"

	"github.com/lotas/tabzentrale/internal/types"
)

func ids(tabs []types.BrowserTab) []int {
	out := make([]int, len(tabs))
	for i, t := range tabs {
		out[i] = t.ID
	}
	return out
}

func TestSortByLastActivated(t *testing.T) {
	tabs := []types.BrowserTab{{ID: 1}, {ID: 2}, {ID: 3}}
	aug := map[int]types.TabAugmentation{
		1: {LastActivated: 100},
		2: {LastActivated: 300},
		3: {LastActivated: 200},
	}

	got := SortByLastActivated(tabs, aug)
	want := []int{2, 3, 1}
	if !reflect.DeepEqual(ids(got), want) {
		t.Errorf("got order %v, want %v", ids(got), want)
	}
}

func TestSortDoesNotMutateInput(t *testing.T) {
	tabs := []types.BrowserTab{{ID: 1}, {ID: 2}, {ID: 3}}
	aug := map[int]types.TabAugmentation{
		1: {LastActivated: 10},
		2: {LastActivated: 30},
		3: {LastActivated: 20},
	}
	before := append([]types.BrowserTab(nil), tabs...)

	got := SortByLastActivated(tabs, aug)
	if !reflect.DeepEqual(tabs, before) {
		t.Errorf("input mutated: %v", tabs)
	}
	if len(got) != len(tabs) {
		t.Errorf("got %d tabs, want %d", len(got), len(tabs))
	}
}

func TestSortFallsBackToLastAccessed(t *testing.T) {
	// No augmentation entries at all: browser-native lastAccessed decides.
	tabs := []types.BrowserTab{
		{ID: 1, LastAccessed: 50},
		{ID: 2, LastAccessed: 150},
	}
	got := SortByLastActivated(tabs, nil)
	want := []int{2, 1}
	if !reflect.DeepEqual(ids(got), want) {
		t.Errorf("got order %v, want %v", ids(got), want)
	}
}

func TestFaviconOnlyAugmentationKeepsAccessOrder(t *testing.T) {
	// An augmentation entry holding just a favicon carries no MRU
	// signal; the browser-native lastAccessed still decides.
	tabs := []types.BrowserTab{
		{ID: 1, LastAccessed: 500},
		{ID: 2, LastAccessed: 100},
	}
	aug := map[int]types.TabAugmentation{
		1: {FaviconDataURL: "data:image/png;base64,AAAA"},
	}

	got := SortByLastActivated(tabs, aug)
	want := []int{1, 2}
	if !reflect.DeepEqual(ids(got), want) {
		t.Errorf("got order %v, want %v", ids(got), want)
	}
}

func TestSortByLastDeactivated(t *testing.T) {
	tabs := []types.BrowserTab{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}
	aug := map[int]types.TabAugmentation{
		1: {LastDeactivated: 100},
		2: {LastDeactivated: 300},
		// 3 has an entry but never left foreground
		3: {LastActivated: 999},
	}
	// 4 has no entry at all; both 3 and 4 sort last in input order.

	got := SortByLastDeactivated(tabs, aug)
	want := []int{2, 1, 3, 4}
	if !reflect.DeepEqual(ids(got), want) {
		t.Errorf("got order %v, want %v", ids(got), want)
	}
}

func TestSortByLastAccessedIgnoresAugmentation(t *testing.T) {
	tabs := []types.BrowserTab{
		{ID: 1, LastAccessed: 100},
		{ID: 2, LastAccessed: 200},
	}
	aug := map[int]types.TabAugmentation{
		1: {LastActivated: 9999}, // must not matter
	}
	got := SortByLastAccessed(tabs, aug)
	want := []int{2, 1}
	if !reflect.DeepEqual(ids(got), want) {
		t.Errorf("got order %v, want %v", ids(got), want)
	}
}

func TestSortByWindowGrouped(t *testing.T) {
	tabs := []types.BrowserTab{
		{ID: 1, WindowID: 1},
		{ID: 2, WindowID: 2},
		{ID: 3, WindowID: 1},
		{ID: 4, WindowID: 2},
	}
	aug := map[int]types.TabAugmentation{
		1: {LastActivated: 10},
		2: {LastActivated: 40}, // window 2 holds the freshest activation
		3: {LastActivated: 30},
		4: {LastActivated: 20},
	}

	got := SortByWindowGrouped(tabs, aug)
	// Window 2 first (max 40), MRU within each window.
	want := []int{2, 4, 3, 1}
	if !reflect.DeepEqual(ids(got), want) {
		t.Errorf("got order %v, want %v", ids(got), want)
	}
}

func TestUnknownStrategyBehavesAsLastActivated(t *testing.T) {
	tabs := []types.BrowserTab{{ID: 1}, {ID: 2}}
	aug := map[int]types.TabAugmentation{
		1: {LastActivated: 1},
		2: {LastActivated: 2},
	}
	got := ApplyStrategy(tabs, aug, types.SortStrategy("frecency"))
	want := SortByLastActivated(tabs, aug)
	if !reflect.DeepEqual(ids(got), ids(want)) {
		t.Errorf("unknown strategy: got %v, want %v", ids(got), ids(want))
	}
}

func TestSessionsMergeOrdering(t *testing.T) {
	a := SessionInput{
		SessionKey:  "aaaaaaaa-1111:rs-a",
		InstanceID:  "aaaaaaaa-1111",
		BrowserType: "firefox",
		Tabs:        []types.BrowserTab{{ID: 10, Title: "A10"}, {ID: 11, Title: "A11"}},
		Augmentation: map[int]types.TabAugmentation{
			10: {LastActivated: 300},
			11: {LastActivated: 100},
		},
	}
	b := SessionInput{
		SessionKey:  "bbbbbbbb-2222:rs-b",
		InstanceID:  "bbbbbbbb-2222",
		BrowserType: "chrome",
		Tabs:        []types.BrowserTab{{ID: 5, Title: "B5"}},
		Augmentation: map[int]types.TabAugmentation{
			5: {LastActivated: 200},
		},
	}

	st := Sessions([]SessionInput{a, b}, types.SortLastActivated)
	if len(st.Tabs) != 3 {
		t.Fatalf("got %d tabs, want 3", len(st.Tabs))
	}

	wantIDs := []string{"aaaaaaaa:10", "bbbbbbbb:5", "aaaaaaaa:11"}
	for i, want := range wantIDs {
		if st.Tabs[i].ID != want {
			t.Errorf("tab %d: got id %q, want %q", i, st.Tabs[i].ID, want)
		}
	}
	if st.Tabs[0].SessionKey != a.SessionKey || st.Tabs[1].SessionKey != b.SessionKey {
		t.Errorf("session keys not preserved: %q, %q", st.Tabs[0].SessionKey, st.Tabs[1].SessionKey)
	}
	if st.Tabs[1].BrowserType != "chrome" {
		t.Errorf("got browser %q, want chrome", st.Tabs[1].BrowserType)
	}
}

func TestSessionsDistinctDisplayIDsOnCollidingNativeIDs(t *testing.T) {
	// Both browsers use tab id 1; display ids must not collide.
	a := SessionInput{InstanceID: "aaaaaaaa-1111", SessionKey: "a:rs",
		Tabs: []types.BrowserTab{{ID: 1}}}
	b := SessionInput{InstanceID: "bbbbbbbb-2222", SessionKey: "b:rs",
		Tabs: []types.BrowserTab{{ID: 1}}}

	st := Sessions([]SessionInput{a, b}, types.SortLastActivated)
	if len(st.Tabs) != 2 {
		t.Fatalf("got %d tabs, want 2", len(st.Tabs))
	}
	if st.Tabs[0].ID == st.Tabs[1].ID {
		t.Errorf("display ids collide: %q", st.Tabs[0].ID)
	}
}

func TestSessionsWindowGroupingNeverMixesBrowsers(t *testing.T) {
	// Same native window id in both browsers; grouping must keep them apart.
	a := SessionInput{InstanceID: "aaaaaaaa-1111", SessionKey: "a:rs",
		Tabs: []types.BrowserTab{{ID: 1, WindowID: 1}, {ID: 2, WindowID: 1}},
		Augmentation: map[int]types.TabAugmentation{
			1: {LastActivated: 400},
			2: {LastActivated: 100},
		}}
	b := SessionInput{InstanceID: "bbbbbbbb-2222", SessionKey: "b:rs",
		Tabs: []types.BrowserTab{{ID: 3, WindowID: 1}},
		Augmentation: map[int]types.TabAugmentation{
			3: {LastActivated: 250},
		}}

	st := Sessions([]SessionInput{a, b}, types.SortWindowGrouped)
	got := []string{st.Tabs[0].ID, st.Tabs[1].ID, st.Tabs[2].ID}
	// A's window (max 400) first with both its tabs together, then B's.
	want := []string{"aaaaaaaa:1", "aaaaaaaa:2", "bbbbbbbb:3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got order %v, want %v", got, want)
	}
}

func TestSessionsTrailingSectionCaps(t *testing.T) {
	var closed []types.ClosedTab
	for i := 0; i < 15; i++ {
		closed = append(closed, types.ClosedTab{URL: "https://example.com", ClosedAt: int64(i)})
	}
	var devices []types.RemoteDevice
	for i := 0; i < 8; i++ {
		devices = append(devices, types.RemoteDevice{DeviceName: "phone"})
	}
	in := SessionInput{InstanceID: "aaaaaaaa", SessionKey: "a:rs",
		RecentlyClosed: closed, OtherDevices: devices}

	st := Sessions([]SessionInput{in}, types.SortLastActivated)
	if len(st.RecentlyClosed) != MaxRecentlyClosed {
		t.Errorf("got %d recently closed, want %d", len(st.RecentlyClosed), MaxRecentlyClosed)
	}
	if len(st.OtherDevices) != MaxOtherDevices {
		t.Errorf("got %d other devices, want %d", len(st.OtherDevices), MaxOtherDevices)
	}
}

func TestSessionsFaviconPrefersAugmentation(t *testing.T) {
	in := SessionInput{InstanceID: "aaaaaaaa", SessionKey: "a:rs",
		Tabs: []types.BrowserTab{{ID: 1, FavIconURL: "https://example.com/f.ico"}},
		Augmentation: map[int]types.TabAugmentation{
			1: {FaviconDataURL: "data:image/png;base64,AAAA"},
		}}
	st := Sessions([]SessionInput{in}, types.SortLastActivated)
	if got := st.Tabs[0].Favicon; got != "data:image/png;base64,AAAA" {
		t.Errorf("got favicon %q, want inlined data URL", got)
	}
}
