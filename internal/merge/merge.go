// Package merge is the pure sort/merge engine. All functions take tab
// collections plus per-tab augmentation and return a new deterministic
// ordering; inputs are never mutated.
//
// Comparators operate on (tab, augmentation) entries rather than on
// numeric tab ids, so the same code sorts a single session and a
// cross-session merge without fabricating collision-prone synthetic ids.
package merge

import (
	"sort"
	"strconv"

	"github.com/lotas/tabzentrale/internal/types"
)

// Trailing-section caps applied during a cross-session merge.
const (
	MaxRecentlyClosed = 10
	MaxOtherDevices   = 5
)

// entry pairs a tab with its augmentation and the merge-time identity
// used at the presentation boundary. windowKey scopes window grouping;
// for a merge it includes the instance id so window ids from different
// browsers never collapse into one group.
type entry struct {
	tab         types.BrowserTab
	aug         types.TabAugmentation
	hasAug      bool
	windowKey   string
	displayID   string
	sessionKey  string
	browserType string
}

// ApplyStrategy sorts tabs by the selected strategy. Unknown strategy
// names behave identically to lastActivated.
func ApplyStrategy(tabs []types.BrowserTab, aug map[int]types.TabAugmentation, strategy types.SortStrategy) []types.BrowserTab {
	entries := toEntries(tabs, aug, "")
	sortEntries(entries, strategy)
	out := make([]types.BrowserTab, len(entries))
	for i, e := range entries {
		out[i] = e.tab
	}
	return out
}

// SortByLastActivated orders tabs most-recently-activated first.
func SortByLastActivated(tabs []types.BrowserTab, aug map[int]types.TabAugmentation) []types.BrowserTab {
	return ApplyStrategy(tabs, aug, types.SortLastActivated)
}

// SortByWindowGrouped partitions tabs by window, most-recently-active
// window first, MRU order within each window.
func SortByWindowGrouped(tabs []types.BrowserTab, aug map[int]types.TabAugmentation) []types.BrowserTab {
	return ApplyStrategy(tabs, aug, types.SortWindowGrouped)
}

// SortByLastAccessed orders tabs by the browser-native lastAccessed
// field only, ignoring augmentation entirely.
func SortByLastAccessed(tabs []types.BrowserTab, aug map[int]types.TabAugmentation) []types.BrowserTab {
	return ApplyStrategy(tabs, aug, types.SortLastAccessed)
}

// SortByLastDeactivated orders tabs by most recently left foreground.
// Tabs with no recorded deactivation sort last, in stable input order.
func SortByLastDeactivated(tabs []types.BrowserTab, aug map[int]types.TabAugmentation) []types.BrowserTab {
	return ApplyStrategy(tabs, aug, types.SortLastDeactivated)
}

// SessionInput is one active session's contribution to a merge.
type SessionInput struct {
	SessionKey     string
	InstanceID     string
	BrowserType    string
	Tabs           []types.BrowserTab
	Windows        []types.BrowserWindow
	Augmentation   map[int]types.TabAugmentation
	RecentlyClosed []types.ClosedTab
	OtherDevices   []types.RemoteDevice
}

// Sessions merges every session's tabs through the selected strategy
// and produces the display-ready state. Recently-closed and
// other-device entries are concatenated (capped) and appended as
// trailing sections rather than interleaved into the tab order.
func Sessions(inputs []SessionInput, strategy types.SortStrategy) *types.DisplayState {
	var entries []entry
	st := &types.DisplayState{Strategy: types.ParseSortStrategy(string(strategy))}

	for _, in := range inputs {
		prefix := instancePrefix(in.InstanceID)
		for _, e := range toEntries(in.Tabs, in.Augmentation, in.InstanceID) {
			e.displayID = prefix + ":" + strconv.Itoa(e.tab.ID)
			e.sessionKey = in.SessionKey
			e.browserType = in.BrowserType
			entries = append(entries, e)
		}
		for _, c := range in.RecentlyClosed {
			if len(st.RecentlyClosed) < MaxRecentlyClosed {
				st.RecentlyClosed = append(st.RecentlyClosed, c)
			}
		}
		for _, d := range in.OtherDevices {
			if len(st.OtherDevices) < MaxOtherDevices {
				st.OtherDevices = append(st.OtherDevices, d)
			}
		}
	}

	sortEntries(entries, strategy)

	st.Tabs = make([]types.DisplayTab, len(entries))
	for i, e := range entries {
		st.Tabs[i] = types.DisplayTab{
			ID:              e.displayID,
			SessionKey:      e.sessionKey,
			TabID:           e.tab.ID,
			WindowID:        e.tab.WindowID,
			Title:           e.tab.Title,
			URL:             tabURL(e.tab),
			Favicon:         favicon(e),
			BrowserType:     e.browserType,
			Pinned:          e.tab.Pinned,
			Active:          e.tab.Active,
			LastActivated:   e.aug.LastActivated,
			LastDeactivated: e.aug.LastDeactivated,
			LastAccessed:    e.tab.LastAccessed,
		}
	}
	return st
}

func toEntries(tabs []types.BrowserTab, aug map[int]types.TabAugmentation, instanceID string) []entry {
	entries := make([]entry, len(tabs))
	for i, t := range tabs {
		a, ok := aug[t.ID]
		entries[i] = entry{
			tab:       t,
			aug:       a,
			hasAug:    ok,
			windowKey: instanceID + ":" + strconv.Itoa(t.WindowID),
		}
	}
	return entries
}

// sortEntries orders entries in place, stably, by the given strategy.
func sortEntries(entries []entry, strategy types.SortStrategy) {
	switch types.ParseSortStrategy(string(strategy)) {
	case types.SortWindowGrouped:
		windowMax := make(map[string]int64)
		for _, e := range entries {
			if k := activationKey(e); k > windowMax[e.windowKey] {
				windowMax[e.windowKey] = k
			}
		}
		sort.SliceStable(entries, func(i, j int) bool {
			wi, wj := entries[i].windowKey, entries[j].windowKey
			if wi != wj {
				return windowMax[wi] > windowMax[wj]
			}
			return activationKey(entries[i]) > activationKey(entries[j])
		})
	case types.SortLastAccessed:
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].tab.LastAccessed > entries[j].tab.LastAccessed
		})
	case types.SortLastDeactivated:
		sort.SliceStable(entries, func(i, j int) bool {
			return deactivationKey(entries[i]) > deactivationKey(entries[j])
		})
	default:
		sort.SliceStable(entries, func(i, j int) bool {
			return activationKey(entries[i]) > activationKey(entries[j])
		})
	}
}

// activationKey is the MRU signal: the augmented lastActivated, falling
// back to the browser-native lastAccessed when no activation has been
// recorded, falling back to zero. An entry that carries only a favicon
// must not suppress the fallback.
func activationKey(e entry) int64 {
	if e.hasAug && e.aug.LastActivated != 0 {
		return e.aug.LastActivated
	}
	return e.tab.LastAccessed
}

// deactivationKey treats tabs with no recorded deactivation as "never
// left foreground", i.e. lowest priority for this strategy.
func deactivationKey(e entry) int64 {
	if e.hasAug {
		return e.aug.LastDeactivated
	}
	return 0
}

func tabURL(t types.BrowserTab) string {
	if t.URL != "" {
		return t.URL
	}
	return t.PendingURL
}

func favicon(e entry) string {
	if e.hasAug && e.aug.FaviconDataURL != "" {
		return e.aug.FaviconDataURL
	}
	return e.tab.FavIconURL
}

// instancePrefix shortens a stable instance id to the display-id prefix.
func instancePrefix(instanceID string) string {
	if len(instanceID) > 8 {
		return instanceID[:8]
	}
	return instanceID
}
