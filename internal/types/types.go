package types

// SortStrategy selects how tabs are ordered for display.
type SortStrategy string

const (
	SortLastActivated   SortStrategy = "lastActivated"
	SortWindowGrouped   SortStrategy = "windowGrouped"
	SortLastAccessed    SortStrategy = "lastAccessed"
	SortLastDeactivated SortStrategy = "lastDeactivated"
)

// ParseSortStrategy maps a strategy name to a known strategy.
// Unknown names fall back to lastActivated rather than erroring.
func ParseSortStrategy(s string) SortStrategy {
	switch SortStrategy(s) {
	case SortWindowGrouped, SortLastAccessed, SortLastDeactivated:
		return SortStrategy(s)
	default:
		return SortLastActivated
	}
}

// BrowserTab mirrors a single browser tab's observable attributes.
// ID is browser-assigned and unique only within one browser instance.
// All timestamps are epoch milliseconds, matching the browser API.
type BrowserTab struct {
	ID           int    `json:"id"`
	WindowID     int    `json:"windowId"`
	Index        int    `json:"index"`
	URL          string `json:"url"`
	PendingURL   string `json:"pendingUrl,omitempty"`
	Title        string `json:"title"`
	FavIconURL   string `json:"favIconUrl,omitempty"`
	Pinned       bool   `json:"pinned,omitempty"`
	Active       bool   `json:"active,omitempty"`
	Highlighted  bool   `json:"highlighted,omitempty"`
	Discarded    bool   `json:"discarded,omitempty"`
	Incognito    bool   `json:"incognito,omitempty"`
	GroupID      int    `json:"groupId,omitempty"`
	LastAccessed int64  `json:"lastAccessed,omitempty"`
}

// BrowserWindow mirrors a native browser window.
type BrowserWindow struct {
	ID        int    `json:"id"`
	Focused   bool   `json:"focused,omitempty"`
	Left      int    `json:"left,omitempty"`
	Top       int    `json:"top,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Type      string `json:"type,omitempty"`
	State     string `json:"state,omitempty"`
	Incognito bool   `json:"incognito,omitempty"`
}

// TabAugmentation is tracker-local enrichment not provided by the
// browser: activation timestamps (the MRU signal) and the inlined
// favicon. Keyed by tab id, deleted together with its tab.
type TabAugmentation struct {
	LastActivated   int64  `json:"lastActivated,omitempty"`
	LastDeactivated int64  `json:"lastDeactivated,omitempty"`
	FaviconDataURL  string `json:"faviconDataUrl,omitempty"`
}

// ClosedTab is one entry of a session's recently-closed list.
type ClosedTab struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	ClosedAt int64  `json:"closedAt,omitempty"`
}

// RemoteTab is a tab open on another device of the same browser account.
type RemoteTab struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	LastUsed int64  `json:"lastUsed,omitempty"`
}

// RemoteDevice groups the tabs reported for one synced device.
type RemoteDevice struct {
	DeviceName string      `json:"deviceName"`
	Tabs       []RemoteTab `json:"tabs"`
}

// DisplayTab is the coordinator's externally published unit. ID is
// cross-session unique ("instancePrefix:tabId"); SessionKey, TabID and
// WindowID keep the identifiers needed to route commands back to the
// originating session.
type DisplayTab struct {
	ID              string `json:"id"`
	SessionKey      string `json:"sessionKey"`
	TabID           int    `json:"tabId"`
	WindowID        int    `json:"windowId"`
	Title           string `json:"title"`
	URL             string `json:"url"`
	Favicon         string `json:"favicon,omitempty"`
	BrowserType     string `json:"browserType"`
	Pinned          bool   `json:"pinned,omitempty"`
	Active          bool   `json:"active,omitempty"`
	LastActivated   int64  `json:"lastActivated,omitempty"`
	LastDeactivated int64  `json:"lastDeactivated,omitempty"`
	LastAccessed    int64  `json:"lastAccessed,omitempty"`
}

// DisplayState is the coordinator-wide "ready to render" result.
// It is always replaced wholesale, never patched in place.
type DisplayState struct {
	Tabs           []DisplayTab   `json:"displayTabs"`
	RecentlyClosed []ClosedTab    `json:"recentlyClosed,omitempty"`
	OtherDevices   []RemoteDevice `json:"otherDevices,omitempty"`
	ActiveSessions int            `json:"activeSessions"`
	Strategy       SortStrategy   `json:"strategy"`
}
