package registry

import (
	"github.com/lotas/tabzentrale/internal/merge"
	"github.com/lotas/tabzentrale/internal/protocol"
	"github.com/lotas/tabzentrale/internal/types"
)

// applyEvent mutates a session replica with one tagged event variant.
// The caller holds the registry lock and has verified HasSnapshot.
func applyEvent(s *Session, ev *protocol.EventPayload) {
	switch ev.Kind {
	case protocol.EventTabActivated:
		applyTabActivated(s, ev)
	case protocol.EventTabCreated:
		upsertTab(s, *ev.Tab)
	case protocol.EventTabRemoved:
		applyTabRemoved(s, ev.TabID, ev.At)
	case protocol.EventTabUpdated:
		upsertTab(s, *ev.Tab)
	case protocol.EventWindowFocused:
		for i := range s.Windows {
			s.Windows[i].Focused = s.Windows[i].ID == ev.WindowID
		}
	case protocol.EventWindowCreated:
		upsertWindow(s, *ev.Window)
	case protocol.EventWindowRemoved:
		for i, w := range s.Windows {
			if w.ID == ev.WindowID {
				s.Windows = append(s.Windows[:i], s.Windows[i+1:]...)
				break
			}
		}
	case protocol.EventAugmentation:
		mergeAugmentation(s, ev.TabID, *ev.Augmentation)
	}
}

// applyTabActivated records the MRU signal: the activated tab gains
// lastActivated, the previously active tab gains lastDeactivated, both
// stamped with the emitter's clock.
func applyTabActivated(s *Session, ev *protocol.EventPayload) {
	if prev := s.ActiveTabID; prev != 0 && prev != ev.TabID {
		a := s.Augmentation[prev]
		a.LastDeactivated = ev.At
		s.Augmentation[prev] = a
		for i := range s.Tabs {
			if s.Tabs[i].ID == prev {
				s.Tabs[i].Active = false
			}
		}
	}

	a := s.Augmentation[ev.TabID]
	a.LastActivated = ev.At
	s.Augmentation[ev.TabID] = a
	s.ActiveTabID = ev.TabID

	for i := range s.Tabs {
		if s.Tabs[i].ID == ev.TabID {
			s.Tabs[i].Active = true
			if ev.WindowID != 0 {
				s.Tabs[i].WindowID = ev.WindowID
			}
		}
	}
}

// applyTabRemoved deletes the tab and its augmentation entry together,
// pushes the closed tab onto the recently-closed ring, and clears the
// active pointer if the removed tab held it.
func applyTabRemoved(s *Session, tabID int, at int64) {
	for i, t := range s.Tabs {
		if t.ID == tabID {
			s.RecentlyClosed = append([]types.ClosedTab{{
				URL:      t.URL,
				Title:    t.Title,
				ClosedAt: at,
			}}, s.RecentlyClosed...)
			if len(s.RecentlyClosed) > merge.MaxRecentlyClosed {
				s.RecentlyClosed = s.RecentlyClosed[:merge.MaxRecentlyClosed]
			}
			s.Tabs = append(s.Tabs[:i], s.Tabs[i+1:]...)
			break
		}
	}
	delete(s.Augmentation, tabID)
	if s.ActiveTabID == tabID {
		s.ActiveTabID = 0
	}
}

// upsertTab updates an existing tab in place; a duplicate tab.created
// must not append a second entry for the same id.
func upsertTab(s *Session, tab types.BrowserTab) {
	for i := range s.Tabs {
		if s.Tabs[i].ID == tab.ID {
			s.Tabs[i] = tab
			return
		}
	}
	s.Tabs = append(s.Tabs, tab)
}

func upsertWindow(s *Session, w types.BrowserWindow) {
	for i := range s.Windows {
		if s.Windows[i].ID == w.ID {
			s.Windows[i] = w
			return
		}
	}
	s.Windows = append(s.Windows, w)
}

// mergeAugmentation overlays only the fields the event carries, so an
// asynchronous favicon arrival never wipes activation timestamps.
func mergeAugmentation(s *Session, tabID int, in types.TabAugmentation) {
	a := s.Augmentation[tabID]
	if in.LastActivated != 0 {
		a.LastActivated = in.LastActivated
	}
	if in.LastDeactivated != 0 {
		a.LastDeactivated = in.LastDeactivated
	}
	if in.FaviconDataURL != "" {
		a.FaviconDataURL = in.FaviconDataURL
	}
	s.Augmentation[tabID] = a
}
