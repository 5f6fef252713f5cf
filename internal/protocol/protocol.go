// Package protocol defines the wire envelope exchanged between browser
// trackers and the coordinator, plus the payload variants for each
// message type. It is pure (de)serialization and validation; anything
// that does not match the envelope shape is rejected with an error so
// the caller can log and drop it.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/lotas/tabzentrale/internal/types"
)

// Version is the coordinator protocol version announced in the
// connected acknowledgement.
const Version = "1"

// MsgType enumerates the envelope types.
type MsgType string

const (
	TypeConnect   MsgType = "connect"
	TypeConnected MsgType = "connected"
	TypeSnapshot  MsgType = "snapshot"
	TypeEvent     MsgType = "event"
	TypeCommand   MsgType = "command"
	TypePing      MsgType = "ping"
	TypePong      MsgType = "pong"
)

// Valid reports whether t is a recognized message type.
func (t MsgType) Valid() bool {
	switch t {
	case TypeConnect, TypeConnected, TypeSnapshot, TypeEvent, TypeCommand, TypePing, TypePong:
		return true
	}
	return false
}

// Envelope is the unit of transport. Seq increases monotonically per
// connection and is used for freshness tracking, not ordering
// enforcement.
type Envelope struct {
	InstanceID       string          `json:"instanceId"`
	RuntimeSessionID string          `json:"runtimeSessionId"`
	ConnectionID     string          `json:"connectionId,omitempty"`
	Type             MsgType         `json:"type"`
	Seq              int64           `json:"seq"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// SessionKey identifies one logical browser session independent of how
// many times its socket has reconnected.
func (e *Envelope) SessionKey() string {
	return e.InstanceID + ":" + e.RuntimeSessionID
}

// Decode parses and validates a wire envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	if !e.Type.Valid() {
		return nil, fmt.Errorf("envelope: unknown type %q", e.Type)
	}
	if e.InstanceID == "" || e.RuntimeSessionID == "" {
		return nil, fmt.Errorf("envelope: missing session identity")
	}
	return &e, nil
}

// Encode builds a wire envelope with the given payload marshalled in.
func Encode(instanceID, runtimeSessionID, connectionID string, typ MsgType, seq int64, payload any) ([]byte, error) {
	e := Envelope{
		InstanceID:       instanceID,
		RuntimeSessionID: runtimeSessionID,
		ConnectionID:     connectionID,
		Type:             typ,
		Seq:              seq,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("payload: %w", err)
		}
		e.Payload = raw
	}
	return json.Marshal(&e)
}

// ConnectPayload accompanies the connect message — the only type
// accepted without a pre-existing session.
type ConnectPayload struct {
	BrowserType      string             `json:"browserType"`
	ExtensionVersion string             `json:"extensionVersion"`
	SortStrategy     types.SortStrategy `json:"sortStrategy,omitempty"`
}

// ConnectedPayload is the coordinator's acknowledgement.
type ConnectedPayload struct {
	OK            bool   `json:"ok"`
	ServerVersion string `json:"serverVersion"`
}

// SnapshotPayload wholesale-replaces a session's replica.
type SnapshotPayload struct {
	SessionTabs    []types.BrowserTab            `json:"sessionTabs"`
	SessionWindows []types.BrowserWindow         `json:"sessionWindows"`
	Augmentation   map[int]types.TabAugmentation `json:"augmentation,omitempty"`
	RecentlyClosed []types.ClosedTab             `json:"recentlyClosed,omitempty"`
	OtherDevices   []types.RemoteDevice          `json:"otherDevices,omitempty"`
}

// Event kinds — the single source of truth for "what changed".
const (
	EventTabActivated  = "tab.activated"
	EventTabCreated    = "tab.created"
	EventTabRemoved    = "tab.removed"
	EventTabUpdated    = "tab.updated"
	EventWindowFocused = "window.focused"
	EventWindowCreated = "window.created"
	EventWindowRemoved = "window.removed"
	EventAugmentation  = "augmentation.updated"
)

// EventPayload is one tagged event variant. At is the emitter's epoch-ms
// stamp, applied verbatim by the registry so replicas are deterministic.
type EventPayload struct {
	Kind         string                 `json:"kind"`
	At           int64                  `json:"at,omitempty"`
	TabID        int                    `json:"tabId,omitempty"`
	WindowID     int                    `json:"windowId,omitempty"`
	Tab          *types.BrowserTab      `json:"tab,omitempty"`
	Window       *types.BrowserWindow   `json:"window,omitempty"`
	Augmentation *types.TabAugmentation `json:"augmentation,omitempty"`
}

// Command actions accepted by the tracker.
const (
	CommandActivateTab     = "activateTab"
	CommandCloseTab        = "closeTab"
	CommandReorderTab      = "reorderTab"
	CommandCreateWindow    = "createWindow"
	CommandRefresh         = "refresh"
	CommandSetSortStrategy = "setSortStrategy"
)

// CommandPayload is a coordinator-to-tracker instruction. Commands are
// idempotent at the browser-API level, so fan-out to every live
// connection of a session is safe.
type CommandPayload struct {
	ID             string             `json:"id,omitempty"`
	Action         string             `json:"action"`
	TabID          int                `json:"tabId,omitempty"`
	WindowID       int                `json:"windowId,omitempty"`
	NewIndex       int                `json:"newIndex,omitempty"`
	TargetWindowID int                `json:"targetWindowId,omitempty"`
	URLs           []string           `json:"urls,omitempty"`
	Strategy       types.SortStrategy `json:"strategy,omitempty"`
}

// CommandResultPayload reports command execution back to the
// coordinator. Browser-API failures arrive here as {ok:false, error},
// never as a transport fault.
type CommandResultPayload struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// DecodeConnect narrows a raw payload to a connect payload.
func DecodeConnect(raw json.RawMessage) (*ConnectPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("connect: empty payload")
	}
	var p ConnectPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if p.BrowserType == "" {
		return nil, fmt.Errorf("connect: missing browserType")
	}
	return &p, nil
}

// DecodeSnapshot narrows a raw payload to a snapshot payload. The tab
// list must be present (an empty browser still sends an empty array).
func DecodeSnapshot(raw json.RawMessage) (*SnapshotPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("snapshot: empty payload")
	}
	var probe struct {
		SessionTabs *[]types.BrowserTab `json:"sessionTabs"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if probe.SessionTabs == nil {
		return nil, fmt.Errorf("snapshot: missing sessionTabs")
	}
	var p SnapshotPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return &p, nil
}

// DecodeEvent narrows a raw payload to an event payload, checking the
// per-kind required fields.
func DecodeEvent(raw json.RawMessage) (*EventPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("event: empty payload")
	}
	var p EventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("event: %w", err)
	}
	switch p.Kind {
	case EventTabActivated, EventTabRemoved:
		if p.TabID == 0 {
			return nil, fmt.Errorf("event %s: missing tabId", p.Kind)
		}
	case EventTabCreated, EventTabUpdated:
		if p.Tab == nil {
			return nil, fmt.Errorf("event %s: missing tab", p.Kind)
		}
	case EventWindowFocused, EventWindowRemoved:
		if p.WindowID == 0 {
			return nil, fmt.Errorf("event %s: missing windowId", p.Kind)
		}
	case EventWindowCreated:
		if p.Window == nil {
			return nil, fmt.Errorf("event %s: missing window", p.Kind)
		}
	case EventAugmentation:
		if p.TabID == 0 || p.Augmentation == nil {
			return nil, fmt.Errorf("event %s: missing tabId or augmentation", p.Kind)
		}
	default:
		return nil, fmt.Errorf("event: unknown kind %q", p.Kind)
	}
	return &p, nil
}

// DecodeCommand narrows a raw payload to a command payload.
func DecodeCommand(raw json.RawMessage) (*CommandPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("command: empty payload")
	}
	var p CommandPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("command: %w", err)
	}
	switch p.Action {
	case CommandActivateTab, CommandCloseTab, CommandReorderTab:
		if p.TabID == 0 {
			return nil, fmt.Errorf("command %s: missing tabId", p.Action)
		}
	case CommandCreateWindow:
		if len(p.URLs) == 0 {
			return nil, fmt.Errorf("command %s: missing urls", p.Action)
		}
	case CommandRefresh, CommandSetSortStrategy:
	default:
		return nil, fmt.Errorf("command: unknown action %q", p.Action)
	}
	return &p, nil
}

// DecodeCommandResult narrows a raw payload to a command result.
func DecodeCommandResult(raw json.RawMessage) (*CommandResultPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("command result: empty payload")
	}
	var p CommandResultPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("command result: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("command result: missing id")
	}
	return &p, nil
}
