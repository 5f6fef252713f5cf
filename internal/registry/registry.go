// Package registry owns the coordinator's authoritative replica of
// every logical browser session. All mutations go through the Registry,
// one at a time, so per-session state never observes a torn write.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/lotas/tabzentrale/internal/applog"
	"github.com/lotas/tabzentrale/internal/merge"
	"github.com/lotas/tabzentrale/internal/protocol"
	"github.com/lotas/tabzentrale/internal/types"
)

// DefaultStaleAge is how long a fully disconnected session is retained
// before the staleness sweep deletes it.
const DefaultStaleAge = 24 * time.Hour

// ConnState tracks one physical socket belonging to a session.
type ConnState struct {
	ConnectionID string
	ConnectedAt  time.Time
	LastSeq      int64
	outSeq       int64
}

// Session is one logical browser session, identified by
// instanceId:runtimeSessionId, independent of socket reconnects. It is
// retained while disconnected (zero connections) and deleted only by
// the staleness sweep.
type Session struct {
	Key              string
	InstanceID       string
	RuntimeSessionID string
	BrowserType      string
	ExtensionVersion string
	SortStrategy     types.SortStrategy

	HasSnapshot     bool
	LastSnapshotSeq int64

	Tabs           []types.BrowserTab
	Windows        []types.BrowserWindow
	Augmentation   map[int]types.TabAugmentation
	RecentlyClosed []types.ClosedTab
	OtherDevices   []types.RemoteDevice

	Connections map[string]*ConnState

	// ActiveTabID is the session's "currently active" pointer, derived
	// from tab.activated events. Zero means none.
	ActiveTabID int

	CreatedAt    time.Time
	LastActivity time.Time
}

// ChangeKind tags registry mutations for downstream rebuild decisions.
type ChangeKind int

const (
	ChangeConnected ChangeKind = iota
	ChangeSnapshot
	ChangeEvent
	ChangeDisconnected
	ChangeRemoved
)

// Change describes one registry mutation.
type Change struct {
	Kind       ChangeKind
	SessionKey string
}

// Stats counts dropped inbound messages per error taxonomy, so
// swallowed faults stay visible instead of failing silently forever.
type Stats struct {
	ProtocolDrops uint64
	SessionDrops  uint64
	OrderingDrops uint64
}

// Sender writes an encoded envelope to one physical connection. The
// transport implements it; the registry never touches sockets directly.
type Sender interface {
	SendTo(connectionID string, data []byte) error
}

// SessionInfo is the connect-time identity of a session, exposed for
// durable session-history bookkeeping.
type SessionInfo struct {
	SessionKey       string
	InstanceID       string
	BrowserType      string
	ExtensionVersion string
}

// Registry holds all sessions and the reverse connection lookup. It is
// an explicit value owned by the server component, not a package-level
// singleton, so multiple registries can coexist in tests.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	connKey  map[string]string // connectionId -> sessionKey
	sender   Sender
	notify   func(Change)
	onResult func(sessionKey string, res *protocol.CommandResultPayload)
	stats    Stats
	now      func() time.Time
}

// New creates an empty registry. notify may be nil; it is invoked
// synchronously after each mutation that downstream consumers care
// about (the display builder's rebuild trigger).
func New(sender Sender, notify func(Change)) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		connKey:  make(map[string]string),
		sender:   sender,
		notify:   notify,
		now:      time.Now,
	}
}

// SetCommandResultHandler registers a callback for command results
// reported back by trackers.
func (r *Registry) SetCommandResultHandler(fn func(sessionKey string, res *protocol.CommandResultPayload)) {
	r.mu.Lock()
	r.onResult = fn
	r.mu.Unlock()
}

// HandleMessage decodes one inbound frame from a connection and applies
// it. Malformed input is logged and dropped — the registry never raises
// to the transport for bad input.
func (r *Registry) HandleMessage(connectionID string, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		applog.Error("proto.drop", err, "conn", connectionID)
		r.countDrop(&r.stats.ProtocolDrops)
		return
	}

	key := env.SessionKey()
	if env.Type != protocol.TypeConnect && !r.connectionKnown(connectionID, key) {
		// Only connect is accepted without a pre-existing session.
		applog.Info("session.drop", "type", string(env.Type), "session", key, "conn", connectionID)
		r.countDrop(&r.stats.SessionDrops)
		return
	}

	switch env.Type {
	case protocol.TypeConnect:
		r.handleConnect(connectionID, env)
	case protocol.TypeSnapshot:
		r.handleSnapshot(key, env)
	case protocol.TypeEvent:
		r.handleEvent(key, env)
	case protocol.TypeCommand:
		// Inbound on this direction means a command result.
		r.handleCommandResult(key, env)
	case protocol.TypePing:
		r.handlePing(connectionID, key, env)
	case protocol.TypePong:
		r.touch(key)
	default:
		// connected is coordinator→tracker only.
		applog.Info("proto.drop", "type", string(env.Type), "session", key)
		r.countDrop(&r.stats.ProtocolDrops)
	}
}

// handleConnect gets-or-creates the session and (re)registers the
// connection. This is the reconnection path too: existing tab data is
// NOT cleared here — only a fresh snapshot replaces it, so the display
// keeps showing last-known state during a reconnect gap.
func (r *Registry) handleConnect(connectionID string, env *protocol.Envelope) {
	p, err := protocol.DecodeConnect(env.Payload)
	if err != nil {
		applog.Error("proto.drop", err, "conn", connectionID)
		r.countDrop(&r.stats.ProtocolDrops)
		return
	}

	key := env.SessionKey()
	now := r.now()

	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		s = &Session{
			Key:              key,
			InstanceID:       env.InstanceID,
			RuntimeSessionID: env.RuntimeSessionID,
			Augmentation:     make(map[int]types.TabAugmentation),
			Connections:      make(map[string]*ConnState),
			CreatedAt:        now,
		}
		r.sessions[key] = s
	}
	s.BrowserType = p.BrowserType
	s.ExtensionVersion = p.ExtensionVersion
	if p.SortStrategy != "" {
		s.SortStrategy = types.ParseSortStrategy(string(p.SortStrategy))
	}
	s.Connections[connectionID] = &ConnState{
		ConnectionID: connectionID,
		ConnectedAt:  now,
		LastSeq:      env.Seq,
	}
	s.LastActivity = now
	r.connKey[connectionID] = key
	conns := len(s.Connections)
	r.mu.Unlock()

	applog.Session("session.connect", key, "browser", p.BrowserType, "conns", conns)

	ack, err := protocol.Encode(env.InstanceID, env.RuntimeSessionID, connectionID,
		protocol.TypeConnected, r.nextOutSeq(key, connectionID),
		&protocol.ConnectedPayload{OK: true, ServerVersion: protocol.Version})
	if err == nil {
		if err := r.sender.SendTo(connectionID, ack); err != nil {
			applog.Error("session.ack", err, "conn", connectionID)
		}
	}

	r.emit(Change{Kind: ChangeConnected, SessionKey: key})
}

// handleSnapshot wholesale-replaces the session's collections and marks
// it ready for event application.
func (r *Registry) handleSnapshot(key string, env *protocol.Envelope) {
	p, err := protocol.DecodeSnapshot(env.Payload)
	if err != nil {
		applog.Error("proto.drop", err, "session", key)
		r.countDrop(&r.stats.ProtocolDrops)
		return
	}

	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		applog.Info("session.drop", "type", "snapshot", "session", key)
		r.countDrop(&r.stats.SessionDrops)
		return
	}
	s.Tabs = p.SessionTabs
	s.Windows = p.SessionWindows
	s.Augmentation = p.Augmentation
	if s.Augmentation == nil {
		s.Augmentation = make(map[int]types.TabAugmentation)
	}
	s.RecentlyClosed = p.RecentlyClosed
	s.OtherDevices = p.OtherDevices
	s.HasSnapshot = true
	s.LastSnapshotSeq = env.Seq
	s.ActiveTabID = 0
	for _, t := range p.SessionTabs {
		if t.Active {
			s.ActiveTabID = t.ID
			break
		}
	}
	s.LastActivity = r.now()
	tabs := len(s.Tabs)
	r.mu.Unlock()

	applog.Session("session.snapshot", key, "tabs", tabs, "seq", env.Seq)
	r.emit(Change{Kind: ChangeSnapshot, SessionKey: key})
}

// handleEvent applies one tagged event variant. Events arriving before
// any snapshot are silently dropped — an expected startup race, since a
// snapshot always follows connect.
func (r *Registry) handleEvent(key string, env *protocol.Envelope) {
	p, err := protocol.DecodeEvent(env.Payload)
	if err != nil {
		applog.Error("proto.drop", err, "session", key)
		r.countDrop(&r.stats.ProtocolDrops)
		return
	}

	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		r.countDrop(&r.stats.SessionDrops)
		return
	}
	if !s.HasSnapshot {
		r.mu.Unlock()
		// Expected startup race; a snapshot always follows connect.
		applog.Debug("session.early_event", "session", key, "kind", p.Kind)
		r.countDrop(&r.stats.OrderingDrops)
		return
	}
	applyEvent(s, p)
	s.LastActivity = r.now()
	if c, ok := s.Connections[env.ConnectionID]; ok && env.Seq > c.LastSeq {
		c.LastSeq = env.Seq
	}
	r.mu.Unlock()

	r.emit(Change{Kind: ChangeEvent, SessionKey: key})
}

func (r *Registry) handleCommandResult(key string, env *protocol.Envelope) {
	p, err := protocol.DecodeCommandResult(env.Payload)
	if err != nil {
		applog.Error("proto.drop", err, "session", key)
		r.countDrop(&r.stats.ProtocolDrops)
		return
	}
	r.mu.Lock()
	fn := r.onResult
	r.mu.Unlock()

	if !p.OK {
		applog.Session("command.failed", key, "id", p.ID, "error", p.Error)
	}
	r.touch(key)
	if fn != nil {
		fn(key, p)
	}
}

func (r *Registry) handlePing(connectionID, key string, env *protocol.Envelope) {
	r.touch(key)
	s := r.session(key)
	if s == nil {
		return
	}
	pong, err := protocol.Encode(s.InstanceID, s.RuntimeSessionID, connectionID,
		protocol.TypePong, env.Seq, nil)
	if err == nil {
		r.sender.SendTo(connectionID, pong)
	}
}

// HandleDisconnect removes the connection from its session. The session
// itself is retained — reconnection is expected.
func (r *Registry) HandleDisconnect(connectionID string) {
	r.mu.Lock()
	key, ok := r.connKey[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.connKey, connectionID)
	var remaining int
	if s, ok := r.sessions[key]; ok {
		delete(s.Connections, connectionID)
		remaining = len(s.Connections)
	}
	r.mu.Unlock()

	applog.Session("session.disconnect", key, "conns", remaining)
	r.emit(Change{Kind: ChangeDisconnected, SessionKey: key})
}

// SendCommand fans the command out to every live connection of the
// session. Sending to all is safe: commands are idempotent at the
// browser-API level.
func (r *Registry) SendCommand(sessionKey string, cmd *protocol.CommandPayload) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionKey]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("send command: unknown session %q", sessionKey)
	}
	type target struct {
		connID string
		seq    int64
	}
	targets := make([]target, 0, len(s.Connections))
	for id, c := range s.Connections {
		c.outSeq++
		targets = append(targets, target{connID: id, seq: c.outSeq})
	}
	instanceID, runtimeID := s.InstanceID, s.RuntimeSessionID
	r.mu.Unlock()

	if len(targets) == 0 {
		return fmt.Errorf("send command: session %q has no live connections", sessionKey)
	}

	var firstErr error
	for _, t := range targets {
		data, err := protocol.Encode(instanceID, runtimeID, t.connID,
			protocol.TypeCommand, t.seq, cmd)
		if err != nil {
			return err
		}
		if err := r.sender.SendTo(t.connID, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	applog.Session("command.sent", sessionKey, "action", cmd.Action, "conns", len(targets))
	return firstErr
}

// ActiveSessions returns merge inputs for every session that has a
// snapshot and at least one live connection — the only sessions
// eligible for display. The returned collections are copies.
func (r *Registry) ActiveSessions() []merge.SessionInput {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []merge.SessionInput
	for _, s := range r.sessions {
		if !s.HasSnapshot || len(s.Connections) == 0 {
			continue
		}
		in := merge.SessionInput{
			SessionKey:     s.Key,
			InstanceID:     s.InstanceID,
			BrowserType:    s.BrowserType,
			Tabs:           append([]types.BrowserTab(nil), s.Tabs...),
			Windows:        append([]types.BrowserWindow(nil), s.Windows...),
			Augmentation:   make(map[int]types.TabAugmentation, len(s.Augmentation)),
			RecentlyClosed: append([]types.ClosedTab(nil), s.RecentlyClosed...),
			OtherDevices:   append([]types.RemoteDevice(nil), s.OtherDevices...),
		}
		for id, a := range s.Augmentation {
			in.Augmentation[id] = a
		}
		out = append(out, in)
	}
	return out
}

// CleanupStaleSessions deletes sessions with zero connections whose
// last activity exceeds maxAge. Returns the number removed.
func (r *Registry) CleanupStaleSessions(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	var removed []string
	for key, s := range r.sessions {
		if len(s.Connections) == 0 && s.LastActivity.Before(cutoff) {
			delete(r.sessions, key)
			removed = append(removed, key)
		}
	}
	r.mu.Unlock()

	for _, key := range removed {
		applog.Session("session.swept", key)
		r.emit(Change{Kind: ChangeRemoved, SessionKey: key})
	}
	return len(removed)
}

// Info returns the connect-time identity of a session, or nil if the
// session is unknown.
func (r *Registry) Info(sessionKey string) *SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey]
	if !ok {
		return nil
	}
	return &SessionInfo{
		SessionKey:       s.Key,
		InstanceID:       s.InstanceID,
		BrowserType:      s.BrowserType,
		ExtensionVersion: s.ExtensionVersion,
	}
}

// Stats returns the drop counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// SessionCount returns the number of retained sessions, connected or not.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) connectionKnown(connectionID, sessionKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.connKey[connectionID]
	return ok && key == sessionKey
}

func (r *Registry) session(key string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[key]
}

func (r *Registry) touch(key string) {
	r.mu.Lock()
	if s, ok := r.sessions[key]; ok {
		s.LastActivity = r.now()
	}
	r.mu.Unlock()
}

func (r *Registry) nextOutSeq(sessionKey, connectionID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionKey]; ok {
		if c, ok := s.Connections[connectionID]; ok {
			c.outSeq++
			return c.outSeq
		}
	}
	return 0
}

func (r *Registry) countDrop(counter *uint64) {
	r.mu.Lock()
	*counter++
	r.mu.Unlock()
}

func (r *Registry) emit(c Change) {
	if r.notify != nil {
		r.notify(c)
	}
}
