package tracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lotas/tabzentrale/internal/applog"
	"github.com/lotas/tabzentrale/internal/protocol"
	"nhooyr.io/websocket"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
	connectWait  = 10 * time.Second
)

// Client connects a tracker to the coordinator: connect handshake, then
// an immediate full snapshot, then the event pump. The runtime session
// id is fresh per Client (it models an extension background process);
// the instance id is stable across restarts.
type Client struct {
	serverURL        string
	instanceID       string
	runtimeSessionID string
	tracker          *Tracker
	seq              atomic.Int64

	mu     sync.Mutex
	ws     *websocket.Conn
	connID string
}

// NewClient creates a client for one tracker. serverURL is the
// coordinator's ws:// address.
func NewClient(serverURL, instanceID string, tr *Tracker) *Client {
	return &Client{
		serverURL:        serverURL,
		instanceID:       instanceID,
		runtimeSessionID: uuid.NewString(),
		tracker:          tr,
	}
}

// SessionKey returns this client's logical session identity.
func (c *Client) SessionKey() string {
	return c.instanceID + ":" + c.runtimeSessionID
}

// Run dials the coordinator and keeps the session alive, reconnecting
// with backoff until ctx is cancelled. The session key stays the same
// across reconnects; the coordinator keeps showing last-known state
// during the gap.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		start := time.Now()
		err := c.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		applog.Error("client.disconnected", err, "session", c.SessionKey())

		if time.Since(start) > time.Minute {
			backoff = reconnectMin
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff *= 2; backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// runConn drives one physical connection to completion.
func (c *Client) runConn(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectWait)
	ws, _, err := websocket.Dial(dialCtx, c.serverURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.serverURL, err)
	}
	defer ws.CloseNow()
	ws.SetReadLimit(16 << 20)

	c.mu.Lock()
	c.ws = ws
	c.connID = uuid.NewString()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	if err := c.send(ctx, protocol.TypeConnect, &protocol.ConnectPayload{
		BrowserType:      c.tracker.BrowserType(),
		ExtensionVersion: c.tracker.Version(),
		SortStrategy:     c.tracker.Strategy(),
	}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	// The acknowledgement must arrive before anything else is sent.
	ackCtx, cancelAck := context.WithTimeout(ctx, connectWait)
	_, data, err := ws.Read(ackCtx)
	cancelAck()
	if err != nil {
		return fmt.Errorf("await connected: %w", err)
	}
	env, err := protocol.Decode(data)
	if err != nil || env.Type != protocol.TypeConnected {
		return fmt.Errorf("handshake: expected connected, got %v", err)
	}
	applog.Info("client.connected", "session", c.SessionKey())

	c.tracker.SetEmit(func(ev protocol.EventPayload) {
		if err := c.send(ctx, protocol.TypeEvent, &ev); err != nil {
			applog.Error("client.event", err, "kind", ev.Kind)
		}
	})

	// A snapshot is always sent immediately after connect; events
	// arriving at the coordinator first are discarded as a startup race.
	if err := c.tracker.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	snap := c.tracker.Snapshot()
	if err := c.send(ctx, protocol.TypeSnapshot, &snap); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		applog.Error("client.drop", err)
		return
	}
	switch env.Type {
	case protocol.TypeCommand:
		cmd, err := protocol.DecodeCommand(env.Payload)
		if err != nil {
			applog.Error("client.drop", err)
			return
		}
		res := c.tracker.Execute(ctx, cmd)
		c.send(ctx, protocol.TypeCommand, &protocol.CommandResultPayload{
			ID:    cmd.ID,
			OK:    res.OK,
			Error: res.Error,
		})
		if cmd.Action == protocol.CommandRefresh && res.OK {
			snap := c.tracker.Snapshot()
			c.send(ctx, protocol.TypeSnapshot, &snap)
		}
	case protocol.TypePing:
		c.send(ctx, protocol.TypePong, nil)
	case protocol.TypePong, protocol.TypeConnected:
		// liveness only
	default:
		applog.Info("client.drop", "type", string(env.Type))
	}
}

func (c *Client) send(ctx context.Context, typ protocol.MsgType, payload any) error {
	c.mu.Lock()
	ws, connID := c.ws, c.connID
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("not connected")
	}

	data, err := protocol.Encode(c.instanceID, c.runtimeSessionID, connID,
		typ, c.seq.Add(1), payload)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// LoadOrCreateInstanceID reads the stable per-installation id from
// path, creating it on first run. The id survives restarts; only the
// runtime session id changes when the background process respawns.
func LoadOrCreateInstanceID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}
