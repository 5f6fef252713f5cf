// Package server is the coordinator's WebSocket transport: it accepts
// extension connections on a loopback port and shuttles frames between
// the sockets and the session registry.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/lotas/tabzentrale/internal/applog"
	"github.com/lotas/tabzentrale/internal/registry"
	"nhooyr.io/websocket"
)

// DefaultPort is the fixed local port trackers dial.
const DefaultPort = 48125

type conn struct {
	ws *websocket.Conn
	// guards writes; nhooyr allows only one concurrent writer
	mu  sync.Mutex
	ctx context.Context
}

// Server accepts WebSocket upgrades and feeds the registry. It
// implements registry.Sender for the reverse direction.
type Server struct {
	port     int
	registry *registry.Registry

	mu    sync.Mutex
	conns map[string]*conn
}

// New creates a server and its registry. notify is forwarded to the
// registry and fires on every mutation (the display builder hook).
func New(port int, notify func(registry.Change)) *Server {
	s := &Server{
		port:  port,
		conns: make(map[string]*conn),
	}
	s.registry = registry.New(s, notify)
	return s
}

// Registry exposes the registry owned by this server.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// SendTo writes an encoded envelope to one connection. Unknown
// connection ids are not an error — the socket may have just closed.
func (s *Server) SendTo(connectionID string, data []byte) error {
	s.mu.Lock()
	c := s.conns[connectionID]
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// Handler returns an http.Handler that accepts WebSocket upgrades.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			applog.Error("ws.accept", err)
			return
		}

		ws.SetReadLimit(16 << 20) // 16 MB — snapshots with many tabs can be large

		connID := uuid.NewString()
		ctx := r.Context()
		c := &conn{ws: ws, ctx: ctx}

		s.mu.Lock()
		s.conns[connID] = c
		s.mu.Unlock()

		applog.Info("ws.connected", "conn", connID, "remote", r.RemoteAddr)

		defer func() {
			// Nothing here may crash the coordinator.
			if rec := recover(); rec != nil {
				applog.Info("ws.panic", "conn", connID, "panic", fmt.Sprint(rec))
			}
			s.mu.Lock()
			delete(s.conns, connID)
			s.mu.Unlock()
			s.registry.HandleDisconnect(connID)
			ws.CloseNow()
			applog.Info("ws.disconnected", "conn", connID)
		}()

		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			s.registry.HandleMessage(connID, data)
		}
	})
}

// ListenAndServe starts the server on 127.0.0.1, loopback only.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/", s.Handler())

	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	applog.Info("server.start", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	return srv.ListenAndServe()
}
