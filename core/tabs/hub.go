package tabs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// hubWriteTimeout bounds one fan-out write so a stalled client cannot hold
// up delivery to the rest.
const hubWriteTimeout = time.Second

// Hub is the stateless relay behind the websocket transport: every frame a
// client sends is rebroadcast verbatim to every other client. It keeps no
// protocol state, so a hub restart loses nothing; tabs resynchronize through
// their own heartbeats.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool

	server   *http.Server
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

// NewHub creates a Hub. A nil logger selects the default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
	}
}

// Start listens on addr and serves websocket upgrades at /ws. Use port 0 to
// pick a free port and read it back with Addr.
func (h *Hub) Start(addr string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return fmt.Errorf("tabs: hub already started")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tabs: listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)

	h.listener = listener
	h.server = &http.Server{Handler: mux}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.started = true

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("hub serve failed", "error", err)
		}
	}()

	h.logger.Info("tab hub listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (h *Hub) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// ClientCount returns the number of connected tabs.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop closes all client connections and shuts the server down.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	h.cancel()

	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "hub shutting down")
		delete(h.clients, conn)
	}
	server := h.server
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("tabs: hub shutdown: %w", err)
	}

	h.wg.Wait()
	h.logger.Info("tab hub stopped")
	return nil
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("tab connected", "clients", count)

	for {
		_, data, err := conn.Read(h.ctx)
		if err != nil {
			h.removeClient(conn)
			return
		}
		h.fanOut(conn, data)
	}
}

// fanOut relays one frame to every client except its sender.
func (h *Hub) fanOut(from *websocket.Conn, frame []byte) {
	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		if conn != from {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		ctx, cancel := context.WithTimeout(h.ctx, hubWriteTimeout)
		err := conn.Write(ctx, websocket.MessageText, frame)
		cancel()

		if err != nil {
			h.removeClient(conn)
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	_, exists := h.clients[conn]
	if exists {
		delete(h.clients, conn)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Debug("tab disconnected", "clients", count)
	}
}
