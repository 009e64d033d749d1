package tabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	coreerrors "github.com/adalundhe/flowsync/core/errors"
)

// ErrNotConnected is returned by Send while the hub connection is down.
// Frames are best effort, so callers typically log and move on; the read
// loop keeps redialing in the background.
var ErrNotConnected = errors.New("tabs: hub connection unavailable")

// reconnectPause separates redial rounds once a full retry budget has been
// spent, so a long hub outage does not spin the loop.
const reconnectPause = 2 * time.Second

// WebSocketTransport carries protocol frames between processes through the
// fan-out hub. Envelopes travel as JSON text frames. The transport redials
// on any connection failure and keeps trying until closed, since the hub
// may be down for long stretches on an offline machine.
type WebSocketTransport struct {
	url    string
	logger *slog.Logger
	retry  *coreerrors.RetryExecutor

	mu      sync.Mutex
	conn    *websocket.Conn
	handler func(Envelope)
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebSocketTransport dials the hub at addr (host:port, or a full ws://
// URL) and starts the read loop. The initial dial retries with the network
// backoff budget before giving up, covering a hub that is still starting.
func NewWebSocketTransport(ctx context.Context, addr string, logger *slog.Logger) (*WebSocketTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	url := addr
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + addr + "/ws"
	}

	runCtx, cancel := context.WithCancel(ctx)
	t := &WebSocketTransport{
		url:    url,
		logger: logger,
		retry:  coreerrors.NewRetryExecutor(nil),
		ctx:    runCtx,
		cancel: cancel,
	}

	if err := t.dial(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("tabs: dial hub %s: %w", url, err)
	}

	t.wg.Add(1)
	go t.readLoop()
	return t, nil
}

// Send writes one envelope to the hub, which fans it out to every other
// connected tab.
func (t *WebSocketTransport) Send(ctx context.Context, env Envelope) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return ErrTransportClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("tabs: marshal envelope: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.dropConn(conn)
		return fmt.Errorf("tabs: write to hub: %w", err)
	}
	return nil
}

// Receive registers the envelope handler.
func (t *WebSocketTransport) Receive(handler func(Envelope)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Close disconnects from the hub and stops the read loop.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.handler = nil
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	t.wg.Wait()
	return nil
}

// dial connects with the network retry budget and installs the connection.
func (t *WebSocketTransport) dial(ctx context.Context) error {
	return t.retry.Execute(ctx, coreerrors.ClassNetwork, func() error {
		conn, _, err := websocket.Dial(ctx, t.url, nil)
		if err != nil {
			return err
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil
		}
		t.conn = conn
		t.mu.Unlock()
		return nil
	})
}

// readLoop reads frames and hands them to the handler, redialing whenever
// the connection drops.
func (t *WebSocketTransport) readLoop() {
	defer t.wg.Done()

	for {
		t.mu.Lock()
		conn := t.conn
		closed := t.closed
		t.mu.Unlock()

		if closed || t.ctx.Err() != nil {
			return
		}

		if conn == nil {
			if err := t.dial(t.ctx); err != nil {
				if t.ctx.Err() != nil {
					return
				}
				t.logger.Warn("hub reconnect failed, will retry", "url", t.url, "error", err)
				select {
				case <-t.ctx.Done():
					return
				case <-time.After(reconnectPause):
				}
			}
			continue
		}

		_, data, err := conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.dropConn(conn)
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warn("dropping malformed hub frame", "error", err)
			continue
		}

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

func (t *WebSocketTransport) dropConn(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.CloseNow()
}
