package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	// WebSocket protocol implementation (github.com/gorilla/websocket v1.5.0)
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/waypointlabs/geoengine/internal/eventbus"
)

// ---------------------------------------------------------------------------
// Global Configuration Variables
// ---------------------------------------------------------------------------
var (
	// writeWait defines the allowed write deadline to the client.
	writeWait = 10 * time.Second

	// pongWait is the duration we wait to receive a Pong message from the client
	// before terminating the connection.
	pongWait = 60 * time.Second

	// pingPeriod defines how frequently we send Ping messages to the client to
	// keep the connection alive. Must be shorter than pongWait.
	pingPeriod = 54 * time.Second

	// maxMessageSize sets the maximum size in bytes for incoming messages.
	maxMessageSize int64 = 4096

	// maxConnections is the upper limit of total active WebSocket connections
	// for this handler instance.
	maxConnections = 10000

	// eventBufferSize is the per-connection subscription buffer handed to the
	// event bus; a slow dashboard client loses its oldest events rather than
	// stalling the publisher.
	eventBufferSize = 256
)

// WebSocketHandler upgrades admin-dashboard clients to a WebSocket and
// streams every event published on the bus to them in real time: location
// fixes, motion/geofence/trip transitions, and sync/error events.
type WebSocketHandler struct {
	// connections maintains all active connection references in a thread-safe
	// manner, keyed by a generated session id.
	connections *sync.Map

	// bus is the engine's single event stream; each connection gets its own
	// subscription drained by that connection's writePump.
	bus *eventbus.Bus

	// upgrader configures parameters for upgrading an HTTP connection to
	// a WebSocket, applying security checks such as allowed origins.
	upgrader websocket.Upgrader

	logger *zap.Logger

	// ctx/cancel let Shutdown tear down every writePump goroutine at once.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWebSocketHandler creates a new WebSocket handler instance bound to bus,
// the engine's event stream.
func NewWebSocketHandler(bus *eventbus.Bus, logger *zap.Logger, ctx context.Context) *WebSocketHandler {
	upg := websocket.Upgrader{
		ReadBufferSize:  int(eventBufferSize),
		WriteBufferSize: int(eventBufferSize),
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	handlerCtx, cancelFn := context.WithCancel(ctx)

	return &WebSocketHandler{
		connections: &sync.Map{},
		bus:         bus,
		upgrader:    upg,
		logger:      logger,
		ctx:         handlerCtx,
		cancel:      cancelFn,
	}
}

// HandleConnection upgrades the HTTP connection to a WebSocket, subscribes
// it to the event bus, and starts its read/write pumps.
func (wh *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	if wh.countConnections() >= maxConnections {
		http.Error(w, "maximum connection limit reached", http.StatusServiceUnavailable)
		return errors.New("max connection limit reached")
	}

	conn, err := wh.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade to websocket: %w", err)
	}

	sessionID := r.URL.Query().Get("sessionID")
	if sessionID == "" {
		sessionID = fmt.Sprintf("ws-%d", len(wh.connectionsSnapshot())+1)
	}
	wh.connections.Store(sessionID, conn)

	sub, unsubscribe := wh.bus.Subscribe(eventBufferSize)

	go wh.writePump(conn, sessionID, sub, unsubscribe)
	go wh.readPump(conn, sessionID)

	return nil
}

// readPump keeps the connection's read deadline alive via pong frames.
// Dashboard clients are not expected to send application messages; anything
// they do send is discarded once validated as a well-formed frame.
func (wh *WebSocketHandler) readPump(conn *websocket.Conn, sessionID string) {
	defer func() {
		conn.Close()
		wh.connections.Delete(sessionID)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	conn.SetReadLimit(maxMessageSize)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump forwards every event received on sub to the client as JSON,
// interleaved with periodic pings, until the connection fails or the handler
// shuts down.
func (wh *WebSocketHandler) writePump(conn *websocket.Conn, sessionID string, sub *eventbus.Subscription, unsubscribe func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		unsubscribe()
		conn.Close()
	}()

	for {
		select {
		case <-wh.ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if err := wh.writeEvent(conn, evt); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (wh *WebSocketHandler) writeEvent(conn *websocket.Conn, evt eventbus.Event) error {
	msg := struct {
		Type      eventbus.Type `json:"type"`
		Payload   any           `json:"payload"`
		Timestamp time.Time     `json:"timestamp"`
	}{Type: evt.Type, Payload: evt.Payload, Timestamp: evt.Timestamp}

	body, err := json.Marshal(msg)
	if err != nil {
		if wh.logger != nil {
			wh.logger.Warn("dashboard event marshal failed", zap.Error(err))
		}
		return nil
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, body)
}

// Shutdown initiates a graceful shutdown of all WebSocket connections,
// releasing resources and canceling the internal context.
func (wh *WebSocketHandler) Shutdown() error {
	wh.cancel()
	wh.connections.Range(func(key, value any) bool {
		if c, ok := value.(*websocket.Conn); ok {
			_ = c.Close()
		}
		wh.connections.Delete(key)
		return true
	})
	return nil
}

func (wh *WebSocketHandler) countConnections() int {
	return len(wh.connectionsSnapshot())
}

func (wh *WebSocketHandler) connectionsSnapshot() []string {
	var ids []string
	wh.connections.Range(func(key, value any) bool {
		if id, ok := key.(string); ok {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}
