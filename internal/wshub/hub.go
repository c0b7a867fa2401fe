package wshub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/fuelwatch/pkg/fuelwatch"
)

const (
	defaultMaxClients   = 100
	defaultSendBuffer   = 64
	writeDeadlineWindow = 5 * time.Second
)

// Hub fans domain events out to connected WebSocket dashboards. It implements
// fuelwatch.Publisher, so the service publishes through it without knowing
// about connections.
type Hub struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	maxClients int

	mutex   sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Option configures a Hub.
type Option func(*Hub)

// WithMaxClients caps the number of concurrent connections.
func WithMaxClients(maxClients int) Option {
	return func(hub *Hub) {
		if maxClients > 0 {
			hub.maxClients = maxClients
		}
	}
}

// WithCheckOrigin replaces the upgrader origin policy.
func WithCheckOrigin(check func(request *http.Request) bool) Option {
	return func(hub *Hub) {
		hub.upgrader.CheckOrigin = check
	}
}

// New returns a Hub ready to accept connections.
func New(logger *zap.Logger, options ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		maxClients: defaultMaxClients,
		clients:    make(map[*client]struct{}),
	}
	for _, option := range options {
		if option != nil {
			option(hub)
		}
	}
	return hub
}

// HandleConnection upgrades an HTTP request and serves the connection until
// the peer disconnects or the hub closes.
func (hub *Hub) HandleConnection(writer http.ResponseWriter, request *http.Request) {
	hub.mutex.Lock()
	if hub.closed || len(hub.clients) >= hub.maxClients {
		hub.mutex.Unlock()
		http.Error(writer, "too many connections", http.StatusServiceUnavailable)
		return
	}
	hub.mutex.Unlock()

	conn, err := hub.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connected := &client{
		conn: conn,
		send: make(chan []byte, defaultSendBuffer),
	}
	hub.mutex.Lock()
	hub.clients[connected] = struct{}{}
	total := len(hub.clients)
	hub.mutex.Unlock()
	hub.logger.Info("websocket client connected", zap.Int("clients", total))

	go hub.writeLoop(connected)
	hub.readLoop(connected)
}

// Publish implements fuelwatch.Publisher. A slow client is evicted rather
// than allowed to block the rest.
func (hub *Hub) Publish(ctx context.Context, event fuelwatch.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	// Sends happen under the read lock: drop closes a channel only after
	// removing the client under the write lock, so no send races a close.
	hub.mutex.RLock()
	var evicted []*client
	for receiver := range hub.clients {
		select {
		case receiver.send <- payload:
		default:
			evicted = append(evicted, receiver)
		}
	}
	hub.mutex.RUnlock()

	for _, receiver := range evicted {
		hub.logger.Warn("evicting slow websocket client")
		hub.drop(receiver)
	}
	return nil
}

// ClientCount reports the number of connected clients.
func (hub *Hub) ClientCount() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.clients)
}

// Close disconnects every client and rejects future connections.
func (hub *Hub) Close() {
	hub.mutex.Lock()
	hub.closed = true
	receivers := make([]*client, 0, len(hub.clients))
	for connected := range hub.clients {
		receivers = append(receivers, connected)
	}
	hub.clients = make(map[*client]struct{})
	hub.mutex.Unlock()

	for _, receiver := range receivers {
		close(receiver.send)
	}
}

func (hub *Hub) writeLoop(connected *client) {
	defer func() { _ = connected.conn.Close() }()
	for payload := range connected.send {
		_ = connected.conn.SetWriteDeadline(time.Now().Add(writeDeadlineWindow))
		if err := connected.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			hub.drop(connected)
			return
		}
	}
	_ = connected.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (hub *Hub) readLoop(connected *client) {
	defer hub.drop(connected)
	for {
		// Inbound frames are discarded; the stream is one-way.
		if _, _, err := connected.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (hub *Hub) drop(connected *client) {
	hub.mutex.Lock()
	_, present := hub.clients[connected]
	if present {
		delete(hub.clients, connected)
	}
	hub.mutex.Unlock()
	if present {
		close(connected.send)
	}
}
