// Package websocket bridges the event bus to WebSocket clients. Each
// connection greets with a connection_response, then accepts subscribe
// and unsubscribe frames; matching events stream until the client
// leaves or the gateway shuts down. Transport concerns stay here; the
// bus neither knows nor cares that a subscriber is a socket.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/citypulse/core/bus"
	"github.com/citypulse/core/errors"
	"github.com/citypulse/core/types"
)

// Broker is the slice of the event bus the gateway needs.
type Broker interface {
	Subscribe(filter bus.Filter) (*bus.Subscription, error)
	Unsubscribe(id string) error
}

// Timing for the socket keepalive.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// clientFrame is what clients send.
type clientFrame struct {
	Action  string            `json:"action"` // "subscribe" or "unsubscribe"
	Types   []types.EventType `json:"types,omitempty"`
	Domains []types.DomainID  `json:"domains,omitempty"`
}

// connectionGreeting is the payload of the connection_response event.
type connectionGreeting struct {
	ConnectionID string `json:"connection_id"`
	Message      string `json:"message"`
}

// Gateway upgrades HTTP requests and pumps bus events to clients.
type Gateway struct {
	broker   Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn

	lifecycleMu sync.Mutex
	stopped     bool
	wg          sync.WaitGroup
}

// NewGateway creates a gateway over the given broker.
func NewGateway(broker Broker, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		broker: broker,
		logger: logger.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from arbitrary dev origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// conn is one client connection. All socket writes go through the
// write pump; the read pump only parses frames and manages the bus
// subscription.
type conn struct {
	id     string
	ws     *websocket.Conn
	out    chan types.Event
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	mu  sync.Mutex
	sub *bus.Subscription
}

// ServeHTTP upgrades the request and runs the connection until either
// side closes it.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.lifecycleMu.Lock()
	if g.stopped {
		g.lifecycleMu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	g.lifecycleMu.Unlock()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		out:  make(chan types.Event, 16),
		done: make(chan struct{}),
	}
	c.logger = g.logger.With("connection", c.id)

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()

	// Greet before any subscription traffic.
	c.out <- types.NewEvent(types.EventConnectionResponse, "",
		connectionGreeting{ConnectionID: c.id, Message: "connected"}, time.Now())

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		c.writePump()
	}()
	go func() {
		defer g.wg.Done()
		defer g.drop(c)
		c.readPump(g.broker)
	}()
}

// drop unregisters and closes one connection.
func (g *Gateway) drop(c *conn) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
	c.close(g.broker)
}

// ConnectionCount returns the number of open connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Start satisfies the component lifecycle; connections arrive through
// the HTTP server's handler registration.
func (g *Gateway) Start(_ context.Context) error {
	return nil
}

// Stop closes every open connection and waits for the pumps.
func (g *Gateway) Stop(timeout time.Duration) error {
	g.lifecycleMu.Lock()
	if g.stopped {
		g.lifecycleMu.Unlock()
		return nil
	}
	g.stopped = true
	g.lifecycleMu.Unlock()

	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.conns = make(map[string]*conn)
	g.mu.Unlock()

	for _, c := range conns {
		c.close(g.broker)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrShuttingDown, "WebSocketGateway", "Stop", "pump drain")
	}
}

func (c *conn) close(broker Broker) {
	c.once.Do(func() {
		c.unsubscribe(broker)
		close(c.done)
		if err := c.ws.Close(); err != nil {
			c.logger.Debug("socket close", "error", err)
		}
	})
}

// readPump parses client frames until the socket errors or closes.
func (c *conn) readPump(broker Broker) {
	c.ws.SetReadLimit(4096)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("malformed client frame", "error", err)
			continue
		}

		switch frame.Action {
		case "subscribe":
			c.subscribe(broker, bus.Filter{Types: frame.Types, Domains: frame.Domains})
		case "unsubscribe":
			c.unsubscribe(broker)
		default:
			c.logger.Warn("unknown client action", "action", frame.Action)
		}
	}
}

// subscribe replaces the connection's bus subscription and forwards
// its events onto the write pump.
func (c *conn) subscribe(broker Broker, filter bus.Filter) {
	c.unsubscribe(broker)

	sub, err := broker.Subscribe(filter)
	if err != nil {
		c.logger.Warn("subscription failed", "error", err)
		return
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-c.done:
				return
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				select {
				case c.out <- e:
				case <-c.done:
					return
				}
			}
		}
	}()
}

func (c *conn) unsubscribe(broker Broker) {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		if err := broker.Unsubscribe(sub.ID); err != nil {
			c.logger.Debug("unsubscribe failed", "error", err)
		}
	}
}

// writePump serializes all socket writes: outgoing events and pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case e := <-c.out:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteJSON(e); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
