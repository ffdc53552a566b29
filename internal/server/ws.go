// Package server implements the two transport surfaces: the WebSocket
// endpoints (/ws, /admin) and the HTTP/JSON API under /api.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Siddid-Soni/rust-websocket/internal/auth"
	"github.com/Siddid-Soni/rust-websocket/internal/bus"
	"github.com/Siddid-Soni/rust-websocket/internal/metrics"
	"github.com/Siddid-Soni/rust-websocket/internal/trading"
)

const (
	// writeWait is the deadline for a single write to the peer.
	writeWait = 10 * time.Second
	// pongWait is how long we wait for a pong before dropping the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1024
	sendBufferSize = 256

	// Inbound command rate limit per connection. Over-limit frames get
	// an in-band error, never a disconnect.
	inboundRate  = 10
	inboundBurst = 100
)

// Subscription command actions.
const (
	actionSubscribe      = "subscribe"
	actionUnsubscribe    = "unsubscribe"
	actionUnsubscribeAll = "unsubscribe_all"
)

type subscriptionCommand struct {
	Action string `json:"action"`
	Symbol string `json:"symbol,omitempty"`
}

type subscriptionResponse struct {
	Status  string `json:"status"`
	Symbol  string `json:"symbol,omitempty"`
	Message string `json:"message"`
}

// WSServer serves the user stream endpoint and the admin order feed.
type WSServer struct {
	registry    *auth.Registry
	bus         *bus.Bus
	adminEvents *trading.EventBus
	metrics     *metrics.Metrics
	log         zerolog.Logger
	upgrader    websocket.Upgrader
}

func NewWSServer(registry *auth.Registry, b *bus.Bus, adminEvents *trading.EventBus, m *metrics.Metrics, log zerolog.Logger) *WSServer {
	return &WSServer{
		registry:    registry,
		bus:         b,
		adminEvents: adminEvents,
		metrics:     m,
		log:         log.With().Str("component", "websocket").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUser)
	mux.HandleFunc("/admin", s.handleAdmin)
	return mux
}

// handleUser authenticates and registers the session before upgrading,
// so rejected clients get a plain HTTP status instead of a doomed
// socket.
func (s *WSServer) handleUser(w http.ResponseWriter, r *http.Request) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}

	claims, err := s.registry.Acquire(token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrCapacity):
			http.Error(w, "Server at maximum capacity", http.StatusServiceUnavailable)
		case errors.Is(err, auth.ErrSessionActive):
			http.Error(w, "Session already active for this token", http.StatusConflict)
		default:
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		}
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.registry.Release(claims.ID)
		s.log.Error().Err(err).Msg("upgrade failed")
		return
	}

	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()
	s.metrics.SessionsActive.Set(float64(s.registry.Count()))

	c := &userConn{
		server:     s,
		conn:       conn,
		claims:     claims,
		send:       make(chan []byte, sendBufferSize),
		forwarders: make(map[string]context.CancelFunc),
		log: s.log.With().
			Str("session_id", claims.ID).
			Str("user_id", claims.UserID).
			Logger(),
	}
	c.run()

	s.metrics.ConnectionsActive.Dec()
	s.metrics.SessionsActive.Set(float64(s.registry.Count()))
}

// userConn is one authenticated /ws connection. The read loop is the
// only goroutine that touches forwarders; writePump is the only
// goroutine that writes to the socket.
type userConn struct {
	server *WSServer
	conn   *websocket.Conn
	claims *auth.Claims
	send   chan []byte
	log    zerolog.Logger

	forwarders map[string]context.CancelFunc
	wg         sync.WaitGroup
}

func (c *userConn) run() {
	ctx, cancel := context.WithCancel(context.Background())

	c.wg.Add(2)
	go c.writePump(ctx)
	go c.heartbeatLoop(ctx)

	c.log.Info().Msg("connection established")
	c.readLoop()

	cancel()
	for _, stop := range c.forwarders {
		stop()
	}
	c.server.bus.CleanupSession(c.claims.ID)
	c.server.registry.Release(c.claims.ID)
	c.conn.Close()
	c.wg.Wait()
	c.log.Info().Msg("connection closed")
}

func (c *userConn) readLoop() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	limiter := rate.NewLimiter(inboundRate, inboundBurst)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}
		c.server.metrics.MessagesReceived.Inc()

		if !limiter.Allow() {
			c.respondError("", "Rate limit exceeded")
			continue
		}

		var cmd subscriptionCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.log.Warn().Err(err).Msg("ignoring malformed command")
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *userConn) handleCommand(cmd subscriptionCommand) {
	switch cmd.Action {
	case actionSubscribe:
		c.subscribe(cmd.Symbol)
	case actionUnsubscribe:
		c.unsubscribe(cmd.Symbol)
	case actionUnsubscribeAll:
		symbols := c.server.bus.UnsubscribeAll(c.claims.ID)
		for _, symbol := range symbols {
			if stop, ok := c.forwarders[symbol]; ok {
				stop()
				delete(c.forwarders, symbol)
			}
		}
		c.respond(subscriptionResponse{
			Status:  "success",
			Message: fmt.Sprintf("Successfully unsubscribed from %d symbols", len(symbols)),
		})
	default:
		c.log.Warn().Str("action", cmd.Action).Msg("ignoring unknown action")
	}
}

func (c *userConn) subscribe(symbol string) {
	rx, err := c.server.bus.Subscribe(c.claims.ID, symbol)
	if err != nil {
		if errors.Is(err, bus.ErrAlreadySubscribed) {
			c.respondError(symbol, "Already subscribed to this symbol")
		} else {
			c.respondError(symbol, err.Error())
		}
		return
	}

	ctx, stop := context.WithCancel(context.Background())
	c.forwarders[symbol] = stop
	c.wg.Add(1)
	go c.forward(ctx, symbol, rx)

	c.respond(subscriptionResponse{
		Status:  "success",
		Symbol:  symbol,
		Message: "Successfully subscribed",
	})
}

func (c *userConn) unsubscribe(symbol string) {
	if err := c.server.bus.Unsubscribe(c.claims.ID, symbol); err != nil {
		c.respondError(symbol, "Not subscribed to this symbol")
		return
	}
	if stop, ok := c.forwarders[symbol]; ok {
		stop()
		delete(c.forwarders, symbol)
	}
	c.respond(subscriptionResponse{
		Status:  "success",
		Symbol:  symbol,
		Message: "Successfully unsubscribed",
	})
}

// forward drains one symbol subscription into the send buffer. Lag is
// logged and the stream continues with the surviving entries.
func (c *userConn) forward(ctx context.Context, symbol string, rx *bus.Receiver[[]byte]) {
	defer c.wg.Done()
	defer rx.Close()

	for {
		payload, err := rx.Recv(ctx)
		if err != nil {
			var lag *bus.LagError
			if errors.As(err, &lag) {
				c.log.Warn().
					Str("symbol", symbol).
					Uint64("missed", lag.Missed).
					Msg("subscription lagged")
				continue
			}
			return
		}
		c.queue(payload)
	}
}

// queue enqueues a frame without ever blocking a producer. A full send
// buffer drops the frame.
func (c *userConn) queue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.server.metrics.MessagesDropped.Inc()
	}
}

func (c *userConn) respond(resp subscriptionResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal response")
		return
	}
	c.queue(payload)
}

func (c *userConn) respondError(symbol, message string) {
	c.respond(subscriptionResponse{Status: "error", Symbol: symbol, Message: message})
}

// writePump is the sole socket writer. Closing the connection on exit
// unblocks readLoop when only the write side has failed, so teardown
// still runs.
func (c *userConn) writePump(ctx context.Context) {
	defer c.wg.Done()
	defer c.conn.Close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			c.server.metrics.MessagesSent.Inc()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// heartbeatLoop refreshes the registry entry so the stale sweep leaves
// this session alone while the socket lives.
func (c *userConn) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(auth.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.server.registry.Heartbeat(c.claims.ID)
		}
	}
}
