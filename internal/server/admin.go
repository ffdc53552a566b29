package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Siddid-Soni/rust-websocket/internal/auth"
	"github.com/Siddid-Soni/rust-websocket/internal/bus"
	"github.com/Siddid-Soni/rust-websocket/internal/trading"
)

type adminNotice struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type adminOrderPayload struct {
	trading.Order
	RemainingQuantity uint32 `json:"remaining_quantity"`
}

type adminOrderEnvelope struct {
	Type      string            `json:"type"`
	EventType string            `json:"event_type"`
	Order     adminOrderPayload `json:"order"`
	Timestamp string            `json:"timestamp"`
}

// handleAdmin serves the order event feed. Admin tokens are verified
// but never take a session slot, so operators can always observe a
// full server.
func (s *WSServer) handleAdmin(w http.ResponseWriter, r *http.Request) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}
	claims, err := s.registry.Verify(token)
	if err != nil {
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return
	}
	if !claims.HasPermission(auth.PermissionAdmin) {
		http.Error(w, "Admin permission required", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("admin upgrade failed")
		return
	}
	defer conn.Close()

	s.metrics.AdminConnections.Inc()
	defer s.metrics.AdminConnections.Dec()

	log := s.log.With().
		Str("user_id", claims.UserID).
		Str("session_id", claims.ID).
		Logger()
	log.Info().Msg("admin feed connected")
	defer log.Info().Msg("admin feed closed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Drain inbound frames so close and pong handling work; the feed
	// accepts no commands.
	go func() {
		defer cancel()
		conn.SetReadLimit(maxMessageSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeJSON := func(v any) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return err
		}
		s.metrics.MessagesSent.Inc()
		return nil
	}

	if err := writeJSON(adminNotice{
		Type:      "admin_connected",
		Message:   "Connected to admin order feed",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		log.Error().Err(err).Msg("welcome write failed")
		return
	}

	rx := s.adminEvents.Subscribe()
	defer rx.Close()

	for {
		event, err := rx.Recv(ctx)
		if err != nil {
			var lag *bus.LagError
			if errors.As(err, &lag) {
				log.Warn().Uint64("missed", lag.Missed).Msg("admin feed lagged")
				if err := writeJSON(adminNotice{
					Type:      "lag_warning",
					Message:   fmt.Sprintf("Client lagged, %d events skipped", lag.Missed),
					Timestamp: time.Now().UTC().Format(time.RFC3339),
				}); err != nil {
					return
				}
				continue
			}
			return
		}

		s.metrics.AdminEvents.Inc()
		envelope := adminOrderEnvelope{
			Type:      "order_event",
			EventType: event.EventType,
			Order: adminOrderPayload{
				Order:             event.Order,
				RemainingQuantity: event.Order.RemainingQuantity(),
			},
			Timestamp: event.Timestamp,
		}
		if err := writeJSON(envelope); err != nil {
			log.Warn().Err(err).Msg("order event write failed")
			return
		}
	}
}
