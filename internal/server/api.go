package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/Siddid-Soni/rust-websocket/internal/auth"
	"github.com/Siddid-Soni/rust-websocket/internal/bus"
	"github.com/Siddid-Soni/rust-websocket/internal/market"
	"github.com/Siddid-Soni/rust-websocket/internal/metrics"
	"github.com/Siddid-Soni/rust-websocket/internal/trading"
)

// APIServer is the HTTP/JSON surface: login, order management, and
// broadcast control. It is a stateless shell over the domain
// components; every non-login route authenticates per request.
type APIServer struct {
	authority  *auth.TokenAuthority
	registry   *auth.Registry
	orders     *trading.Store
	controller *market.Controller
	bus        *bus.Bus
	metrics    *metrics.Metrics
	log        zerolog.Logger

	adminUsers map[string]struct{}
}

func NewAPIServer(
	authority *auth.TokenAuthority,
	registry *auth.Registry,
	orders *trading.Store,
	controller *market.Controller,
	b *bus.Bus,
	m *metrics.Metrics,
	adminUsers []string,
	log zerolog.Logger,
) *APIServer {
	admins := make(map[string]struct{}, len(adminUsers))
	for _, u := range adminUsers {
		admins[u] = struct{}{}
	}
	return &APIServer{
		authority:  authority,
		registry:   registry,
		orders:     orders,
		controller: controller,
		bus:        b,
		metrics:    m,
		log:        log.With().Str("component", "api").Logger(),
		adminUsers: admins,
	}
}

func (s *APIServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	api.Handle("/orders", s.withAuth(s.handlePlaceOrder)).Methods(http.MethodPost)
	api.Handle("/orders", s.withAuth(s.handleListOrders)).Methods(http.MethodGet)
	api.Handle("/orders/{id}", s.withAuth(s.handleGetOrder)).Methods(http.MethodGet)
	api.Handle("/orders/{id}", s.withAuth(s.handleCancelOrder)).Methods(http.MethodDelete)

	api.Handle("/start-broadcast", s.withAdmin(s.handleStartBroadcast)).Methods(http.MethodPost)
	api.Handle("/pause-broadcast", s.withAdmin(s.handlePauseBroadcast)).Methods(http.MethodPost)
	api.Handle("/resume-broadcast", s.withAdmin(s.handleResumeBroadcast)).Methods(http.MethodPost)
	api.Handle("/stop-broadcast", s.withAdmin(s.handleStopBroadcast)).Methods(http.MethodPost)
	api.Handle("/restart-broadcast", s.withAdmin(s.handleRestartBroadcast)).Methods(http.MethodPost)
	api.Handle("/broadcast-status", s.withAdmin(s.handleBroadcastStatus)).Methods(http.MethodGet)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, claims *auth.Claims)

func (s *APIServer) withAuth(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.TokenFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Missing Authorization header")
			return
		}
		claims, err := s.registry.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		next(w, r, claims)
	})
}

func (s *APIServer) withAdmin(next authedHandler) http.Handler {
	return s.withAuth(func(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
		if !claims.HasPermission(auth.PermissionAdmin) {
			writeError(w, http.StatusForbidden, "Admin permission required")
			return
		}
		next(w, r, claims)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

type loginRequest struct {
	Username string `json:"username"`
}

type loginResponse struct {
	Success     bool     `json:"success"`
	Token       string   `json:"token"`
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions"`
}

// handleLogin mints a token for any non-empty username; there is no
// user database. Usernames on the admin list get the admin permission.
func (s *APIServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		writeError(w, http.StatusBadRequest, "Username cannot be empty")
		return
	}

	permissions := []string{"user"}
	if _, ok := s.adminUsers[username]; ok {
		permissions = append(permissions, auth.PermissionAdmin)
	}

	token, err := s.authority.Issue(username, permissions)
	if err != nil {
		s.log.Error().Err(err).Str("username", username).Msg("token issue failed")
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	s.log.Info().Str("username", username).Strs("permissions", permissions).Msg("login")
	writeJSON(w, http.StatusOK, loginResponse{
		Success:     true,
		Token:       token,
		UserID:      username,
		Permissions: permissions,
	})
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	topics, subscribedSessions := s.bus.Stats()
	totalOrders, orderUsers := s.orders.Stats()
	state, _, _ := s.controller.Status()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "nse_socket_api",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"stats": map[string]any{
			"active_sessions":     s.registry.Count(),
			"topics":              topics,
			"subscribed_sessions": subscribedSessions,
			"orders":              totalOrders,
			"order_users":         orderUsers,
			"broadcast_state":     state,
		},
	})
}

type orderResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Order   *trading.Order `json:"order"`
}

type orderListResponse struct {
	Success bool            `json:"success"`
	Orders  []trading.Order `json:"orders"`
	Total   int             `json:"total"`
}

func (s *APIServer) handlePlaceOrder(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req trading.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := s.orders.Place(req, claims.UserID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, orderResponse{Success: false, Message: err.Error()})
		return
	}

	s.metrics.OrdersPlaced.Inc()
	writeJSON(w, http.StatusOK, orderResponse{
		Success: true,
		Message: "Order placed successfully",
		Order:   &order,
	})
}

func (s *APIServer) handleListOrders(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	query := r.URL.Query()
	orders := s.orders.ListByUser(claims.UserID)

	if symbol := query.Get("symbol"); symbol != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if strings.EqualFold(o.Symbol, symbol) {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	if status := query.Get("status"); status != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if strings.EqualFold(string(o.Status), status) {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}

	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		if limit < len(orders) {
			orders = orders[:limit]
		}
	}

	writeJSON(w, http.StatusOK, orderListResponse{
		Success: true,
		Orders:  orders,
		Total:   len(orders),
	})
}

func (s *APIServer) handleGetOrder(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID format")
		return
	}

	order, ok := s.orders.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Order not found")
		return
	}
	if order.UserID != claims.UserID {
		writeError(w, http.StatusForbidden, "You can only view your own orders")
		return
	}

	writeJSON(w, http.StatusOK, orderResponse{
		Success: true,
		Message: "Order retrieved successfully",
		Order:   &order,
	})
}

func (s *APIServer) handleCancelOrder(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID format")
		return
	}

	order, err := s.orders.Cancel(id, claims.UserID)
	if err != nil {
		switch {
		case errors.Is(err, trading.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, trading.ErrNotOrderOwner):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	s.metrics.OrdersCancelled.Inc()
	writeJSON(w, http.StatusOK, orderResponse{
		Success: true,
		Message: "Order cancelled successfully",
		Order:   &order,
	})
}

func (s *APIServer) handleStartBroadcast(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	if err := s.controller.Start(); err != nil {
		if errors.Is(err, market.ErrAlreadyRunning) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Broadcast started"})
}

func (s *APIServer) handlePauseBroadcast(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	if err := s.controller.Pause(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Broadcast paused"})
}

func (s *APIServer) handleResumeBroadcast(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	if err := s.controller.Resume(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Broadcast resumed"})
}

func (s *APIServer) handleStopBroadcast(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	s.controller.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Broadcast stopped"})
}

func (s *APIServer) handleRestartBroadcast(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	if err := s.controller.Restart(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Broadcast restarted"})
}

func (s *APIServer) handleBroadcastStatus(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	state, symbols, records := s.controller.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         state,
		"symbol_count":  symbols,
		"total_records": records,
	})
}
