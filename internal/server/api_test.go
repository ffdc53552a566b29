package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddid-Soni/rust-websocket/internal/auth"
	"github.com/Siddid-Soni/rust-websocket/internal/bus"
	"github.com/Siddid-Soni/rust-websocket/internal/market"
	"github.com/Siddid-Soni/rust-websocket/internal/metrics"
	"github.com/Siddid-Soni/rust-websocket/internal/trading"
)

const testSecret = "test-secret-key-with-at-least-32-characters"

const sampleCSV = `2024-01-01,100.5,105.2,99.8,104.1,1000000
2024-01-02,104.1,106.0,103.5,105.5,1200000
`

type testStack struct {
	authority  *auth.TokenAuthority
	registry   *auth.Registry
	bus        *bus.Bus
	controller *market.Controller
	events     *trading.EventBus
	orders     *trading.Store
	api        *APIServer
	ws         *WSServer
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	log := zerolog.Nop()

	dir := t.TempDir()
	dataFile := filepath.Join(dir, "NIFTY.csv")
	require.NoError(t, os.WriteFile(dataFile, []byte(sampleCSV), 0o644))

	authority := auth.NewTokenAuthority(testSecret)
	registry := auth.NewRegistry(authority, log)
	b := bus.NewBus(log)
	m := metrics.New()
	controller := market.NewController(b, market.NewLoader(log), dir, dataFile, m, log)
	t.Cleanup(controller.Stop)

	events := trading.NewEventBus()
	orders := trading.NewStore(events, log)

	return &testStack{
		authority:  authority,
		registry:   registry,
		bus:        b,
		controller: controller,
		events:     events,
		orders:     orders,
		api:        NewAPIServer(authority, registry, orders, controller, b, m, []string{"root"}, log),
		ws:         NewWSServer(registry, b, events, m, log),
	}
}

func (ts *testStack) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, reader)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.api.Router().ServeHTTP(w, r)
	return w
}

func (ts *testStack) login(t *testing.T, username string) string {
	t.Helper()
	w := ts.request(t, http.MethodPost, "/api/login", "", map[string]string{"username": username})
	require.Equal(t, http.StatusOK, w.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func decodeOrder(t *testing.T, w *httptest.ResponseRecorder) trading.Order {
	t.Helper()
	var resp orderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotNil(t, resp.Order)
	return *resp.Order
}

func TestHealth(t *testing.T) {
	ts := newTestStack(t)

	w := ts.request(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Contains(t, resp, "stats")
}

func TestLogin(t *testing.T) {
	ts := newTestStack(t)

	w := ts.request(t, http.MethodPost, "/api/login", "", map[string]string{"username": "alice"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.UserID)
	assert.Equal(t, []string{"user"}, resp.Permissions)

	claims, err := ts.authority.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
}

func TestLoginAdminUser(t *testing.T) {
	ts := newTestStack(t)

	w := ts.request(t, http.MethodPost, "/api/login", "", map[string]string{"username": "root"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"user", "admin"}, resp.Permissions)
}

func TestLoginEmptyUsername(t *testing.T) {
	ts := newTestStack(t)

	w := ts.request(t, http.MethodPost, "/api/login", "", map[string]string{"username": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrdersRequireAuth(t *testing.T) {
	ts := newTestStack(t)

	w := ts.request(t, http.MethodGet, "/api/orders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.request(t, http.MethodGet, "/api/orders", "bogus-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPlaceAndFetchOrder(t *testing.T) {
	ts := newTestStack(t)
	token := ts.login(t, "alice")

	w := ts.request(t, http.MethodPost, "/api/orders", token, map[string]any{
		"symbol": "nifty", "side": "buy", "order_type": "limit", "quantity": 10, "price": 100.5,
	})
	require.Equal(t, http.StatusOK, w.Code)
	order := decodeOrder(t, w)
	assert.Equal(t, "NIFTY", order.Symbol)
	assert.Equal(t, trading.StatusPending, order.Status)

	w = ts.request(t, http.MethodGet, "/api/orders/"+order.ID.String(), token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, order.ID, decodeOrder(t, w).ID)
}

func TestPlaceInvalidOrder(t *testing.T) {
	ts := newTestStack(t)
	token := ts.login(t, "alice")

	w := ts.request(t, http.MethodPost, "/api/orders", token, map[string]any{
		"symbol": "nifty", "side": "buy", "order_type": "limit", "quantity": 10,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetOrderErrors(t *testing.T) {
	ts := newTestStack(t)
	alice := ts.login(t, "alice")
	bob := ts.login(t, "bob")

	w := ts.request(t, http.MethodGet, "/api/orders/not-a-uuid", alice, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.request(t, http.MethodGet, "/api/orders/6b1e415f-2f9b-43bb-b0a1-7a2e64bfa961", alice, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.request(t, http.MethodPost, "/api/orders", alice, map[string]any{
		"symbol": "NIFTY", "side": "sell", "order_type": "market", "quantity": 1,
	})
	require.Equal(t, http.StatusOK, w.Code)
	order := decodeOrder(t, w)

	w = ts.request(t, http.MethodGet, "/api/orders/"+order.ID.String(), bob, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListOrdersFilterSortLimit(t *testing.T) {
	ts := newTestStack(t)
	token := ts.login(t, "alice")

	for i, symbol := range []string{"NIFTY", "BANKNIFTY", "NIFTY"} {
		w := ts.request(t, http.MethodPost, "/api/orders", token, map[string]any{
			"symbol": symbol, "side": "buy", "order_type": "market", "quantity": i + 1,
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := ts.request(t, http.MethodGet, "/api/orders", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp orderListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Total)

	// Sorted newest first.
	for i := 1; i < len(resp.Orders); i++ {
		assert.False(t, resp.Orders[i-1].CreatedAt.Before(resp.Orders[i].CreatedAt))
	}

	w = ts.request(t, http.MethodGet, "/api/orders?symbol=nifty", token, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)

	w = ts.request(t, http.MethodGet, "/api/orders?status=PENDING&limit=1", token, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	assert.Len(t, resp.Orders, 1)

	w = ts.request(t, http.MethodGet, "/api/orders?limit=abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelOrderEndpoint(t *testing.T) {
	ts := newTestStack(t)
	alice := ts.login(t, "alice")
	bob := ts.login(t, "bob")

	w := ts.request(t, http.MethodPost, "/api/orders", alice, map[string]any{
		"symbol": "NIFTY", "side": "buy", "order_type": "market", "quantity": 5,
	})
	require.Equal(t, http.StatusOK, w.Code)
	order := decodeOrder(t, w)

	w = ts.request(t, http.MethodDelete, "/api/orders/"+order.ID.String(), bob, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.request(t, http.MethodDelete, "/api/orders/"+order.ID.String(), alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, trading.StatusCancelled, decodeOrder(t, w).Status)

	// Already cancelled.
	w = ts.request(t, http.MethodDelete, "/api/orders/"+order.ID.String(), alice, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBroadcastControlRequiresAdmin(t *testing.T) {
	ts := newTestStack(t)
	user := ts.login(t, "alice")

	w := ts.request(t, http.MethodPost, "/api/start-broadcast", user, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.request(t, http.MethodGet, "/api/broadcast-status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBroadcastLifecycleViaAPI(t *testing.T) {
	ts := newTestStack(t)
	admin := ts.login(t, "root")

	status := func() map[string]any {
		w := ts.request(t, http.MethodGet, "/api/broadcast-status", admin, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp
	}

	assert.Equal(t, "stopped", status()["state"])

	w := ts.request(t, http.MethodPost, "/api/start-broadcast", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", status()["state"])
	assert.Equal(t, float64(1), status()["symbol_count"])

	// Starting twice is an illegal transition.
	w = ts.request(t, http.MethodPost, "/api/start-broadcast", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.request(t, http.MethodPost, "/api/pause-broadcast", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "paused", status()["state"])

	// Pausing a paused broadcast fails.
	w = ts.request(t, http.MethodPost, "/api/pause-broadcast", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.request(t, http.MethodPost, "/api/resume-broadcast", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", status()["state"])

	w = ts.request(t, http.MethodPost, "/api/stop-broadcast", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := status()
	assert.Equal(t, "stopped", st["state"])
	assert.Equal(t, float64(0), st["symbol_count"])

	w = ts.request(t, http.MethodPost, "/api/restart-broadcast", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", status()["state"])
}

func TestResumeWhenNotPaused(t *testing.T) {
	ts := newTestStack(t)
	admin := ts.login(t, "root")

	w := ts.request(t, http.MethodPost, "/api/resume-broadcast", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestStack(t)

	w := ts.request(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ws_connections_total")
}

func TestHealthReflectsOrders(t *testing.T) {
	ts := newTestStack(t)
	token := ts.login(t, "alice")

	for i := 0; i < 2; i++ {
		w := ts.request(t, http.MethodPost, "/api/orders", token, map[string]any{
			"symbol": fmt.Sprintf("SYM%d", i), "side": "buy", "order_type": "market", "quantity": 1,
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := ts.request(t, http.MethodGet, "/api/health", "", nil)
	var resp struct {
		Stats struct {
			Orders     int `json:"orders"`
			OrderUsers int `json:"order_users"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Stats.Orders)
	assert.Equal(t, 1, resp.Stats.OrderUsers)
}
