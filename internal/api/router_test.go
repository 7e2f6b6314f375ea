package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/IamMattHenry/salemate-notify/internal/app"
	iauth "github.com/IamMattHenry/salemate-notify/internal/auth"
	"github.com/IamMattHenry/salemate-notify/internal/authz"
	"github.com/IamMattHenry/salemate-notify/internal/database/testutil"
	"github.com/IamMattHenry/salemate-notify/internal/delivery"
	"github.com/IamMattHenry/salemate-notify/internal/fanout"
	"github.com/IamMattHenry/salemate-notify/internal/realtime"
	"github.com/IamMattHenry/salemate-notify/internal/store"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

type apiHarness struct {
	router *gin.Engine
	jwt    *iauth.JWTService
	engine *fanout.Engine
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())

	feed := store.NewFeed()
	st, err := store.New(db, feed)
	require.NoError(t, err)

	filter, err := authz.NewRoleFilter(db)
	require.NoError(t, err)

	engine, err := fanout.New(st, filter)
	require.NoError(t, err)

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "test-secret", Issuer: "salemate"})
	require.NoError(t, err)

	streamer := realtime.NewStreamer(engine, feed, &delivery.Options{
		PollInterval:   time.Second,
		StartupTimeout: time.Second,
	})

	cfg := &app.Config{}
	cfg.Monitoring.Prometheus.Enabled = true
	cfg.Monitoring.Prometheus.Endpoint = "/metrics"

	router, err := NewRouter(engine, streamer, jwtService, cfg)
	require.NoError(t, err)

	return &apiHarness{router: router, jwt: jwtService, engine: engine}
}

func (h *apiHarness) token(t *testing.T, recipientID, role string) string {
	t.Helper()
	token, err := h.jwt.GenerateAccessToken(recipientID, role)
	require.NoError(t, err)
	return token
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	var env envelope
	if strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestHealthEndpointIsPublic(t *testing.T) {
	h := newAPIHarness(t)

	rec, env := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNotificationsRequireToken(t *testing.T) {
	h := newAPIHarness(t)

	rec, env := h.do(t, http.MethodGet, "/api/notifications", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.False(t, env.Success)
	require.Equal(t, "INVALID_TOKEN", env.Error.Code)
}

func TestNotificationsRejectGarbageToken(t *testing.T) {
	h := newAPIHarness(t)

	rec, _ := h.do(t, http.MethodGet, "/api/notifications", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}

func TestSubmitAndListFlow(t *testing.T) {
	h := newAPIHarness(t)
	adminToken := h.token(t, "admin", "admin")
	salesToken := h.token(t, "sales-lead", "sales")
	clerkToken := h.token(t, "stock-clerk", "inventory")

	rec, env := h.do(t, http.MethodPost, "/api/notifications", adminToken, map[string]any{
		"kind":    "order",
		"message": "Order #77 placed",
		"module":  "orders",
		"route":   "/orders/77",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, env.Success)

	var created fanout.View
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.ID)

	// The sales role holds the orders grant.
	rec, env = h.do(t, http.MethodGet, "/api/notifications/unread", salesToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var unread struct {
		UnreadCount int           `json:"unread_count"`
		Unread      []fanout.View `json:"unread"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &unread))
	require.Equal(t, 1, unread.UnreadCount)
	require.Equal(t, created.ID, unread.Unread[0].ID)

	// The inventory role does not.
	rec, env = h.do(t, http.MethodGet, "/api/notifications/unread", clerkToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &unread))
	require.Zero(t, unread.UnreadCount)
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	h := newAPIHarness(t)
	adminToken := h.token(t, "admin", "admin")

	rec, env := h.do(t, http.MethodPost, "/api/notifications", adminToken, map[string]any{
		"kind":   "order",
		"module": "orders",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.False(t, env.Success)
}

func TestMarkReadFlow(t *testing.T) {
	h := newAPIHarness(t)
	adminToken := h.token(t, "admin", "admin")
	salesToken := h.token(t, "sales-lead", "sales")

	_, env := h.do(t, http.MethodPost, "/api/notifications", adminToken, map[string]any{
		"kind":    "order",
		"message": "Order #78 placed",
		"module":  "orders",
	})
	var created fanout.View
	require.NoError(t, json.Unmarshal(env.Data, &created))

	rec, env := h.do(t, http.MethodPost, "/api/notifications/"+created.ID+"/read", salesToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)

	// Repeating the acknowledgement is still a success.
	rec, _ = h.do(t, http.MethodPost, "/api/notifications/"+created.ID+"/read", salesToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = h.do(t, http.MethodGet, "/api/notifications/unread", salesToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var unread struct {
		UnreadCount int `json:"unread_count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &unread))
	require.Zero(t, unread.UnreadCount)
}

func TestMarkReadUnknownNotification(t *testing.T) {
	h := newAPIHarness(t)
	salesToken := h.token(t, "sales-lead", "sales")

	rec, env := h.do(t, http.MethodPost, "/api/notifications/missing/read", salesToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestMarkReadTargetedForbidden(t *testing.T) {
	h := newAPIHarness(t)
	adminToken := h.token(t, "admin", "admin")
	salesToken := h.token(t, "sales-lead", "sales")

	_, env := h.do(t, http.MethodPost, "/api/notifications", adminToken, map[string]any{
		"kind":      "order",
		"message":   "For the admin only",
		"module":    "orders",
		"audience":  "targeted",
		"target_id": "admin",
	})
	var created fanout.View
	require.NoError(t, json.Unmarshal(env.Data, &created))

	rec, env := h.do(t, http.MethodPost, "/api/notifications/"+created.ID+"/read", salesToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "UNAUTHORIZED", env.Error.Code)
}

func TestMarkAllReadFlow(t *testing.T) {
	h := newAPIHarness(t)
	adminToken := h.token(t, "admin", "admin")
	salesToken := h.token(t, "sales-lead", "sales")

	for _, message := range []string{"one", "two", "three"} {
		_, env := h.do(t, http.MethodPost, "/api/notifications", adminToken, map[string]any{
			"kind":    "order",
			"message": message,
			"module":  "orders",
		})
		require.True(t, env.Success)
	}

	rec, env := h.do(t, http.MethodPost, "/api/notifications/read-all", salesToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Updated int `json:"updated"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Equal(t, 3, result.Updated)

	rec, env = h.do(t, http.MethodGet, "/api/notifications/unread", salesToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var unread struct {
		UnreadCount int `json:"unread_count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &unread))
	require.Zero(t, unread.UnreadCount)
}

func TestGenerateTestEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	adminToken := h.token(t, "admin", "admin")

	rec, env := h.do(t, http.MethodPost, "/api/notifications/test", adminToken, map[string]any{
		"kind": "inventory",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created fanout.View
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.Equal(t, "inventory", created.Kind)
	require.Equal(t, "broadcast", created.Audience)
}

func TestStreamDeliversSnapshotsOverWebSocket(t *testing.T) {
	h := newAPIHarness(t)
	adminToken := h.token(t, "admin", "admin")

	server := httptest.NewServer(h.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/notifications/stream?token=" + adminToken
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	readSnapshot := func() delivery.Snapshot {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var msg struct {
			Event string            `json:"event"`
			Data  delivery.Snapshot `json:"data"`
		}
		for {
			require.NoError(t, conn.ReadJSON(&msg))
			if msg.Event == "snapshot" {
				return msg.Data
			}
		}
	}

	initial := readSnapshot()
	require.Equal(t, delivery.StateLive, initial.State)
	require.Zero(t, initial.UnreadCount)

	// A submission is pushed without polling.
	_, env := h.do(t, http.MethodPost, "/api/notifications", adminToken, map[string]any{
		"kind":    "order",
		"message": "Order #79 placed",
		"module":  "orders",
	})
	var created fanout.View
	require.NoError(t, json.Unmarshal(env.Data, &created))

	var updated delivery.Snapshot
	for {
		updated = readSnapshot()
		if updated.UnreadCount == 1 {
			break
		}
	}
	require.Equal(t, created.ID, updated.Unread[0].ID)

	// Acknowledge over the socket.
	require.NoError(t, conn.WriteJSON(map[string]string{
		"action":          "mark_read",
		"notification_id": created.ID,
	}))

	for {
		updated = readSnapshot()
		if updated.UnreadCount == 0 {
			break
		}
	}
	require.Len(t, updated.Recent, 1)
	require.True(t, updated.Recent[0].Read)
}
