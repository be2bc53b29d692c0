package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"retailforecast/ml"
	"retailforecast/monitoring"
	"retailforecast/service"
)

type counter struct {
	n atomic.Uint64
}

func (c *counter) NextRequest() uint64 { return c.n.Add(1) }

func splitRequestID(t *testing.T, id string) (int64, uint64) {
	t.Helper()
	parts := strings.Split(id, "-")
	require.Len(t, parts, 2, id)
	millis, err := strconv.ParseInt(parts[0], 10, 64)
	require.NoError(t, err)
	n, err := strconv.ParseUint(parts[1], 10, 64)
	require.NoError(t, err)
	return millis, n
}

func TestRequestTrackerIDsIncrease(t *testing.T) {
	h, _ := newFallbackHandler(t)

	var last uint64
	for i := 0; i < 5; i++ {
		before := time.Now().UnixMilli()
		rr := do(h, http.MethodGet, "/health", "")
		millis, n := splitRequestID(t, rr.Header().Get(HeaderRequestID))
		assert.GreaterOrEqual(t, millis, before)
		assert.Greater(t, n, last)
		last = n
	}
	assert.Equal(t, uint64(5), last)
}

func TestRequestTrackerStampsHeadersAndLogs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := &counter{}
	var seen string
	h := RequestTracker(c, zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/brew", nil))

	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, seen, rr.Header().Get(HeaderRequestID))
	assert.True(t, strings.HasSuffix(seen, "-1"))
	_, err := strconv.ParseFloat(rr.Header().Get(HeaderProcessTime), 64)
	assert.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "request", entries[0].Message)
	assert.Equal(t, "/brew", entries[0].ContextMap()["path"])
	assert.Equal(t, "response", entries[1].Message)
	assert.Equal(t, int64(http.StatusTeapot), entries[1].ContextMap()["status"])
}

func TestRequestTrackerHandlerWritesNothing(t *testing.T) {
	h := RequestTracker(&counter{}, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get(HeaderRequestID))
	assert.NotEmpty(t, rr.Header().Get(HeaderProcessTime))
}

func TestPanicStillTracked(t *testing.T) {
	chain := Chain(RequestTracker(&counter{}, zap.NewNop()), RecoveryMiddleware(zap.NewNop()))
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("scaler exploded")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"detail": "internal server error"}`, rr.Body.String())
	assert.Equal(t, "1", strings.Split(rr.Header().Get(HeaderRequestID), "-")[1])
	assert.NotEmpty(t, rr.Header().Get(HeaderProcessTime))
}

func TestPanicAfterWriteKeepsResponse(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	chain := Chain(RequestTracker(&counter{}, zap.NewNop()), RecoveryMiddleware(zap.New(core)))
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"prediction": 1}`))
		panic("late failure")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"prediction": 1}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get(HeaderRequestID))
	entries := logs.FilterMessage("panic recovered").All()
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].ContextMap()["response_started"])
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newFallbackHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://dashboard.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rr.Header().Get(HeaderRequestID))
}

func TestCORSRestrictedOrigins(t *testing.T) {
	h := CORSMiddleware([]string{"https://ops.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebsocketThroughMiddleware(t *testing.T) {
	svc, err := service.New(ml.FallbackModel{}, ml.IdentityPair(), service.Options{})
	require.NoError(t, err)
	hub := monitoring.NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(NewHandler(DefaultServerConfig(), Dependencies{
		Inference: svc,
		Metrics:   monitoring.NewMetrics(),
		Hub:       hub,
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/predictions", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), svc.RequestCount())
}
