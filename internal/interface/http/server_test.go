package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/alem-hub/gamification-engine/internal/application/command"
	"github.com/alem-hub/gamification-engine/internal/application/eventhandler"
	"github.com/alem-hub/gamification-engine/internal/application/query"
	"github.com/alem-hub/gamification-engine/internal/domain/badge"
	"github.com/alem-hub/gamification-engine/internal/domain/progression"
	"github.com/alem-hub/gamification-engine/internal/domain/shared"
	"github.com/alem-hub/gamification-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/gamification-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/gamification-engine/internal/interface/http/handlers"
	"github.com/alem-hub/gamification-engine/pkg/logger"
	"github.com/alem-hub/gamification-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// FIXTURES
// ══════════════════════════════════════════════════════════════════════════════

type testEnv struct {
	server *Server
	store  *memory.Store
	hub    *StreamHub
	cal    timeutil.Calendar
	health *handlers.CompositeHealthChecker
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cal, err := timeutil.NewCalendar(timeutil.DefaultZone)
	require.NoError(t, err)
	clock := timeutil.FixedClock{At: cal.Date(2024, time.June, 10).Add(20 * time.Hour)}
	rules, err := progression.NewRules([]int64{0, 100, 300, 600})
	require.NoError(t, err)

	store := memory.NewStore(rules, clock)
	require.NoError(t, store.SetCatalog([]badge.Badge{{
		ID:          "streak-3",
		Nome:        "Três dias seguidos",
		Requisito:   badge.Requirement{Metric: badge.MetricCurrentStreak, Min: 3},
		PontosBonus: 50,
	}}))
	store.SetCohort("turma-a", []string{"ana"})

	log := logger.Discard()
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{Logger: log, EnableMetrics: true})
	t.Cleanup(func() { _ = bus.Close() })

	hub := NewStreamHub(log)
	require.NoError(t, eventhandler.NewStreamForwarder(hub, log).Register(bus))

	health := handlers.NewCompositeHealthChecker("test")
	health.AddCheck("store", handlers.NewPingCheck(store))
	health.AddDetails("eventbus", func() interface{} { return bus.Metrics().Snapshot() })

	record := command.NewRecordEventHandler(store, rules, cal, clock, bus, log, command.DefaultRecordEventHandlerConfig())
	cfg.Debug = false
	srv := NewServer(cfg, Dependencies{
		RecordEventHandler:    record,
		GetProfileHandler:     query.NewGetProfileHandler(store, store, cal),
		ListGrantsHandler:     query.NewListGrantsHandler(store),
		GetLeaderboardHandler: query.NewGetLeaderboardHandler(store, store, store, cal, clock, log, 50),
		ListBadgesHandler:     query.NewListBadgesHandler(store),
		Calendar:              cal,
		Hub:                   hub,
		HealthChecker:         health,
		Logger:                log,
	})
	gin.SetMode(gin.TestMode)

	return &testEnv{server: srv, store: store, hub: hub, cal: cal, health: health}
}

type envelope struct {
	Success   bool               `json:"success"`
	Data      json.RawMessage    `json:"data"`
	Error     *handlers.APIError `json:"error"`
	RequestID string             `json:"request_id"`
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func (e *testEnv) event(user string, points int64, day int, eventID string) map[string]interface{} {
	return map[string]interface{}{
		"user_id":     user,
		"category":    "attendance",
		"points":      points,
		"occurred_at": e.cal.Date(2024, time.June, day).Add(9 * time.Hour).Format(time.RFC3339),
		"event_id":    eventID,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT INTAKE
// ══════════════════════════════════════════════════════════════════════════════

func TestRecordEvent_AppliesAndUnlocks(t *testing.T) {
	e := newTestEnv(t, DefaultConfig())

	for day := 1; day <= 2; day++ {
		rec, _ := e.do(t, http.MethodPost, "/api/v1/events", e.event("ana", 40, day, ""), nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, env := e.do(t, http.MethodPost, "/api/v1/events", e.event("ana", 40, 3, "evt-3"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, env.Success)
	assert.NotEmpty(t, rec.Header().Get(handlers.RequestIDHeader))

	var resp recordEventResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, int64(170), resp.Profile.PontosTotais)
	assert.Equal(t, 2, resp.Profile.Nivel)
	assert.Equal(t, 3, resp.Profile.StreakAtual)
	assert.Equal(t, "2024-06-03", resp.Profile.UltimaAtividade)
	assert.Equal(t, "continued", resp.StreakOutcome)
	assert.True(t, resp.LeveledUp)
	require.Len(t, resp.Unlocked, 1)
	assert.Equal(t, "streak-3", resp.Unlocked[0].Badge.ID)
	require.Len(t, resp.Grants, 2)
	assert.Equal(t, "bonus", resp.Grants[1].Category)
}

func TestRecordEvent_DuplicateEventID(t *testing.T) {
	e := newTestEnv(t, DefaultConfig())

	rec, _ := e.do(t, http.MethodPost, "/api/v1/events", e.event("ana", 40, 1, "evt-1"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env := e.do(t, http.MethodPost, "/api/v1/events", e.event("ana", 40, 2, "evt-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp recordEventResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.True(t, resp.Duplicate)
	assert.Equal(t, int64(40), resp.Profile.PontosTotais)
	assert.Equal(t, int64(40), e.store.LedgerTotal("ana"))
}

func TestRecordEvent_Rejects(t *testing.T) {
	e := newTestEnv(t, DefaultConfig())

	tests := []struct {
		name string
		body interface{}
		code string
	}{
		{"malformed body", `{"user_id":`, "invalid_body"},
		{"negative points", map[string]interface{}{"user_id": "ana", "category": "attendance", "points": -5}, "validation_error"},
		{"unknown category", map[string]interface{}{"user_id": "ana", "category": "karaoke", "points": 5}, "validation_error"},
		{"missing user", map[string]interface{}{"category": "attendance", "points": 5}, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := e.do(t, http.MethodPost, "/api/v1/events", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}

	_, err := e.store.GetProfile(context.Background(), "ana")
	assert.True(t, shared.IsNotFound(err), "rejected events write nothing")
}

func TestIngestGuard(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.IngestKeyHash = string(hash)
	e := newTestEnv(t, cfg)

	rec, env := e.do(t, http.MethodPost, "/api/v1/events", e.event("ana", 10, 1, ""), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing_ingest_key", env.Error.Code)

	rec, env = e.do(t, http.MethodPost, "/api/v1/events", e.event("ana", 10, 1, ""), map[string]string{handlers.IngestKeyHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_ingest_key", env.Error.Code)

	for i := 0; i < 2; i++ {
		rec, _ = e.do(t, http.MethodPost, "/api/v1/events", e.event("ana", 10, 1+i, ""), map[string]string{handlers.IngestKeyHeader: "s3cret"})
		assert.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, _ = e.do(t, http.MethodGet, "/api/v1/users/ana/profile", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not guarded")
}

func TestIngestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IngestRate = handlers.RateLimitConfig{RequestsPerMinute: 1, BurstSize: 2}
	e := newTestEnv(t, cfg)

	for i := 0; i < 2; i++ {
		rec, _ := e.do(t, http.MethodPost, "/api/v1/events", e.event("ana", 10, 1+i, ""), nil)
		assert.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, env := e.do(t, http.MethodPost, "/api/v1/events", e.event("ana", 10, 3, ""), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", env.Error.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec, _ = e.do(t, http.MethodGet, "/api/v1/leaderboard", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

func TestProfileBadgesAndGrants(t *testing.T) {
	e := newTestEnv(t, DefaultConfig())

	rec, env := e.do(t, http.MethodGet, "/api/v1/users/ghost/profile", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.Error.Code)

	for day := 1; day <= 3; day++ {
		e.do(t, http.MethodPost, "/api/v1/events", e.event("ana", 40, day, ""), nil)
	}

	rec, env = e.do(t, http.MethodGet, "/api/v1/users/ana/profile", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var prof query.GetProfileResult
	require.NoError(t, json.Unmarshal(env.Data, &prof))
	assert.Equal(t, int64(170), prof.Profile.PontosTotais)
	require.Len(t, prof.Badges, 1)
	assert.Equal(t, "streak-3", prof.Badges[0].BadgeID)

	rec, env = e.do(t, http.MethodGet, "/api/v1/users/ana/badges", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"streak-3"`)

	rec, env = e.do(t, http.MethodGet, "/api/v1/users/ana/grants?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var grants query.ListGrantsResult
	require.NoError(t, json.Unmarshal(env.Data, &grants))
	assert.Len(t, grants.Grants, 2)
	assert.Equal(t, 2, grants.Limit)

	rec, env = e.do(t, http.MethodGet, "/api/v1/users/ana/grants?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Code)
}

func TestLeaderboard(t *testing.T) {
	e := newTestEnv(t, DefaultConfig())
	e.do(t, http.MethodPost, "/api/v1/events", e.event("ana", 90, 1, ""), nil)
	e.do(t, http.MethodPost, "/api/v1/events", e.event("bia", 120, 9, ""), nil)

	rec, env := e.do(t, http.MethodGet, "/api/v1/leaderboard", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var board query.GetLeaderboardResult
	require.NoError(t, json.Unmarshal(env.Data, &board))
	require.Len(t, board.Entries, 2)
	assert.Equal(t, "bia", board.Entries[0].UserID)
	assert.Equal(t, 50, board.Limit)

	rec, env = e.do(t, http.MethodGet, "/api/v1/leaderboard?window=weekly", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &board))
	require.Len(t, board.Entries, 1)
	assert.Equal(t, "bia", board.Entries[0].UserID)

	rec, env = e.do(t, http.MethodGet, "/api/v1/leaderboard?cohort_id=turma-a", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &board))
	require.Len(t, board.Entries, 1)
	assert.Equal(t, "ana", board.Entries[0].UserID)

	rec, _ = e.do(t, http.MethodGet, "/api/v1/leaderboard?window=yearly", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/api/v1/leaderboard?limit=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/api/v1/leaderboard?cohort_id=nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBadges(t *testing.T) {
	e := newTestEnv(t, DefaultConfig())

	rec, env := e.do(t, http.MethodGet, "/api/v1/badges", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Badges []query.BadgeDTO `json:"badges"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	require.Len(t, body.Badges, 1)
	assert.Equal(t, int64(50), body.Badges[0].PontosBonus)
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH, ERRORS, ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func TestHealth(t *testing.T) {
	e := newTestEnv(t, DefaultConfig())

	rec, env := e.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status handlers.HealthStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.True(t, status.Healthy)
	assert.Contains(t, status.Checks, "store")
	assert.Contains(t, status.Details, "eventbus")

	e.store.Close()
	rec, env = e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.False(t, status.Healthy)
}

func TestStoreUnavailableMapsTo503(t *testing.T) {
	e := newTestEnv(t, DefaultConfig())
	e.store.Close()

	rec, env := e.do(t, http.MethodPost, "/api/v1/events", e.event("ana", 10, 1, ""), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store_unavailable", env.Error.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{shared.NewDomainError("t", "op", shared.ErrNegativeValue, "x"), http.StatusBadRequest},
		{shared.NewDomainError("t", "op", shared.ErrNotFound, "x"), http.StatusNotFound},
		{shared.NewDomainError("t", "op", shared.ErrConcurrencyConflict, "x"), http.StatusConflict},
		{shared.NewDomainError("t", "op", shared.ErrStoreUnavailable, "x"), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	e := newTestEnv(t, DefaultConfig())

	rec, env := e.do(t, http.MethodGet, "/live", nil, map[string]string{handlers.RequestIDHeader: "req-7"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-7", rec.Header().Get(handlers.RequestIDHeader))
	assert.Equal(t, "req-7", env.RequestID)

	rec, env = e.do(t, http.MethodGet, "/api/v1/nowhere", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.Error.Code)
}

// ══════════════════════════════════════════════════════════════════════════════
// STREAM
// ══════════════════════════════════════════════════════════════════════════════

func TestStream_PushesUserNotifications(t *testing.T) {
	e := newTestEnv(t, DefaultConfig())
	ts := httptest.NewServer(e.server.Handler())
	defer ts.Close()
	defer e.hub.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream?user_id=ana"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return e.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// Another user's activity is filtered out; ana's arrives.
	e.do(t, http.MethodPost, "/api/v1/events", e.event("bia", 10, 1, ""), nil)
	e.do(t, http.MethodPost, "/api/v1/events", e.event("ana", 10, 1, ""), nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var n eventhandler.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, shared.EventProfileChanged, n.Type)
	assert.Equal(t, "ana", n.UserID)
	assert.EqualValues(t, 10, n.Payload["pontos_totais"])
}

func TestStreamHub_DropsSlowClients(t *testing.T) {
	hub := NewStreamHub(logger.Discard())
	slow := &streamClient{userID: "ana", send: make(chan eventhandler.Notification, 1)}
	other := &streamClient{userID: "bia", send: make(chan eventhandler.Notification, 1)}
	require.True(t, hub.register(slow))
	require.True(t, hub.register(other))

	n := eventhandler.Notification{Type: shared.EventProfileChanged, UserID: "ana"}
	hub.Broadcast("ana", n)
	assert.Equal(t, 2, hub.ClientCount())
	assert.Len(t, other.send, 0, "filtered by user")

	hub.Broadcast("ana", n)
	assert.Equal(t, 1, hub.ClientCount(), "full buffer disconnects the client")

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())
	assert.False(t, hub.register(&streamClient{send: make(chan eventhandler.Notification, 1)}))
}
