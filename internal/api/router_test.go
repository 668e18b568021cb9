package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilstar/brawl-backend/internal/ai"
	"github.com/veilstar/brawl-backend/internal/config"
	"github.com/veilstar/brawl-backend/internal/match"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/internal/service"
	"github.com/veilstar/brawl-backend/internal/websocket"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
	jwtutil "github.com/veilstar/brawl-backend/pkg/jwt"
	"github.com/veilstar/brawl-backend/pkg/ratelimit"
)

type fakeQueue struct {
	mu     sync.Mutex
	queued map[string]bool
	acked  []string
}

func (q *fakeQueue) Join(_ context.Context, address string) (*models.QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if address == "" {
		return nil, service.ErrWalletNotConnected
	}
	if q.queued[address] {
		return nil, service.ErrAlreadyQueued
	}
	q.queued[address] = true
	return &models.QueueStatus{InQueue: true, QueueSize: len(q.queued)}, nil
}

func (q *fakeQueue) Leave(_ context.Context, address string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if address == "" {
		return service.ErrWalletNotConnected
	}
	delete(q.queued, address)
	return nil
}

func (q *fakeQueue) Status(_ context.Context, address string) (*models.QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &models.QueueStatus{InQueue: q.queued[address], QueueSize: len(q.queued)}, nil
}

func (q *fakeQueue) Acknowledge(_ context.Context, address, matchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, address+"@"+matchID)
	return nil
}

type fakeMatches struct {
	tickets   *jwtutil.JWTManager
	submitted []models.MoveSubmission
	surges    []models.PowerSurge
	submitErr error
	forfeits  []string
}

var session = models.MatchSession{
	ID:             "m1",
	Player1Address: "GA",
	Player2Address: "GB",
	Status:         models.MatchStatusPendingVerification,
}

func (m *fakeMatches) Verify(_ context.Context, matchID, address string) (*service.VerifyResult, error) {
	if matchID != session.ID {
		return nil, service.ErrMatchNotFound
	}
	role, ok := session.RoleOf(address)
	if !ok {
		return nil, service.ErrNotParticipant
	}
	ticket, err := m.tickets.Generate(matchID, address, string(role))
	if err != nil {
		return nil, err
	}
	return &service.VerifyResult{Ticket: ticket, Role: role, Session: session}, nil
}

func (m *fakeMatches) SubmitMove(_ context.Context, matchID string, role models.Role, round, turn int, move models.Move) error {
	m.submitted = append(m.submitted, models.MoveSubmission{MatchID: matchID, Role: role, RoundNumber: round, TurnNumber: turn, Move: move})
	return m.submitErr
}

func (m *fakeMatches) SubmitSurge(_ context.Context, matchID string, role models.Role, round int, cardCode uint32) error {
	m.surges = append(m.surges, models.PowerSurge{MatchID: matchID, Role: role, RoundNumber: round, CardCode: cardCode})
	return m.submitErr
}

func (m *fakeMatches) ActiveCount() int {
	return 1
}

func (m *fakeMatches) Forfeit(_ context.Context, matchID, address string) error {
	m.forfeits = append(m.forfeits, address)
	return nil
}

func (m *fakeMatches) Get(_ context.Context, matchID string) (*match.Snapshot, error) {
	if matchID != session.ID {
		return nil, service.ErrMatchNotFound
	}
	return &match.Snapshot{Session: session, Phase: match.PhaseVerifying}, nil
}

func (m *fakeMatches) Rounds(_ context.Context, matchID string) ([]models.RoundRecord, error) {
	if matchID != session.ID {
		return nil, service.ErrMatchNotFound
	}
	return nil, nil
}

func (m *fakeMatches) CreatePractice(_ context.Context, address string, d ai.Difficulty, seed int64) (*models.MatchSession, error) {
	if address == "" {
		return nil, service.ErrWalletNotConnected
	}
	return &models.MatchSession{ID: "p1", Player1Address: address, Player2Address: "ai:" + string(d), Practice: true}, nil
}

func (m *fakeMatches) Leaderboard(context.Context, int, int) ([]*models.Player, error) {
	return []*models.Player{{Address: "GA", Rating: 1220}}, nil
}

func (m *fakeMatches) Player(_ context.Context, address string) (*models.Player, error) {
	if address != "GA" {
		return nil, service.ErrNotFound
	}
	return &models.Player{Address: "GA", Rating: 1220}, nil
}

func (m *fakeMatches) History(context.Context, string, int, int) ([]*models.MatchSession, error) {
	return nil, nil
}

type routerFixture struct {
	router  *gin.Engine
	queue   *fakeQueue
	matches *fakeMatches
	tickets *jwtutil.JWTManager
}

func newRouterFixture(t *testing.T, limiter ratelimit.Limiter) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tickets := jwtutil.NewJWTManager("test-secret", time.Hour)
	f := &routerFixture{
		queue:   &fakeQueue{queued: make(map[string]bool)},
		matches: &fakeMatches{tickets: tickets},
		tickets: tickets,
	}
	f.router = SetupRouter(&config.Config{Env: "test", StoragePath: t.TempDir()}, Services{
		Queue:   f.queue,
		Matches: f.matches,
		Hub:     websocket.NewHub(broadcast.NewMemoryBus(nil), nil, nil),
		Tickets: tickets,
		Limiter: limiter,
	})
	return f
}

func (f *routerFixture) do(method, path string, body any, header ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRouter_Health(t *testing.T) {
	f := newRouterFixture(t, nil)

	w := f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "veilstar-brawl-backend", body["service"])
	assert.Equal(t, float64(1), body["activeMatches"])
}

func TestRouter_Queue(t *testing.T) {
	f := newRouterFixture(t, nil)

	w := f.do(http.MethodPost, "/api/v1/queue", gin.H{"address": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, service.ErrWalletNotConnected.Error(), decode(t, w)["error"])

	w = f.do(http.MethodPost, "/api/v1/queue", gin.H{"address": "GA"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["inQueue"])

	w = f.do(http.MethodPost, "/api/v1/queue", gin.H{"address": "GA"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodGet, "/api/v1/queue?address=GA", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["queueSize"])

	w = f.do(http.MethodDelete, "/api/v1/queue", gin.H{"address": "GA"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(http.MethodDelete, "/api/v1/queue?address=GA", nil)
	assert.Equal(t, http.StatusOK, w.Code, "leave is idempotent")
	assert.Empty(t, f.queue.queued)
}

func TestRouter_VerifyMatch(t *testing.T) {
	f := newRouterFixture(t, nil)

	w := f.do(http.MethodGet, "/api/v1/matches/m1/verify?address=GB", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "player2", body["role"])
	assert.NotEmpty(t, body["ticket"])
	assert.Equal(t, []string{"GB@m1"}, f.queue.acked)

	claims, err := f.tickets.VerifyFor(body["ticket"].(string), "m1")
	require.NoError(t, err)
	assert.Equal(t, "GB", claims.Address)

	w = f.do(http.MethodGet, "/api/v1/matches/m1/verify?address=GX", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodGet, "/api/v1/matches/nope/verify?address=GA", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_SubmitMove(t *testing.T) {
	f := newRouterFixture(t, nil)
	move := gin.H{"roundNumber": 1, "turnNumber": 2, "move": "kick"}

	w := f.do(http.MethodPost, "/api/v1/matches/m1/moves", move)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other, err := f.tickets.Generate("m2", "GA", "player1")
	require.NoError(t, err)
	w = f.do(http.MethodPost, "/api/v1/matches/m1/moves", move, "Authorization", "Bearer "+other)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "a ticket for another match is rejected")

	ticket, err := f.tickets.Generate("m1", "GA", "player1")
	require.NoError(t, err)
	auth := []string{"Authorization", "Bearer " + ticket}

	w = f.do(http.MethodPost, "/api/v1/matches/m1/moves", move, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.matches.submitted, 1)
	assert.Equal(t, models.MoveSubmission{MatchID: "m1", Role: models.RolePlayer1, RoundNumber: 1, TurnNumber: 2, Move: models.MoveKick}, f.matches.submitted[0])

	f.matches.submitErr = match.ErrDuplicateSubmission
	w = f.do(http.MethodPost, "/api/v1/matches/m1/moves", move, auth...)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["duplicate"])

	f.matches.submitErr = match.ErrConflictingSubmission
	w = f.do(http.MethodPost, "/api/v1/matches/m1/moves", move, auth...)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/v1/matches/m1/moves", gin.H{"roundNumber": 1, "turnNumber": 2, "move": "dance"}, auth...)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/matches/m1/forfeit", nil, auth...)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"GA"}, f.matches.forfeits)
}

func TestRouter_SubmitSurge(t *testing.T) {
	f := newRouterFixture(t, nil)
	surge := gin.H{"roundNumber": 2, "cardCode": 0}

	w := f.do(http.MethodPost, "/api/v1/matches/m1/surges", surge)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	ticket, err := f.tickets.Generate("m1", "GB", "player2")
	require.NoError(t, err)
	auth := []string{"Authorization", "Bearer " + ticket}

	w = f.do(http.MethodPost, "/api/v1/matches/m1/surges", surge, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.matches.surges, 1)
	assert.Equal(t, models.PowerSurge{MatchID: "m1", Role: models.RolePlayer2, RoundNumber: 2, CardCode: 0}, f.matches.surges[0])

	w = f.do(http.MethodPost, "/api/v1/matches/m1/surges", gin.H{"roundNumber": 2}, auth...)
	assert.Equal(t, http.StatusBadRequest, w.Code, "card code is required")

	f.matches.submitErr = match.ErrLateSubmission
	w = f.do(http.MethodPost, "/api/v1/matches/m1/surges", surge, auth...)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRouter_GetMatchAndRounds(t *testing.T) {
	f := newRouterFixture(t, nil)

	w := f.do(http.MethodGet, "/api/v1/matches/m1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(match.PhaseVerifying), decode(t, w)["phase"])

	w = f.do(http.MethodGet, "/api/v1/matches/m1/rounds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, decode(t, w)["rounds"])

	w = f.do(http.MethodGet, "/api/v1/matches/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_Practice(t *testing.T) {
	f := newRouterFixture(t, nil)

	w := f.do(http.MethodPost, "/api/v1/practice", gin.H{"address": "GA"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "ai:medium", decode(t, w)["player2Address"])

	w = f.do(http.MethodPost, "/api/v1/practice", gin.H{"address": "GA", "difficulty": "impossible"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_Players(t *testing.T) {
	f := newRouterFixture(t, nil)

	w := f.do(http.MethodGet, "/api/v1/leaderboard", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total"])

	w = f.do(http.MethodGet, "/api/v1/players/GA", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(http.MethodGet, "/api/v1/players/GZ", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/v1/players/GA/matches", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, decode(t, w)["matches"])
}

func TestRouter_RateLimitPerAddress(t *testing.T) {
	f := newRouterFixture(t, ratelimit.NewLocalLimiter(2, time.Minute, clockwork.NewFakeClock()))

	for i := 0; i < 2; i++ {
		w := f.do(http.MethodGet, "/api/v1/queue?address=GA", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := f.do(http.MethodGet, "/api/v1/queue?address=GA", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = f.do(http.MethodPost, "/api/v1/queue", gin.H{"address": "GB"})
	assert.Equal(t, http.StatusOK, w.Code, "other addresses keep their own budget")
	assert.True(t, f.queue.queued["GB"], "the body is still readable after keying")
}

func TestRouter_WebSocketAuth(t *testing.T) {
	f := newRouterFixture(t, nil)

	w := f.do(http.MethodGet, "/api/v1/ws?topic=lobby", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/api/v1/ws?topic="+broadcast.GameTopic("m1"), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other, err := f.tickets.Generate("m2", "GA", "player1")
	require.NoError(t, err)
	w = f.do(http.MethodGet, "/api/v1/ws?topic="+broadcast.GameTopic("m1")+"&ticket="+other, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_CORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tickets := jwtutil.NewJWTManager("s", time.Hour)
	router := SetupRouter(&config.Config{Env: "test", StoragePath: t.TempDir(), CORSAllowedOrigins: []string{"https://veilstar.gg"}}, Services{
		Queue:   &fakeQueue{queued: map[string]bool{}},
		Matches: &fakeMatches{tickets: tickets},
		Hub:     websocket.NewHub(broadcast.NewMemoryBus(nil), nil, nil),
		Tickets: tickets,
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/queue", nil)
	req.Header.Set("Origin", "https://veilstar.gg")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://veilstar.gg", w.Header().Get("Access-Control-Allow-Origin"))
}
