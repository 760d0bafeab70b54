package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"catwalk/internal/auth"
	"catwalk/internal/bus"
	"catwalk/internal/config"
	"catwalk/internal/db"
	"catwalk/internal/logger"
	"catwalk/internal/store"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type testEnv struct {
	srv    *Server
	router *gin.Engine
	tokens *auth.Tokens
	cfg    config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Skipf("skipping test; sqlite unavailable: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	cfg.MediaDir = t.TempDir()
	gameStore := store.New(conn)
	tokens := auth.NewTokens("test-secret", time.Hour)
	hub := bus.NewHub(tokens, gameStore, logger.Nop())
	media, err := NewMediaStore(cfg.MediaDir, cfg.MediaBaseURL)
	if err != nil {
		t.Fatalf("media store: %v", err)
	}
	srv := New(gameStore, media, hub, tokens, cfg, logger.Nop())
	return &testEnv{srv: srv, router: srv.Router(), tokens: tokens, cfg: cfg}
}

func (env *testEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, reader)
	r.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, err := env.tokens.Issue(auth.Identity{UserID: userID, Email: userID + "@example.com"})
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %s: %v", w.Body.String(), err)
	}
}

func (env *testEnv) createGame(t *testing.T, hostID string) store.Game {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/games", hostID, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create game: %d %s", w.Code, w.Body.String())
	}
	var game store.Game
	decodeInto(t, w, &game)
	return game
}

func (env *testEnv) joinGame(t *testing.T, gameID, userID string) store.Player {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/games/"+gameID+"/players", userID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("join game: %d %s", w.Code, w.Body.String())
	}
	var player store.Player
	decodeInto(t, w, &player)
	return player
}

func TestCreateGameRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/games", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestCreateGameSeedsHostPlayer(t *testing.T) {
	env := newTestEnv(t)
	game := env.createGame(t, "host-1")
	if game.HostID != "host-1" || game.Phase != db.PhaseLobby || len(game.Code) != 6 {
		t.Fatalf("unexpected game: %+v", game)
	}
	players, err := env.srv.store.PlayersByGame(game.ID)
	if err != nil {
		t.Fatalf("list players: %v", err)
	}
	if len(players) != 1 || players[0].UserID != "host-1" {
		t.Fatalf("expected host auto-joined, got %+v", players)
	}
}

func TestGameLookupByCode(t *testing.T) {
	env := newTestEnv(t)
	game := env.createGame(t, "host-1")

	w := env.do(t, http.MethodGet, "/api/codes/"+strings.ToLower(game.Code), "guest-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lookup: %d %s", w.Code, w.Body.String())
	}
	var found store.Game
	decodeInto(t, w, &found)
	if found.ID != game.ID {
		t.Fatalf("expected game %s, got %s", game.ID, found.ID)
	}

	if w := env.do(t, http.MethodGet, "/api/codes/ZZZZ99", "guest-1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown code, got %d", w.Code)
	}
}

func TestStartGameHostOnly(t *testing.T) {
	env := newTestEnv(t)
	game := env.createGame(t, "host-1")
	env.joinGame(t, game.ID, "guest-1")

	if w := env.do(t, http.MethodPost, "/api/games/"+game.ID+"/start", "guest-1", nil); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for guest, got %d", w.Code)
	}
	w := env.do(t, http.MethodPost, "/api/games/"+game.ID+"/start", "host-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	var started store.Game
	decodeInto(t, w, &started)
	if !started.Started || started.Phase != db.PhaseCustomize || started.Round != 1 {
		t.Fatalf("unexpected started game: %+v", started)
	}
	if w := env.do(t, http.MethodPost, "/api/games/"+game.ID+"/start", "host-1", nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double start, got %d", w.Code)
	}
}

func TestSubmitEntryMarksReady(t *testing.T) {
	env := newTestEnv(t)
	game := env.createGame(t, "host-1")
	player := env.joinGame(t, game.ID, "guest-1")
	env.do(t, http.MethodPost, "/api/games/"+game.ID+"/start", "host-1", nil)

	w := env.do(t, http.MethodPost, "/api/games/"+game.ID+"/entries", "guest-1", map[string]any{
		"round":         1,
		"model_glb_url": "https://cdn.example.com/look.glb",
		"screenshot":    "data:image/png;base64,aGVsbG8gY2F0d2Fsaw==",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("entry: %d %s", w.Code, w.Body.String())
	}
	var entry store.Entry
	decodeInto(t, w, &entry)
	if !strings.HasPrefix(entry.ScreenshotURL, env.cfg.MediaBaseURL+"/") {
		t.Fatalf("expected served screenshot url, got %q", entry.ScreenshotURL)
	}
	name := strings.TrimPrefix(entry.ScreenshotURL, env.cfg.MediaBaseURL+"/")
	if _, err := os.Stat(filepath.Join(env.cfg.MediaDir, name)); err != nil {
		t.Fatalf("screenshot file missing: %v", err)
	}

	refreshed, err := env.srv.store.PlayerByID(player.ID)
	if err != nil {
		t.Fatalf("load player: %v", err)
	}
	if !refreshed.Ready {
		t.Fatalf("expected ready after entry")
	}
}

func TestSubmitEntryRejectsStaleRound(t *testing.T) {
	env := newTestEnv(t)
	game := env.createGame(t, "host-1")
	env.joinGame(t, game.ID, "guest-1")
	env.do(t, http.MethodPost, "/api/games/"+game.ID+"/start", "host-1", nil)

	w := env.do(t, http.MethodPost, "/api/games/"+game.ID+"/entries", "guest-1", map[string]any{
		"round":         2,
		"model_glb_url": "https://cdn.example.com/look.glb",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for stale round, got %d", w.Code)
	}
}

func TestSubmitEntryRejectsNonGLBModel(t *testing.T) {
	env := newTestEnv(t)
	game := env.createGame(t, "host-1")
	env.joinGame(t, game.ID, "guest-1")
	env.do(t, http.MethodPost, "/api/games/"+game.ID+"/start", "host-1", nil)

	w := env.do(t, http.MethodPost, "/api/games/"+game.ID+"/entries", "guest-1", map[string]any{
		"round":         1,
		"model_glb_url": "https://cdn.example.com/look.zip",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-glb model, got %d", w.Code)
	}
}

func TestVoteValidation(t *testing.T) {
	env := newTestEnv(t)
	game := env.createGame(t, "host-1")
	hostPlayer := env.joinGame(t, game.ID, "host-1")
	env.joinGame(t, game.ID, "guest-1")
	env.do(t, http.MethodPost, "/api/games/"+game.ID+"/start", "host-1", nil)
	env.do(t, http.MethodPatch, "/api/games/"+game.ID+"/phase", "host-1", map[string]any{
		"phase":          db.PhaseRating,
		"current_player": hostPlayer.ID,
	})

	if w := env.do(t, http.MethodPost, "/api/games/"+game.ID+"/votes", "guest-1", map[string]any{
		"round": 1, "target_id": hostPlayer.ID, "stars": 7,
	}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for 7 stars, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/games/"+game.ID+"/votes", "host-1", map[string]any{
		"round": 1, "target_id": hostPlayer.ID, "stars": 3,
	}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for self-vote, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/games/"+game.ID+"/votes", "guest-1", map[string]any{
		"round": 1, "target_id": hostPlayer.ID, "stars": 5,
	}); w.Code != http.StatusOK {
		t.Fatalf("vote: %d %s", w.Code, w.Body.String())
	}
	// Resubmission is a no-op, not an error.
	if w := env.do(t, http.MethodPost, "/api/games/"+game.ID+"/votes", "guest-1", map[string]any{
		"round": 1, "target_id": hostPlayer.ID, "stars": 1,
	}); w.Code != http.StatusOK {
		t.Fatalf("revote: %d %s", w.Code, w.Body.String())
	}
	count, err := env.srv.store.CountVotes(game.ID, 1, hostPlayer.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one vote, got %d", count)
	}
}

func TestScoreComputeFlow(t *testing.T) {
	env := newTestEnv(t)
	game := env.createGame(t, "host-1")
	hostPlayer := env.joinGame(t, game.ID, "host-1")
	env.joinGame(t, game.ID, "guest-1")
	env.do(t, http.MethodPost, "/api/games/"+game.ID+"/start", "host-1", nil)
	env.do(t, http.MethodPatch, "/api/games/"+game.ID+"/phase", "host-1", map[string]any{
		"phase":          db.PhaseRating,
		"current_player": hostPlayer.ID,
	})
	env.do(t, http.MethodPost, "/api/games/"+game.ID+"/votes", "guest-1", map[string]any{
		"round": 1, "target_id": hostPlayer.ID, "stars": 4,
	})

	if w := env.do(t, http.MethodPost, "/api/games/"+game.ID+"/score", "guest-1", nil); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for guest scoring, got %d", w.Code)
	}

	w := env.do(t, http.MethodPost, "/api/games/"+game.ID+"/score", "host-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("score: %d %s", w.Code, w.Body.String())
	}
	var result struct {
		Round     int            `json:"round"`
		Standings []bus.Standing `json:"standings"`
	}
	decodeInto(t, w, &result)
	if len(result.Standings) != 2 {
		t.Fatalf("expected standings for both players, got %+v", result.Standings)
	}
	if result.Standings[0].PlayerID != hostPlayer.ID || result.Standings[0].Score != 4 {
		t.Fatalf("expected host on top with 4 stars, got %+v", result.Standings[0])
	}

	scored, err := env.srv.store.GameByID(game.ID)
	if err != nil {
		t.Fatalf("load game: %v", err)
	}
	if scored.Phase != db.PhaseScoreboard || scored.CurrentPlayer != nil {
		t.Fatalf("expected scoreboard with empty stage, got %+v", scored)
	}

	if w := env.do(t, http.MethodPost, "/api/games/"+game.ID+"/score", "host-1", nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on rescore, got %d", w.Code)
	}
}

func TestScoreComputeAppliesDeltasOnce(t *testing.T) {
	env := newTestEnv(t)
	game := env.createGame(t, "host-1")
	hostPlayer := env.joinGame(t, game.ID, "host-1")
	env.joinGame(t, game.ID, "guest-1")
	env.do(t, http.MethodPost, "/api/games/"+game.ID+"/start", "host-1", nil)
	env.do(t, http.MethodPatch, "/api/games/"+game.ID+"/phase", "host-1", map[string]any{
		"phase":          db.PhaseRating,
		"current_player": hostPlayer.ID,
	})
	env.do(t, http.MethodPost, "/api/games/"+game.ID+"/votes", "guest-1", map[string]any{
		"round": 1, "target_id": hostPlayer.ID, "stars": 5,
	})

	// Only the caller whose phase flip lands applies the star deltas.
	if _, err := env.srv.ComputeScores(context.Background(), game.ID, 1); err != nil {
		t.Fatalf("first compute: %v", err)
	}
	if _, err := env.srv.ComputeScores(context.Background(), game.ID, 1); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on second compute, got %v", err)
	}

	players, err := env.srv.store.PlayersByGame(game.ID)
	if err != nil {
		t.Fatalf("load players: %v", err)
	}
	for _, player := range players {
		if player.ID == hostPlayer.ID && player.Score != 5 {
			t.Fatalf("expected stars applied exactly once, got score %d", player.Score)
		}
	}
}

func TestRoundItemsPinnedAcrossPlayers(t *testing.T) {
	env := newTestEnv(t)
	items := make([]store.Item, 0, 8)
	for _, name := range []string{"hat", "boots", "coat", "scarf", "glasses", "gloves", "belt", "crown"} {
		items = append(items, store.Item{Name: name})
	}
	if err := env.srv.store.InsertItems(items); err != nil {
		t.Fatalf("seed items: %v", err)
	}
	env.srv.cfg.RoundItemCount = 5

	game := env.createGame(t, "host-1")
	env.joinGame(t, game.ID, "guest-1")

	if w := env.do(t, http.MethodGet, "/api/games/"+game.ID+"/items", "guest-1", nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 before the host draws, got %d", w.Code)
	}

	var first struct {
		Items []store.Item `json:"items"`
	}
	w := env.do(t, http.MethodGet, "/api/games/"+game.ID+"/items", "host-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("host draw: %d %s", w.Code, w.Body.String())
	}
	decodeInto(t, w, &first)
	if len(first.Items) != 5 {
		t.Fatalf("expected 5 drawn items, got %d", len(first.Items))
	}

	var second struct {
		Items []store.Item `json:"items"`
	}
	w = env.do(t, http.MethodGet, "/api/games/"+game.ID+"/items", "guest-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("guest fetch: %d %s", w.Code, w.Body.String())
	}
	decodeInto(t, w, &second)
	if len(second.Items) != 5 {
		t.Fatalf("expected pinned set, got %d items", len(second.Items))
	}
	drawn := map[string]bool{}
	for _, item := range first.Items {
		drawn[item.ID] = true
	}
	for _, item := range second.Items {
		if !drawn[item.ID] {
			t.Fatalf("guest saw item %s outside the pinned draw", item.ID)
		}
	}
}

func TestAvatarImportAndLookup(t *testing.T) {
	env := newTestEnv(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("glTF-binary-bytes"))
	}))
	t.Cleanup(upstream.Close)

	w := env.do(t, http.MethodPost, "/api/avatars/import", "user-1", map[string]any{"url": upstream.URL})
	if w.Code != http.StatusOK {
		t.Fatalf("import: %d %s", w.Code, w.Body.String())
	}
	var imported struct {
		AvatarGLBURL string `json:"avatar_glb_url"`
	}
	decodeInto(t, w, &imported)
	if !strings.HasPrefix(imported.AvatarGLBURL, env.cfg.MediaBaseURL+"/") {
		t.Fatalf("expected local media url, got %q", imported.AvatarGLBURL)
	}

	w = env.do(t, http.MethodGet, "/api/avatars/me", "user-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lookup: %d %s", w.Code, w.Body.String())
	}
	var record store.UserAvatar
	decodeInto(t, w, &record)
	if record.AvatarGLBURL != imported.AvatarGLBURL {
		t.Fatalf("expected saved avatar url, got %+v", record)
	}

	if w := env.do(t, http.MethodGet, "/api/avatars/me", "user-2", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for user without avatar, got %d", w.Code)
	}
}

func TestCreateGameRateLimited(t *testing.T) {
	env := newTestEnv(t)
	var last int
	for i := 0; i < limitBurst+1; i++ {
		last = env.do(t, http.MethodPost, "/api/games", "host-1", nil).Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d creates, got %d", limitBurst+1, last)
	}
}
