package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"catwalk/internal/auth"
	"catwalk/internal/bus"
	"catwalk/internal/db"
	"catwalk/internal/store"

	"github.com/gin-gonic/gin"
)

type phasePatchRequest struct {
	Phase              string  `json:"phase" binding:"omitempty,oneof=lobby customize rating scoreboard"`
	CurrentPlayer      *string `json:"current_player"`
	Round              *int    `json:"round" binding:"omitempty,min=1"`
	CustomizeSeconds   *int    `json:"customize_seconds" binding:"omitempty,min=30,max=3600"`
	ClearCurrentPlayer bool    `json:"clear_current_player"`
}

func (s *Server) handleCreateGame(c *gin.Context) {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "authentication required")
		return
	}
	if !s.limiter.allow(c.ClientIP(), "create") {
		writeError(c, http.StatusTooManyRequests, "too many games created")
		return
	}
	game, err := s.store.CreateGame(identity.UserID)
	if err != nil {
		s.log.Errorw("game create failed", "user_id", identity.UserID, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to create game")
		return
	}
	if _, _, err := s.store.EnsurePlayer(game.ID, identity.UserID, identity.Email); err != nil {
		s.log.Warnw("host join failed", "game_id", game.ID, "error", err)
	}
	s.log.Infow("game created", "game_id", game.ID, "code", game.Code, "host_id", identity.UserID)
	c.JSON(http.StatusCreated, game)
}

func (s *Server) handleGameByCode(c *gin.Context) {
	code := strings.ToUpper(strings.TrimSpace(c.Param("code")))
	game, err := s.store.GameByCode(code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, "game not found")
			return
		}
		writeError(c, http.StatusInternalServerError, "lookup failed")
		return
	}
	c.JSON(http.StatusOK, game)
}

func (s *Server) handleJoinGame(c *gin.Context) {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "authentication required")
		return
	}
	game, err := s.store.GameByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, "game not found")
			return
		}
		writeError(c, http.StatusInternalServerError, "lookup failed")
		return
	}
	player, created, err := s.store.EnsurePlayer(game.ID, identity.UserID, identity.Email)
	if err != nil {
		s.log.Errorw("join failed", "game_id", game.ID, "user_id", identity.UserID, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to join game")
		return
	}
	if created {
		s.log.Infow("player joined", "game_id", game.ID, "player_id", player.ID, "user_id", identity.UserID)
		s.hub.BroadcastState(game.ID)
	}
	c.JSON(http.StatusOK, player)
}

type startRequest struct {
	CustomizeSeconds int `json:"customize_seconds" binding:"omitempty,min=30,max=3600"`
}

func (s *Server) handleStartGame(c *gin.Context) {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "authentication required")
		return
	}
	game, ok := s.requireHost(c, identity)
	if !ok {
		return
	}
	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "customize_seconds must be between 30 and 3600")
			return
		}
	}
	seconds := req.CustomizeSeconds
	if seconds == 0 {
		seconds = s.cfg.CustomizeDurationSeconds
	}
	started, err := s.store.StartGame(game.ID, time.Duration(seconds)*time.Second, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(c, http.StatusConflict, "game already started")
			return
		}
		s.log.Errorw("start failed", "game_id", game.ID, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to start game")
		return
	}
	s.log.Infow("game started", "game_id", game.ID, "round", started.Round)
	s.hub.BroadcastState(game.ID)
	c.JSON(http.StatusOK, started)
}

func (s *Server) handleSync(c *gin.Context) {
	game, err := s.store.GameByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, "game not found")
			return
		}
		writeError(c, http.StatusInternalServerError, "lookup failed")
		return
	}
	players, err := s.store.PlayersByGame(game.ID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "lookup failed")
		return
	}
	c.JSON(http.StatusOK, bus.GameState{Game: *game, Players: players})
}

// handlePhasePatch is the host's escape hatch for driving the round state
// machine directly: next round, manual phase flips, presenter reassignment.
func (s *Server) handlePhasePatch(c *gin.Context) {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "authentication required")
		return
	}
	game, ok := s.requireHost(c, identity)
	if !ok {
		return
	}
	var req phasePatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request")
		return
	}
	updates := map[string]any{}
	if req.Phase != "" {
		updates["phase"] = req.Phase
	}
	if req.Round != nil {
		updates["round"] = *req.Round
	}
	if req.CurrentPlayer != nil {
		updates["current_player"] = *req.CurrentPlayer
	} else if req.ClearCurrentPlayer {
		updates["current_player"] = nil
	}
	if req.CustomizeSeconds != nil {
		endsAt := time.Now().UTC().Add(time.Duration(*req.CustomizeSeconds) * time.Second)
		updates["customize_ends_at"] = &endsAt
	}
	if req.Phase == db.PhaseCustomize {
		if err := s.store.ResetReady(game.ID); err != nil {
			s.log.Warnw("ready reset failed", "game_id", game.ID, "error", err)
		}
	}
	if len(updates) == 0 {
		writeError(c, http.StatusBadRequest, "nothing to update")
		return
	}
	updated, err := s.store.UpdateGame(game.ID, updates)
	if err != nil {
		s.log.Errorw("phase patch failed", "game_id", game.ID, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to update game")
		return
	}
	s.hub.BroadcastState(game.ID)
	c.JSON(http.StatusOK, updated)
}

// requireHost loads the game from the :id param and rejects non-hosts.
func (s *Server) requireHost(c *gin.Context, identity auth.Identity) (*store.Game, bool) {
	game, err := s.store.GameByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, "game not found")
			return nil, false
		}
		writeError(c, http.StatusInternalServerError, "lookup failed")
		return nil, false
	}
	if game.HostID != identity.UserID {
		writeError(c, http.StatusForbidden, "host only")
		return nil, false
	}
	return game, true
}
