package server

import (
	"errors"
	"net/http"

	"catwalk/internal/auth"
	"catwalk/internal/db"
	"catwalk/internal/store"

	"github.com/gin-gonic/gin"
)

type entryRequest struct {
	Round       int    `json:"round" binding:"required,min=1"`
	ModelGLBURL string `json:"model_glb_url" binding:"required,glburl,max=1024"`
	Screenshot  string `json:"screenshot" binding:"omitempty"`
}

type voteRequest struct {
	Round    int    `json:"round" binding:"required,min=1"`
	TargetID string `json:"target_id" binding:"required,uuid"`
	Stars    int    `json:"stars" binding:"required,min=1,max=5"`
}

type scoreRequest struct {
	Round int `json:"round" binding:"omitempty,min=1"`
}

// handleRoundItems returns the round's item subset. The host's first request
// draws the sample and pins it on the game row so every player sees the same
// catalog slice; later requests replay the pinned set.
func (s *Server) handleRoundItems(c *gin.Context) {
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

	ids, err := game.ItemIDs()
	if err != nil {
		s.log.Warnw("pinned items unreadable", "game_id", game.ID, "error", err)
		ids = nil
	}
	if len(ids) == 0 {
		if game.HostID != identity.UserID {
			writeError(c, http.StatusConflict, "items not drawn yet")
			return
		}
		sampled, err := s.store.SampleItems(s.cfg.RoundItemCount)
		if err != nil {
			s.log.Errorw("item draw failed", "game_id", game.ID, "error", err)
			writeError(c, http.StatusInternalServerError, "failed to draw items")
			return
		}
		ids = make([]string, 0, len(sampled))
		for _, item := range sampled {
			ids = append(ids, item.ID)
		}
		if _, err := s.store.SetGameItems(game.ID, ids); err != nil {
			s.log.Errorw("item pin failed", "game_id", game.ID, "error", err)
			writeError(c, http.StatusInternalServerError, "failed to pin items")
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": sampled})
		return
	}

	items, err := s.store.ItemsByIDs(ids)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "lookup failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// handleSubmitEntry saves the player's look for the round and marks them
// ready. Screenshots arrive as data URLs and are persisted to the media dir.
func (s *Server) handleSubmitEntry(c *gin.Context) {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "authentication required")
		return
	}
	var req entryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request")
		return
	}
	game, player, ok := s.requirePlayer(c, identity)
	if !ok {
		return
	}
	if req.Round != game.Round {
		writeError(c, http.StatusConflict, "round already over")
		return
	}

	screenshotURL := ""
	if req.Screenshot != "" {
		url, err := s.media.SaveDataURL(game.ID, player.ID, req.Round, req.Screenshot)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid screenshot")
			return
		}
		screenshotURL = url
	}

	entry, err := s.store.UpsertEntry(&store.Entry{
		GameID:        game.ID,
		Round:         req.Round,
		PlayerID:      player.ID,
		UserID:        identity.UserID,
		ModelGLBURL:   req.ModelGLBURL,
		ScreenshotURL: screenshotURL,
	})
	if err != nil {
		s.log.Errorw("entry save failed", "game_id", game.ID, "player_id", player.ID, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to save entry")
		return
	}
	if _, err := s.store.UpdatePlayer(player.ID, map[string]any{"ready": true}); err != nil {
		s.log.Warnw("ready flag failed", "player_id", player.ID, "error", err)
	}
	s.hub.BroadcastState(game.ID)
	c.JSON(http.StatusOK, entry)
}

// handleSubmitVote records a star rating for the round's presenter. The
// (game, round, target, voter) key makes resubmission a no-op.
func (s *Server) handleSubmitVote(c *gin.Context) {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "authentication required")
		return
	}
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "stars must be between 1 and 5")
		return
	}
	game, player, ok := s.requirePlayer(c, identity)
	if !ok {
		return
	}
	if game.Phase != db.PhaseRating {
		writeError(c, http.StatusConflict, "not in rating phase")
		return
	}
	if req.TargetID == player.ID {
		writeError(c, http.StatusBadRequest, "cannot vote for your own look")
		return
	}
	if _, err := s.store.PlayerByID(req.TargetID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, "target not found")
			return
		}
		writeError(c, http.StatusInternalServerError, "lookup failed")
		return
	}

	vote, err := s.store.InsertVote(&store.Vote{
		GameID:   game.ID,
		Round:    req.Round,
		TargetID: req.TargetID,
		VoterID:  identity.UserID,
		Stars:    req.Stars,
	})
	if err != nil {
		s.log.Errorw("vote save failed", "game_id", game.ID, "voter", identity.UserID, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to save vote")
		return
	}
	c.JSON(http.StatusOK, vote)
}

// handleComputeScores aggregates the round's votes into player scores, flips
// the game to the scoreboard and pushes the standings. Host only; rerunning
// for an already-scored round would double-count, so the phase guard rejects
// it.
func (s *Server) handleComputeScores(c *gin.Context) {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "authentication required")
		return
	}
	game, ok := s.requireHost(c, identity)
	if !ok {
		return
	}
	var req scoreRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid request")
			return
		}
	}
	round := req.Round
	if round == 0 {
		round = game.Round
	}
	if game.Phase == db.PhaseScoreboard {
		writeError(c, http.StatusConflict, "round already scored")
		return
	}

	standings, err := s.ComputeScores(c.Request.Context(), game.ID, round)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(c, http.StatusConflict, "round already scored")
			return
		}
		s.log.Errorw("score compute failed", "game_id", game.ID, "round", round, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to compute scores")
		return
	}
	c.JSON(http.StatusOK, gin.H{"round": round, "standings": standings})
}

// requirePlayer loads the game from the :id param and the caller's player
// row in it.
func (s *Server) requirePlayer(c *gin.Context, identity auth.Identity) (*store.Game, *store.Player, bool) {
	game, err := s.store.GameByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, "game not found")
			return nil, nil, false
		}
		writeError(c, http.StatusInternalServerError, "lookup failed")
		return nil, nil, false
	}
	players, err := s.store.PlayersByGame(game.ID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "lookup failed")
		return nil, nil, false
	}
	for i := range players {
		if players[i].UserID == identity.UserID {
			return game, &players[i], true
		}
	}
	writeError(c, http.StatusForbidden, "not a player in this game")
	return nil, nil, false
}
