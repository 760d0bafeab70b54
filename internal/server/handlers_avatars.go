package server

import (
	"errors"
	"net/http"

	"catwalk/internal/auth"
	"catwalk/internal/store"

	"github.com/gin-gonic/gin"
)

type avatarImportRequest struct {
	URL string `json:"url" binding:"required,url,max=1024"`
}

// handleImportAvatar pulls a ready-made GLB avatar from an external URL,
// stores a local copy and remembers it as the user's avatar across games.
func (s *Server) handleImportAvatar(c *gin.Context) {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "authentication required")
		return
	}
	var req avatarImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "a valid avatar url is required")
		return
	}
	localURL, err := s.media.FetchAvatar(c.Request.Context(), identity.UserID, req.URL)
	if err != nil {
		s.log.Warnw("avatar import failed", "user_id", identity.UserID, "url", req.URL, "error", err)
		writeError(c, http.StatusBadGateway, "could not fetch avatar")
		return
	}
	if err := s.store.UpsertUserAvatar(identity.UserID, localURL); err != nil {
		s.log.Errorw("avatar save failed", "user_id", identity.UserID, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to save avatar")
		return
	}
	c.JSON(http.StatusOK, gin.H{"avatar_glb_url": localURL})
}

func (s *Server) handleMyAvatar(c *gin.Context) {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "authentication required")
		return
	}
	record, err := s.store.UserAvatarByID(identity.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, "no avatar saved")
			return
		}
		writeError(c, http.StatusInternalServerError, "lookup failed")
		return
	}
	c.JSON(http.StatusOK, record)
}
