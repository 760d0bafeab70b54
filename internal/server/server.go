package server

import (
	"net/http"

	"catwalk/internal/auth"
	"catwalk/internal/bus"
	"catwalk/internal/config"
	"catwalk/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server is the HTTP surface: game lifecycle, round data, votes, scoring and
// avatar persistence. Realtime traffic belongs to the hub; media files are
// served from the media store's directory.
type Server struct {
	store   *store.Store
	media   *MediaStore
	hub     *bus.Hub
	tokens  *auth.Tokens
	cfg     config.Config
	log     *zap.SugaredLogger
	limiter *rateLimiter
}

func New(gameStore *store.Store, media *MediaStore, hub *bus.Hub, tokens *auth.Tokens, cfg config.Config, log *zap.SugaredLogger) *Server {
	registerValidators()
	return &Server{
		store:   gameStore,
		media:   media,
		hub:     hub,
		tokens:  tokens,
		cfg:     cfg,
		log:     log,
		limiter: newRateLimiter(),
	}
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ws", gin.WrapF(s.hub.HandleWS))
	router.Static(s.cfg.MediaBaseURL, s.cfg.MediaDir)

	api := router.Group("/api")
	api.Use(s.tokens.RequireAuth())
	{
		api.POST("/games", s.handleCreateGame)
		api.GET("/codes/:code", s.handleGameByCode)
		api.POST("/games/:id/players", s.handleJoinGame)
		api.POST("/games/:id/start", s.handleStartGame)
		api.GET("/games/:id/sync", s.handleSync)
		api.PATCH("/games/:id/phase", s.handlePhasePatch)
		api.GET("/games/:id/items", s.handleRoundItems)
		api.POST("/games/:id/entries", s.handleSubmitEntry)
		api.POST("/games/:id/votes", s.handleSubmitVote)
		api.POST("/games/:id/score", s.handleComputeScores)
		api.POST("/avatars/import", s.handleImportAvatar)
		api.GET("/avatars/me", s.handleMyAvatar)
	}
	return router
}

func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
