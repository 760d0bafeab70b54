package main

import (
	"net/http"
	"time"

	"catwalk/internal/auth"
	"catwalk/internal/bus"
	"catwalk/internal/config"
	"catwalk/internal/db"
	"catwalk/internal/logger"
	"catwalk/internal/server"
	"catwalk/internal/store"
)

func main() {
	// Missing .env is fine outside local dev.
	_ = config.LoadDotEnv(".env")
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFile)
	defer log.Sync()

	conn, err := db.Open(cfg)
	if err != nil {
		log.Fatalw("database connect failed", "error", err)
	}
	if err := db.Migrate(conn); err != nil {
		log.Fatalw("database migrate failed", "error", err)
	}

	gameStore := store.New(conn)
	tokens := auth.NewTokens(cfg.JWTSecret, 24*time.Hour)
	hub := bus.NewHub(tokens, gameStore, log)
	media, err := server.NewMediaStore(cfg.MediaDir, cfg.MediaBaseURL)
	if err != nil {
		log.Fatalw("media dir unavailable", "dir", cfg.MediaDir, "error", err)
	}

	srv := server.New(gameStore, media, hub, tokens, cfg, log)
	log.Infow("catwalk server listening", "addr", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, srv.Router()); err != nil {
		log.Fatalw("server stopped", "error", err)
	}
}
