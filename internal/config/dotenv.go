package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads environment variables from a .env file if present.
// Existing environment variables are not overwritten.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

type Config struct {
	Addr                     string
	JWTSecret                string
	TurnDurationSeconds      int
	CustomizeDurationSeconds int
	VotePollMillis           int
	RoundItemCount           int
	MediaDir                 string
	MediaBaseURL             string
	DBMaxOpenConns           int
	DBMaxIdleConns           int
	DBConnMaxLifetimeSeconds int
	DBConnMaxIdleTimeSeconds int
	LogLevel                 string
	LogFile                  string
	STUNServers              []string
}

func Default() Config {
	return Config{
		Addr:                     ":8080",
		TurnDurationSeconds:      25,
		CustomizeDurationSeconds: 50,
		VotePollMillis:           1500,
		RoundItemCount:           50,
		MediaDir:                 "media",
		MediaBaseURL:             "/media",
		DBMaxOpenConns:           10,
		DBMaxIdleConns:           10,
		DBConnMaxLifetimeSeconds: 300,
		DBConnMaxIdleTimeSeconds: 60,
		LogLevel:                 "info",
		STUNServers:              []string{"stun:stun.l.google.com:19302"},
	}
}

func Load() Config {
	cfg := Default()
	if raw := os.Getenv("PORT"); raw != "" {
		cfg.Addr = ":" + raw
	}
	if raw := os.Getenv("JWT_SECRET"); raw != "" {
		cfg.JWTSecret = raw
	}
	if raw := os.Getenv("TURN_SECONDS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.TurnDurationSeconds = value
		}
	}
	if raw := os.Getenv("CUSTOMIZE_SECONDS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.CustomizeDurationSeconds = value
		}
	}
	if raw := os.Getenv("VOTE_POLL_MILLIS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.VotePollMillis = value
		}
	}
	if raw := os.Getenv("ROUND_ITEM_COUNT"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.RoundItemCount = value
		}
	}
	if raw := os.Getenv("MEDIA_DIR"); raw != "" {
		cfg.MediaDir = raw
	}
	if raw := os.Getenv("MEDIA_BASE_URL"); raw != "" {
		cfg.MediaBaseURL = raw
	}
	if raw := os.Getenv("DB_MAX_OPEN_CONNS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.DBMaxOpenConns = value
		}
	}
	if raw := os.Getenv("DB_MAX_IDLE_CONNS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.DBMaxIdleConns = value
		}
	}
	if raw := os.Getenv("DB_CONN_MAX_LIFETIME_SECONDS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.DBConnMaxLifetimeSeconds = value
		}
	}
	if raw := os.Getenv("DB_CONN_MAX_IDLE_SECONDS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.DBConnMaxIdleTimeSeconds = value
		}
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LOG_FILE"); raw != "" {
		cfg.LogFile = raw
	}
	if raw := os.Getenv("STUN_SERVERS"); raw != "" {
		servers := make([]string, 0, 2)
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				servers = append(servers, trimmed)
			}
		}
		if len(servers) > 0 {
			cfg.STUNServers = servers
		}
	}
	return cfg
}
