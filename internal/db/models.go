package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	PhaseLobby      = "lobby"
	PhaseCustomize  = "customize"
	PhaseRating     = "rating"
	PhaseScoreboard = "scoreboard"
)

type Game struct {
	ID              string         `gorm:"type:uuid;primaryKey" json:"id"`
	Code            string         `gorm:"size:12;uniqueIndex;not null" json:"code"`
	HostID          string         `gorm:"type:uuid;index;not null" json:"host_id"`
	Started         bool           `gorm:"not null;default:false" json:"started"`
	Round           int            `gorm:"not null;default:0" json:"round"`
	Phase           string         `gorm:"size:32;not null" json:"phase"`
	CustomizeEndsAt *time.Time     `json:"customize_ends_at"`
	CurrentPlayer   *string        `gorm:"type:uuid" json:"current_player"`
	Items           datatypes.JSON `json:"items,omitempty"`
	CreatedAt       time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
}

// ItemIDs decodes the pinned item sample for the current round. Empty until
// the host draws one.
func (g *Game) ItemIDs() ([]string, error) {
	if len(g.Items) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(g.Items, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

type Player struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	GameID       string    `gorm:"type:uuid;index;not null;uniqueIndex:idx_players_game_user" json:"game_id"`
	UserID       string    `gorm:"type:uuid;not null;uniqueIndex:idx_players_game_user" json:"user_id"`
	UserEmail    string    `gorm:"size:255" json:"user_email"`
	Score        int       `gorm:"not null;default:0" json:"score"`
	Ready        bool      `gorm:"not null;default:false" json:"ready"`
	AvatarGLBURL *string   `json:"avatar_glb_url"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

type Entry struct {
	ID            string    `gorm:"type:uuid;primaryKey" json:"id"`
	GameID        string    `gorm:"type:uuid;index;not null;uniqueIndex:idx_entries_game_round_player" json:"game_id"`
	Round         int       `gorm:"not null;uniqueIndex:idx_entries_game_round_player" json:"round"`
	PlayerID      string    `gorm:"type:uuid;not null;uniqueIndex:idx_entries_game_round_player" json:"player_id"`
	UserID        string    `gorm:"type:uuid;not null" json:"user_id"`
	ModelGLBURL   string    `gorm:"size:1024;not null" json:"model_glb_url"`
	ScreenshotURL string    `gorm:"size:1024" json:"screenshot_url"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
}

type Vote struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	GameID    string    `gorm:"type:uuid;index;not null;uniqueIndex:idx_votes_game_round_target_voter" json:"game_id"`
	Round     int       `gorm:"not null;uniqueIndex:idx_votes_game_round_target_voter" json:"round"`
	TargetID  string    `gorm:"type:uuid;not null;uniqueIndex:idx_votes_game_round_target_voter" json:"target_id"`
	VoterID   string    `gorm:"type:uuid;not null;uniqueIndex:idx_votes_game_round_target_voter" json:"voter_id"`
	Stars     int       `gorm:"not null" json:"stars"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

type Item struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name         string    `gorm:"size:255;not null" json:"name"`
	Category     string    `gorm:"size:64" json:"category,omitempty"`
	Slot         string    `gorm:"size:64" json:"slot,omitempty"`
	AssetURL     string    `gorm:"size:1024" json:"asset_url"`
	ThumbnailURL string    `gorm:"size:1024" json:"thumbnail_url"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
}

func (g *Game) BeforeCreate(*gorm.DB) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	return nil
}

func (p *Player) BeforeCreate(*gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

func (e *Entry) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

func (v *Vote) BeforeCreate(*gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return nil
}

func (i *Item) BeforeCreate(*gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}

type UserAvatar struct {
	UserID       string    `gorm:"type:uuid;primaryKey" json:"user_id"`
	AvatarGLBURL string    `gorm:"size:1024;not null" json:"avatar_glb_url"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}
