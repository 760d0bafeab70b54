package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"catwalk/internal/db"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Row type aliases so consumers of the store do not need to import the
// schema package as well.
type (
	Game       = db.Game
	Player     = db.Player
	Entry      = db.Entry
	Vote       = db.Vote
	Item       = db.Item
	UserAvatar = db.UserAvatar
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrCodeExhaust = errors.New("unable to generate a unique game code")
	ErrNotEnough   = errors.New("not enough items to build a round")
	ErrConflict    = errors.New("conflicting update")
)

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Store is the shared game store: durable rows plus a change-notification
// feed per game. All mutations go through it so every write produces a
// notification.
type Store struct {
	conn     *gorm.DB
	notifier *notifier
}

func New(conn *gorm.DB) *Store {
	return &Store{conn: conn, notifier: newNotifier()}
}

// Subscribe delivers INSERT/UPDATE notifications for every table scoped to
// one game. The returned cancel func must be called on leave.
func (s *Store) Subscribe(gameID string) (<-chan Change, func()) {
	return s.notifier.Subscribe(gameID)
}

func newCode() string {
	buf := make([]byte, 6)
	for i := range buf {
		buf[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(buf)
}

func (s *Store) CreateGame(hostID string) (*Game, error) {
	for attempts := 0; attempts < 10; attempts++ {
		game := &Game{
			ID:     uuid.NewString(),
			Code:   newCode(),
			HostID: hostID,
			Phase:  db.PhaseLobby,
		}
		err := s.conn.Create(game).Error
		if err == nil {
			s.notifier.Publish(Change{Table: TableGames, Type: ChangeInsert, GameID: game.ID, Game: game})
			return game, nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		return nil, fmt.Errorf("create game: %w", err)
	}
	return nil, ErrCodeExhaust
}

func (s *Store) GameByID(id string) (*Game, error) {
	var game Game
	if err := s.conn.First(&game, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &game, nil
}

func (s *Store) GameByCode(code string) (*Game, error) {
	var game Game
	if err := s.conn.First(&game, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &game, nil
}

// UpdateGame applies a partial update and returns the fresh row. Last write
// wins on the mutable fields; convergence is handled by the engine
// re-deriving its view from whatever row it observes next.
func (s *Store) UpdateGame(id string, updates map[string]any) (*Game, error) {
	result := s.conn.Model(&Game{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	game, err := s.GameByID(id)
	if err != nil {
		return nil, err
	}
	s.notifier.Publish(Change{Table: TableGames, Type: ChangeUpdate, GameID: game.ID, Game: game})
	return game, nil
}

// UpdateGameIf applies updates only while the game is still in the expected
// phase. Returns ErrConflict when the guard no longer holds.
func (s *Store) UpdateGameIf(id, expectPhase string, updates map[string]any) (*Game, error) {
	result := s.conn.Model(&Game{}).
		Where("id = ? AND phase = ?", id, expectPhase).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.GameByID(id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	game, err := s.GameByID(id)
	if err != nil {
		return nil, err
	}
	s.notifier.Publish(Change{Table: TableGames, Type: ChangeUpdate, GameID: game.ID, Game: game})
	return game, nil
}

func (s *Store) StartGame(id string, duration time.Duration, now time.Time) (*Game, error) {
	endsAt := now.Add(duration).UTC()
	return s.UpdateGameIf(id, db.PhaseLobby, map[string]any{
		"started":           true,
		"round":             1,
		"phase":             db.PhaseCustomize,
		"customize_ends_at": &endsAt,
	})
}

func (s *Store) SetGameItems(id string, itemIDs []string) (*Game, error) {
	encoded, err := json.Marshal(itemIDs)
	if err != nil {
		return nil, err
	}
	return s.UpdateGame(id, map[string]any{"items": datatypes.JSON(encoded)})
}

// EnsurePlayer returns the existing membership row for (game, user) or
// creates one. At most one Player per (game_id, user_id).
func (s *Store) EnsurePlayer(gameID, userID, email string) (*Player, bool, error) {
	var existing Player
	err := s.conn.First(&existing, "game_id = ? AND user_id = ?", gameID, userID).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	player := &Player{
		ID:        uuid.NewString(),
		GameID:    gameID,
		UserID:    userID,
		UserEmail: email,
	}
	if err := s.conn.Create(player).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost a join race; the winner's row is authoritative.
			if err := s.conn.First(&existing, "game_id = ? AND user_id = ?", gameID, userID).Error; err != nil {
				return nil, false, err
			}
			return &existing, false, nil
		}
		return nil, false, err
	}
	s.notifier.Publish(Change{Table: TablePlayers, Type: ChangeInsert, GameID: gameID, Player: player})
	return player, true, nil
}

// PlayersByGame returns the player set in turn order: created_at ascending
// with the id string as tie-break, so every client derives the same order.
func (s *Store) PlayersByGame(gameID string) ([]Player, error) {
	var players []Player
	err := s.conn.
		Where("game_id = ?", gameID).
		Order("created_at asc, id asc").
		Find(&players).Error
	return players, err
}

func (s *Store) PlayerByID(id string) (*Player, error) {
	var player Player
	if err := s.conn.First(&player, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &player, nil
}

func (s *Store) UpdatePlayer(id string, updates map[string]any) (*Player, error) {
	result := s.conn.Model(&Player{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	player, err := s.PlayerByID(id)
	if err != nil {
		return nil, err
	}
	s.notifier.Publish(Change{Table: TablePlayers, Type: ChangeUpdate, GameID: player.GameID, Player: player})
	return player, nil
}

// ResetReady flips every player in the game back to not-ready at the start
// of a round.
func (s *Store) ResetReady(gameID string) error {
	if err := s.conn.Model(&Player{}).Where("game_id = ?", gameID).Update("ready", false).Error; err != nil {
		return err
	}
	players, err := s.PlayersByGame(gameID)
	if err != nil {
		return err
	}
	for i := range players {
		s.notifier.Publish(Change{Table: TablePlayers, Type: ChangeUpdate, GameID: gameID, Player: &players[i]})
	}
	return nil
}

// UpsertEntry records a player's finished look for the round. Retries shadow
// the previous row rather than duplicating it: the uniqueness constraint on
// (game_id, round, player_id) is explicit here.
func (s *Store) UpsertEntry(entry *Entry) (*Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()
	err := s.conn.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "game_id"}, {Name: "round"}, {Name: "player_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"model_glb_url", "screenshot_url", "created_at",
		}),
	}).Create(entry).Error
	if err != nil {
		return nil, err
	}
	s.notifier.Publish(Change{Table: TableEntries, Type: ChangeInsert, GameID: entry.GameID, Entry: entry})
	return entry, nil
}

func (s *Store) EntryForPlayer(gameID string, round int, playerID string) (*Entry, error) {
	var entry Entry
	err := s.conn.
		Where("game_id = ? AND round = ? AND player_id = ?", gameID, round, playerID).
		Order("created_at desc").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// InsertVote records a rating. A duplicate (game, round, target, voter) is
// accepted and ignored so client retries stay idempotent.
func (s *Store) InsertVote(vote *Vote) (*Vote, error) {
	if vote.ID == "" {
		vote.ID = uuid.NewString()
	}
	vote.CreatedAt = time.Now().UTC()
	result := s.conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "game_id"}, {Name: "round"}, {Name: "target_id"}, {Name: "voter_id"}},
		DoNothing: true,
	}).Create(vote)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected > 0 {
		s.notifier.Publish(Change{Table: TableVotes, Type: ChangeInsert, GameID: vote.GameID, Vote: vote})
	}
	return vote, nil
}

// CountVotes is the count-only quorum query: no rows are fetched.
func (s *Store) CountVotes(gameID string, round int, targetID string) (int, error) {
	var count int64
	err := s.conn.Model(&Vote{}).
		Where("game_id = ? AND round = ? AND target_id = ?", gameID, round, targetID).
		Count(&count).Error
	return int(count), err
}

func (s *Store) VotesByRound(gameID string, round int) ([]Vote, error) {
	var votes []Vote
	err := s.conn.Where("game_id = ? AND round = ?", gameID, round).Find(&votes).Error
	return votes, err
}

func (s *Store) ListItems(limit int) ([]Item, error) {
	var items []Item
	err := s.conn.Limit(limit).Find(&items).Error
	return items, err
}

// SampleItems draws a random catalog subset. random() exists in both
// postgres and sqlite.
func (s *Store) SampleItems(limit int) ([]Item, error) {
	var items []Item
	err := s.conn.Order("random()").Limit(limit).Find(&items).Error
	return items, err
}

func (s *Store) ItemsByIDs(ids []string) ([]Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []Item
	err := s.conn.Where("id IN ?", ids).Find(&items).Error
	return items, err
}

func (s *Store) InsertItems(items []Item) error {
	now := time.Now().UTC()
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
		items[i].CreatedAt = now
	}
	return s.conn.Create(&items).Error
}

func (s *Store) UpsertUserAvatar(userID, avatarURL string) error {
	record := UserAvatar{UserID: userID, AvatarGLBURL: avatarURL, UpdatedAt: time.Now().UTC()}
	return s.conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"avatar_glb_url", "updated_at"}),
	}).Create(&record).Error
}

func (s *Store) UserAvatarByID(userID string) (*UserAvatar, error) {
	var record UserAvatar
	if err := s.conn.First(&record, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}
