package server

import (
	"context"
	"fmt"
	"sort"

	"catwalk/internal/bus"
	"catwalk/internal/db"
)

// ComputeScores sums the round's stars per target, folds them into the
// players' running totals, flips the game to the scoreboard and pushes the
// standings to the room. Implements the engine's Scorer.
func (s *Server) ComputeScores(ctx context.Context, gameID string, round int) ([]bus.Standing, error) {
	// The conditional flip is the mutex: only the caller whose guard write
	// lands applies the star deltas. A concurrent caller gets ErrConflict.
	if _, err := s.store.UpdateGameIf(gameID, db.PhaseRating, map[string]any{
		"phase":          db.PhaseScoreboard,
		"current_player": nil,
	}); err != nil {
		return nil, fmt.Errorf("end round: %w", err)
	}

	votes, err := s.store.VotesByRound(gameID, round)
	if err != nil {
		return nil, fmt.Errorf("load votes: %w", err)
	}
	totals := make(map[string]int)
	for _, vote := range votes {
		totals[vote.TargetID] += vote.Stars
	}

	players, err := s.store.PlayersByGame(gameID)
	if err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}
	standings := make([]bus.Standing, 0, len(players))
	for _, player := range players {
		score := player.Score
		if gained := totals[player.ID]; gained > 0 {
			updated, err := s.store.UpdatePlayer(player.ID, map[string]any{"score": score + gained})
			if err != nil {
				return nil, fmt.Errorf("update score: %w", err)
			}
			score = updated.Score
		}
		standings = append(standings, bus.Standing{
			PlayerID: player.ID,
			UserID:   player.UserID,
			Score:    score,
		})
	}
	sort.SliceStable(standings, func(i, j int) bool {
		return standings[i].Score > standings[j].Score
	})

	s.log.Infow("round scored", "game_id", gameID, "round", round, "votes", len(votes))
	s.hub.BroadcastScoreboard(bus.Scoreboard{GameID: gameID, Round: round, Standings: standings})
	s.hub.BroadcastState(gameID)
	return standings, nil
}
